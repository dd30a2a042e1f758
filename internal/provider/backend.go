// Package provider implements the provider runtime: identity, validation,
// the virtual-provider roster, and the glue between the reconciler, the
// request pipe and the concrete service backend.
package provider

import (
	"context"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/models"
)

// ResourceState is what a backend reports about a resource. Name and Status
// are lifted out; everything else lands in the resource's details.
type ResourceState struct {
	Name    string
	Status  models.DeploymentStatus
	Details map[string]any
}

// Backend is the service-specific lifecycle a concrete provider implements.
// The reconciler guarantees Create is called at most once per agreement
// (creation is guarded by a row-existence check), Delete at most once per
// closure.
type Backend interface {
	// Init lets the backend register its provider-scoped pipe routes via
	// Runtime.RegisterProviderRoute. Called once during startup, after
	// validation and before the transports accept requests.
	Init(ctx context.Context, rt *Runtime) error

	// Create provisions the resource for a fresh agreement and returns its
	// initial state.
	Create(ctx context.Context, agreement *chain.Agreement, offer *chain.DetailedOffer) (*ResourceState, error)

	// GetDetails reports the current state of a not-yet-Running resource.
	// Polled by the resource watcher.
	GetDetails(ctx context.Context, agreement *chain.Agreement, offer *chain.DetailedOffer, resource *models.Resource) (*ResourceState, error)

	// Delete tears the resource down when its agreement closes.
	Delete(ctx context.Context, agreement *chain.Agreement, offer *chain.DetailedOffer, resource *models.Resource) error
}

// ConfigField describes one field of a backend's per-offer configuration
// schema, as served to gateway callers.
type ConfigField struct {
	Example     any    `json:"example"`
	Format      string `json:"format"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// GatewayConfigurator is the optional capability a backend implements to
// declare its virtual-provider offer configuration schema.
type GatewayConfigurator interface {
	OfferConfigurationSchema() map[string]ConfigField
}
