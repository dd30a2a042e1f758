// Package echo is the reference service backend: it provisions nothing and
// answers pipe requests by echoing them back. It exists for end-to-end
// testing of the daemon and as a template for real backends.
package echo

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pipe"
	"github.com/agreenet/providerd/internal/provider"
)

// Backend implements provider.Backend and provider.GatewayConfigurator.
type Backend struct {
	logger *slog.Logger
}

// New creates an echo backend.
func New(logger *slog.Logger) *Backend {
	return &Backend{logger: logger.With(slog.String("component", "echo-backend"))}
}

// Init registers the echo pipe route.
func (b *Backend) Init(_ context.Context, rt *provider.Runtime) error {
	rt.RegisterProviderRoute("POST", "/echo", func(ctx context.Context, req *pipe.Request) (any, error) {
		resource, _, err := b.authorize(ctx, rt, req)
		if err != nil {
			return nil, err
		}
		var body map[string]any
		if err := req.DecodeBody(&body); err != nil {
			return nil, err
		}
		return map[string]any{
			"resource": resource.Name,
			"echo":     body,
		}, nil
	})
	return nil
}

func (b *Backend) authorize(ctx context.Context, rt *provider.Runtime, req *pipe.Request) (*models.Resource, *chain.Agreement, error) {
	var body struct {
		ResourceID uint64 `json:"resourceId"`
	}
	if err := req.DecodeBody(&body); err != nil {
		return nil, nil, err
	}
	return rt.AuthorizeAndLoadResource(ctx, body.ResourceID, rt.ProtocolAddress().Hex(), req.Requester)
}

// Create reports the resource Running immediately; there is nothing to
// provision.
func (b *Backend) Create(_ context.Context, agreement *chain.Agreement, offer *chain.DetailedOffer) (*provider.ResourceState, error) {
	details := map[string]any{
		"kind":       "echo",
		"instanceId": uuid.NewString(),
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
		"_offerFee":  offer.FeePerSecond.String(),
	}
	if len(offer.RawDetails) > 0 {
		var offerDetails map[string]any
		if err := json.Unmarshal(offer.RawDetails, &offerDetails); err == nil {
			if msg, ok := offerDetails["welcomeMessage"].(string); ok {
				details["welcomeMessage"] = msg
			}
		}
	}
	b.logger.Debug("echo resource created", slog.Uint64("agreementId", agreement.ID))
	return &provider.ResourceState{
		Status:  models.DeploymentStatusRunning,
		Details: details,
	}, nil
}

// GetDetails reports the persisted state unchanged.
func (b *Backend) GetDetails(_ context.Context, _ *chain.Agreement, _ *chain.DetailedOffer, resource *models.Resource) (*provider.ResourceState, error) {
	return &provider.ResourceState{
		Name:    resource.Name,
		Status:  models.DeploymentStatusRunning,
		Details: resource.Details,
	}, nil
}

// Delete has nothing to tear down.
func (b *Backend) Delete(_ context.Context, agreement *chain.Agreement, _ *chain.DetailedOffer, _ *models.Resource) error {
	b.logger.Debug("echo resource deleted", slog.Uint64("agreementId", agreement.ID))
	return nil
}

// OfferConfigurationSchema declares the per-offer configuration a gateway
// accepts for echo offers.
func (b *Backend) OfferConfigurationSchema() map[string]provider.ConfigField {
	return map[string]provider.ConfigField{
		"welcomeMessage": {
			Example:     "hello",
			Format:      "string",
			Description: "Message echoed back on the first request.",
			Default:     "",
		},
	}
}
