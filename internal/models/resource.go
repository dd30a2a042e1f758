package models

import (
	"strings"
	"time"
)

// DeploymentStatus tracks where a resource is in its backend lifecycle.
type DeploymentStatus string

const (
	DeploymentStatusDeploying DeploymentStatus = "Deploying"
	DeploymentStatusRunning   DeploymentStatus = "Running"
	DeploymentStatusFailed    DeploymentStatus = "Failed"
	DeploymentStatusClosed    DeploymentStatus = "Closed"
)

// PrivateDetailPrefix marks detail keys that must never leave the daemon.
const PrivateDetailPrefix = "_"

// Resource is the daemon's local projection of an active agreement.
// The primary key is (ID, PtAddressID) where ID equals the agreement id.
type Resource struct {
	ID               uint64           `json:"id"`
	PtAddressID      int64            `json:"-"`
	ProtocolAddress  string           `json:"ptAddress"`
	Name             string           `json:"name"`
	OwnerAddress     string           `json:"ownerAddress"`
	OfferID          uint32           `json:"offerId"`
	ProviderID       uint64           `json:"providerId"`
	DeploymentStatus DeploymentStatus `json:"deploymentStatus"`
	Details          map[string]any   `json:"details"`
	GroupName        string           `json:"groupName"`
	IsActive         bool             `json:"isActive"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// PublicDetails returns a copy of Details with private (underscore-prefixed)
// keys stripped.
func (r *Resource) PublicDetails() map[string]any {
	out := make(map[string]any, len(r.Details))
	for k, v := range r.Details {
		if strings.HasPrefix(k, PrivateDetailPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// ResourceUpdate carries the mutable columns of a resource row. Nil fields
// are left untouched.
type ResourceUpdate struct {
	Name             *string
	DeploymentStatus *DeploymentStatus
	Details          map[string]any
	IsActive         *bool
}
