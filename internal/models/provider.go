package models

import "time"

// Provider is a marketplace participant identity. A virtual provider
// delegates its operator identity to a gateway provider and must share the
// gateway's operator address and network endpoint.
type Provider struct {
	ID                uint64    `json:"id"`
	OwnerAddress      string    `json:"ownerAddress"`
	OperatorAddress   string    `json:"operatorAddress"`
	DetailsLink       string    `json:"detailsLink"`
	IsVirtual         bool      `json:"isVirtual"`
	GatewayProviderID *uint64   `json:"gatewayProviderId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}
