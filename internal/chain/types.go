// Package chain defines the typed facade over the on-chain marketplace
// contracts. The concrete RPC binding is supplied by the embedding binary;
// the daemon only depends on the Client interface.
package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AgreementStatus is the on-chain lifecycle state of an agreement.
type AgreementStatus string

const (
	AgreementStatusActive    AgreementStatus = "Active"
	AgreementStatusNotActive AgreementStatus = "NotActive"
)

// Actor is an on-chain provider record.
type Actor struct {
	ID              uint64
	OwnerAddress    common.Address
	OperatorAddress common.Address
	BillingAddress  common.Address
	DetailsLink     string
	Endpoint        string
}

// Offer is a priced, stocked item registered by a provider within a protocol.
type Offer struct {
	ID           uint32
	OwnerAddress common.Address
	FeePerSecond *big.Int
	Stock        uint32
	DetailsLink  string
}

// DetailedOffer pairs an on-chain offer with its raw detail blob. The blob
// may be nil when the detail file is missing from the registry.
type DetailedOffer struct {
	Offer
	RawDetails []byte
}

// Agreement is an on-chain contract instance between a user and a provider.
// The daemon never mutates balances; it only closes expired agreements.
type Agreement struct {
	ID              uint64
	UserAddress     common.Address
	ProviderAddress common.Address
	OfferID         uint32
	Balance         *big.Int
	Status          AgreementStatus
	StartedAt       time.Time
	EndedAt         time.Time
}

// RegisterOfferRequest carries the parameters of an on-chain offer
// registration performed on behalf of a virtual provider.
type RegisterOfferRequest struct {
	ProviderOwnerAddress common.Address
	DetailsLink          string
	Fee                  *big.Int
	StockAmount          uint32
}
