package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Client is the read/write facade over the marketplace contracts. Reads
// return nil (not an error) when the record does not exist; network-level
// failures are wrapped as perrors.TransportError by implementations.
type Client interface {
	// GetActor resolves a provider record by owner address.
	GetActor(ctx context.Context, owner common.Address) (*Actor, error)

	// GetRegisteredProtocols lists the protocol addresses a provider is
	// registered in, in registration order.
	GetRegisteredProtocols(ctx context.Context, providerID uint64) ([]common.Address, error)

	// GetOffer reads a single offer within a protocol.
	GetOffer(ctx context.Context, protocol common.Address, offerID uint32) (*Offer, error)

	// GetAllProviderOffers lists every offer a provider has registered in a
	// protocol.
	GetAllProviderOffers(ctx context.Context, protocol common.Address, providerID uint64) ([]*Offer, error)

	// GetAgreement reads a single agreement within a protocol.
	GetAgreement(ctx context.Context, protocol common.Address, agreementID uint64) (*Agreement, error)

	// CloseAgreement closes an agreement on-chain. The resulting
	// AgreementClosed event is observed later through the indexer.
	CloseAgreement(ctx context.Context, protocol common.Address, agreementID uint64) error

	// RegisterOffer registers a new offer on behalf of a provider and
	// returns the assigned offer id.
	RegisterOffer(ctx context.Context, protocol common.Address, req RegisterOfferRequest) (uint32, error)
}
