package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// Hand-maintained ABI fragments for the marketplace contracts. Only the
// calls the daemon makes are declared.
const registryABIJSON = `[
	{"type":"function","name":"getActor","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"id","type":"uint64"},{"name":"ownerAddress","type":"address"},{"name":"operatorAddress","type":"address"},{"name":"billingAddress","type":"address"},{"name":"detailsLink","type":"string"},{"name":"endpoint","type":"string"}]},
	{"type":"function","name":"getRegisteredProtocols","stateMutability":"view","inputs":[{"name":"providerId","type":"uint64"}],"outputs":[{"name":"protocols","type":"address[]"}]}
]`

const protocolABIJSON = `[
	{"type":"function","name":"getOffer","stateMutability":"view","inputs":[{"name":"offerId","type":"uint32"}],"outputs":[{"name":"id","type":"uint32"},{"name":"ownerAddress","type":"address"},{"name":"feePerSecond","type":"uint256"},{"name":"stock","type":"uint32"},{"name":"detailsLink","type":"string"}]},
	{"type":"function","name":"getProviderOffers","stateMutability":"view","inputs":[{"name":"providerId","type":"uint64"}],"outputs":[{"name":"offerIds","type":"uint32[]"}]},
	{"type":"function","name":"getAgreement","stateMutability":"view","inputs":[{"name":"agreementId","type":"uint64"}],"outputs":[{"name":"id","type":"uint64"},{"name":"userAddress","type":"address"},{"name":"providerAddress","type":"address"},{"name":"offerId","type":"uint32"},{"name":"balance","type":"uint256"},{"name":"status","type":"uint8"},{"name":"startedAt","type":"uint64"},{"name":"endedAt","type":"uint64"}]},
	{"type":"function","name":"closeAgreement","stateMutability":"nonpayable","inputs":[{"name":"agreementId","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"registerOffer","stateMutability":"nonpayable","inputs":[{"name":"providerOwner","type":"address"},{"name":"detailsLink","type":"string"},{"name":"fee","type":"uint256"},{"name":"stock","type":"uint32"}],"outputs":[]},
	{"type":"event","name":"OfferRegistered","inputs":[{"name":"offerId","type":"uint32","indexed":false},{"name":"ownerAddress","type":"address","indexed":false}],"anonymous":false}
]`

// Agreement status codes as stored on-chain.
const (
	agreementStateActive uint8 = 1
)

// RPCClient is the ethclient-backed implementation of Client. Transactions
// are signed with the key given at construction, so each provider identity
// gets its own RPCClient while reads are interchangeable.
type RPCClient struct {
	eth          *ethclient.Client
	signer       *ecdsa.PrivateKey
	chainID      *big.Int
	registry     *bind.BoundContract
	registryAddr common.Address
	protocolABI  abi.ABI
	logger       *slog.Logger

	mu        sync.Mutex
	protocols map[common.Address]*bind.BoundContract
}

// NewRPCClient dials the RPC endpoint and binds the registry contract.
// signer may be nil for a read-only client.
func NewRPCClient(ctx context.Context, rpcHost string, registryAddr common.Address, signer *ecdsa.PrivateKey, logger *slog.Logger) (*RPCClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcHost)
	if err != nil {
		return nil, perrors.NewTransportError("chain dial", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, perrors.NewTransportError("chain id", err)
	}

	registryABI, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	protocolABI, err := abi.JSON(strings.NewReader(protocolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse protocol abi: %w", err)
	}

	return &RPCClient{
		eth:          eth,
		signer:       signer,
		chainID:      chainID,
		registry:     bind.NewBoundContract(registryAddr, registryABI, eth, eth, eth),
		registryAddr: registryAddr,
		protocolABI:  protocolABI,
		protocols:    make(map[common.Address]*bind.BoundContract),
		logger:       logger.With(slog.String("component", "chain")),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *RPCClient) Close() {
	c.eth.Close()
}

func (c *RPCClient) protocol(addr common.Address) *bind.BoundContract {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bc, ok := c.protocols[addr]; ok {
		return bc
	}
	bc := bind.NewBoundContract(addr, c.protocolABI, c.eth, c.eth, c.eth)
	c.protocols[addr] = bc
	return bc
}

// GetActor resolves a provider record by owner address. An unregistered
// owner comes back as (nil, nil).
func (c *RPCClient) GetActor(ctx context.Context, owner common.Address) (*Actor, error) {
	var out []any
	if err := c.registry.Call(&bind.CallOpts{Context: ctx}, &out, "getActor", owner); err != nil {
		return nil, perrors.NewTransportError("getActor", err)
	}
	id := out[0].(uint64)
	if id == 0 {
		return nil, nil
	}
	return &Actor{
		ID:              id,
		OwnerAddress:    out[1].(common.Address),
		OperatorAddress: out[2].(common.Address),
		BillingAddress:  out[3].(common.Address),
		DetailsLink:     out[4].(string),
		Endpoint:        out[5].(string),
	}, nil
}

// GetRegisteredProtocols lists the protocols a provider is registered in.
func (c *RPCClient) GetRegisteredProtocols(ctx context.Context, providerID uint64) ([]common.Address, error) {
	var out []any
	if err := c.registry.Call(&bind.CallOpts{Context: ctx}, &out, "getRegisteredProtocols", providerID); err != nil {
		return nil, perrors.NewTransportError("getRegisteredProtocols", err)
	}
	return out[0].([]common.Address), nil
}

// GetOffer reads a single offer. A zero id means the offer does not exist.
func (c *RPCClient) GetOffer(ctx context.Context, protocol common.Address, offerID uint32) (*Offer, error) {
	var out []any
	if err := c.protocol(protocol).Call(&bind.CallOpts{Context: ctx}, &out, "getOffer", offerID); err != nil {
		return nil, perrors.NewTransportError("getOffer", err)
	}
	id := out[0].(uint32)
	if id == 0 {
		return nil, nil
	}
	return &Offer{
		ID:           id,
		OwnerAddress: out[1].(common.Address),
		FeePerSecond: out[2].(*big.Int),
		Stock:        out[3].(uint32),
		DetailsLink:  out[4].(string),
	}, nil
}

// GetAllProviderOffers lists every offer a provider has in a protocol.
func (c *RPCClient) GetAllProviderOffers(ctx context.Context, protocol common.Address, providerID uint64) ([]*Offer, error) {
	var out []any
	if err := c.protocol(protocol).Call(&bind.CallOpts{Context: ctx}, &out, "getProviderOffers", providerID); err != nil {
		return nil, perrors.NewTransportError("getProviderOffers", err)
	}
	ids := out[0].([]uint32)
	offers := make([]*Offer, 0, len(ids))
	for _, id := range ids {
		offer, err := c.GetOffer(ctx, protocol, id)
		if err != nil {
			return nil, err
		}
		if offer != nil {
			offers = append(offers, offer)
		}
	}
	return offers, nil
}

// GetAgreement reads a single agreement. A zero id means it does not exist.
func (c *RPCClient) GetAgreement(ctx context.Context, protocol common.Address, agreementID uint64) (*Agreement, error) {
	var out []any
	if err := c.protocol(protocol).Call(&bind.CallOpts{Context: ctx}, &out, "getAgreement", agreementID); err != nil {
		return nil, perrors.NewTransportError("getAgreement", err)
	}
	id := out[0].(uint64)
	if id == 0 {
		return nil, nil
	}
	status := AgreementStatusNotActive
	if out[5].(uint8) == agreementStateActive {
		status = AgreementStatusActive
	}
	ag := &Agreement{
		ID:              id,
		UserAddress:     out[1].(common.Address),
		ProviderAddress: out[2].(common.Address),
		OfferID:         out[3].(uint32),
		Balance:         out[4].(*big.Int),
		Status:          status,
		StartedAt:       time.Unix(int64(out[6].(uint64)), 0).UTC(),
	}
	if ended := out[7].(uint64); ended > 0 {
		ag.EndedAt = time.Unix(int64(ended), 0).UTC()
	}
	return ag, nil
}

// CloseAgreement closes an agreement and waits for the transaction to mine.
func (c *RPCClient) CloseAgreement(ctx context.Context, protocol common.Address, agreementID uint64) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.protocol(protocol).Transact(opts, "closeAgreement", agreementID)
	if err != nil {
		return perrors.NewTransportError("closeAgreement", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return perrors.NewTransportError("closeAgreement wait", err)
	}
	if receipt.Status == 0 {
		return perrors.NewDomainError("closeAgreement",
			fmt.Sprintf("transaction %s reverted", tx.Hash().Hex()))
	}
	c.logger.Debug("agreement closed on-chain",
		slog.Uint64("agreementId", agreementID),
		slog.String("tx", tx.Hash().Hex()),
	)
	return nil
}

// RegisterOffer registers an offer on behalf of a provider and returns the
// id assigned on-chain, read back from the OfferRegistered event.
func (c *RPCClient) RegisterOffer(ctx context.Context, protocol common.Address, req RegisterOfferRequest) (uint32, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return 0, err
	}
	bc := c.protocol(protocol)
	tx, err := bc.Transact(opts, "registerOffer",
		req.ProviderOwnerAddress, req.DetailsLink, req.Fee, req.StockAmount)
	if err != nil {
		return 0, perrors.NewTransportError("registerOffer", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return 0, perrors.NewTransportError("registerOffer wait", err)
	}
	if receipt.Status == 0 {
		return 0, perrors.NewDomainError("registerOffer",
			fmt.Sprintf("transaction %s reverted", tx.Hash().Hex()))
	}

	eventID := c.protocolABI.Events["OfferRegistered"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != protocol || len(lg.Topics) == 0 || lg.Topics[0] != eventID {
			continue
		}
		var ev struct {
			OfferId      uint32
			OwnerAddress common.Address
		}
		if err := bc.UnpackLog(&ev, "OfferRegistered", *lg); err != nil {
			return 0, fmt.Errorf("decode OfferRegistered: %w", err)
		}
		return ev.OfferId, nil
	}
	return 0, perrors.NewDomainError("registerOffer",
		fmt.Sprintf("transaction %s emitted no OfferRegistered event", tx.Hash().Hex()))
}

func (c *RPCClient) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.signer == nil {
		return nil, perrors.NewDomainError("chain", "client has no signing key")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.signer, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}
