package provider

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/config"
	"github.com/agreenet/providerd/internal/details"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pipe"
	"github.com/agreenet/providerd/internal/pkg/perrors"
	"github.com/agreenet/providerd/internal/store"
)

// VirtualChild pairs a virtual provider's local row with its on-chain
// actor record.
type VirtualChild struct {
	Provider *models.Provider
	Actor    *chain.Actor
}

// providerRoute records a provider-scoped registration so it can be
// replayed for virtual children registered after startup.
type providerRoute struct {
	method  string
	path    string
	handler pipe.Handler
}

// Runtime is one physical provider: its identity, its virtual-provider
// roster, its protocol, and the backend that provisions resources. A single
// process may host several runtimes sharing one operator identity.
type Runtime struct {
	cfg      config.ProviderConfig
	logger   *slog.Logger
	store    store.Store
	chain    chain.Client
	registry *details.Registry
	router   *pipe.Router
	backend  Backend
	dataDir  string

	providerKey *ecdsa.PrivateKey
	billingKey  *ecdsa.PrivateKey
	operatorKey *ecdsa.PrivateKey

	actor           *chain.Actor
	provider        *models.Provider
	protocolAddress common.Address

	mu             sync.RWMutex
	virtual        []*VirtualChild
	providerRoutes []providerRoute

	watchers *WatcherGroup
}

// RuntimeOptions wires a runtime's collaborators.
type RuntimeOptions struct {
	Config   config.ProviderConfig
	Store    store.Store
	Chain    chain.Client
	Registry *details.Registry
	Router   *pipe.Router
	Backend  Backend
	DataDir  string
	Logger   *slog.Logger
}

// NewRuntime constructs an unvalidated runtime; call Setup before use.
func NewRuntime(opts RuntimeOptions) *Runtime {
	return &Runtime{
		cfg:      opts.Config,
		store:    opts.Store,
		chain:    opts.Chain,
		registry: opts.Registry,
		router:   opts.Router,
		backend:  opts.Backend,
		dataDir:  opts.DataDir,
		logger:   opts.Logger.With(slog.String("component", "provider"), slog.String("tag", opts.Config.Tag)),
		watchers: NewWatcherGroup(opts.Logger),
	}
}

// Setup validates the provider against chain and registry state, loads the
// virtual roster, and registers every route. It must complete before any
// transport starts accepting requests.
func (rt *Runtime) Setup(ctx context.Context) error {
	if err := rt.loadKeys(); err != nil {
		return err
	}

	owner := crypto.PubkeyToAddress(rt.providerKey.PublicKey)
	actor, err := rt.chain.GetActor(ctx, owner)
	if err != nil {
		return fmt.Errorf("resolve provider actor %s: %w", owner.Hex(), err)
	}
	if actor == nil {
		return fmt.Errorf("provider %s is not registered on-chain", owner.Hex())
	}
	rt.actor = actor

	if err := rt.validateDetails(ctx, actor.DetailsLink, owner.Hex()); err != nil {
		return err
	}

	if err := rt.resolveProtocol(ctx); err != nil {
		return err
	}

	if err := rt.validateOfferDetails(ctx, actor.ID, owner.Hex()); err != nil {
		return err
	}

	rt.provider = &models.Provider{
		ID:              actor.ID,
		OwnerAddress:    actor.OwnerAddress.Hex(),
		OperatorAddress: actor.OperatorAddress.Hex(),
		DetailsLink:     actor.DetailsLink,
	}
	if err := rt.store.SaveProvider(ctx, rt.provider); err != nil {
		return fmt.Errorf("persist provider %d: %w", actor.ID, err)
	}

	if rt.cfg.IsGateway {
		if err := rt.loadVirtualRoster(ctx); err != nil {
			return err
		}
	}

	if rt.cfg.IsGateway {
		rt.registerGatewayRoutes()
	}

	if err := rt.backend.Init(ctx, rt); err != nil {
		return fmt.Errorf("backend init: %w", err)
	}

	rt.logger.Info("provider ready",
		slog.Uint64("providerId", rt.actor.ID),
		slog.String("owner", rt.actor.OwnerAddress.Hex()),
		slog.String("protocol", rt.protocolAddress.Hex()),
		slog.Bool("gateway", rt.cfg.IsGateway),
		slog.Int("virtualProviders", len(rt.virtual)),
	)
	return nil
}

func (rt *Runtime) loadKeys() error {
	var err error
	if rt.providerKey, err = parseKey(rt.cfg.ProviderPrivateKey); err != nil {
		return fmt.Errorf("provider key: %w", err)
	}
	if rt.billingKey, err = parseKey(rt.cfg.BillingPrivateKey); err != nil {
		return fmt.Errorf("billing key: %w", err)
	}
	if rt.operatorKey, err = parseKey(rt.cfg.OperatorPrivateKey); err != nil {
		return fmt.Errorf("operator key: %w", err)
	}
	return nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// validateDetails confirms a details CID resolves in the registry and
// parses against the provider schema.
func (rt *Runtime) validateDetails(ctx context.Context, cid, owner string) error {
	file, err := rt.registry.Get(ctx, cid)
	if err != nil {
		return fmt.Errorf("resolve details %s: %w", cid, err)
	}
	if file == nil {
		return fmt.Errorf("details %s for provider %s not found in registry", cid, owner)
	}
	if _, err := ParseProviderDetails(file.Content); err != nil {
		return fmt.Errorf("provider %s: %w", owner, err)
	}
	return nil
}

// resolveProtocol picks the configured protocol address, or the provider's
// first registered protocol with a warning.
func (rt *Runtime) resolveProtocol(ctx context.Context) error {
	if rt.cfg.ProtocolAddress != "" {
		addr, err := chain.ParseAddress(rt.cfg.ProtocolAddress)
		if err != nil {
			return fmt.Errorf("PROTOCOL_ADDRESS_%s: %w", rt.cfg.Tag, err)
		}
		rt.protocolAddress = addr
		return nil
	}

	protocols, err := rt.chain.GetRegisteredProtocols(ctx, rt.actor.ID)
	if err != nil {
		return fmt.Errorf("list registered protocols: %w", err)
	}
	if len(protocols) == 0 {
		return fmt.Errorf("provider %d is not registered in any protocol", rt.actor.ID)
	}
	rt.protocolAddress = protocols[0]
	rt.logger.Warn("no protocol address configured, using first registered protocol",
		slog.String("protocol", rt.protocolAddress.Hex()),
	)
	return nil
}

// validateOfferDetails confirms every offer detail blob of a provider in
// this protocol resolves in the registry. Missing details is fatal for the
// provider.
func (rt *Runtime) validateOfferDetails(ctx context.Context, providerID uint64, owner string) error {
	offers, err := rt.chain.GetAllProviderOffers(ctx, rt.protocolAddress, providerID)
	if err != nil {
		return fmt.Errorf("list offers of provider %d: %w", providerID, err)
	}
	for _, offer := range offers {
		file, err := rt.registry.Get(ctx, offer.DetailsLink)
		if err != nil {
			return fmt.Errorf("resolve offer %d details: %w", offer.ID, err)
		}
		if file == nil {
			return fmt.Errorf("offer %d details %s of provider %s not found in registry",
				offer.ID, offer.DetailsLink, owner)
		}
	}
	return nil
}

// loadVirtualRoster re-verifies each persisted virtual child against chain
// and registry state. Failures skip the child with a warning; the gateway
// keeps running.
func (rt *Runtime) loadVirtualRoster(ctx context.Context) error {
	children, err := rt.store.ListVirtualProviders(ctx, rt.actor.ID)
	if err != nil {
		return fmt.Errorf("list virtual providers: %w", err)
	}

	for _, child := range children {
		actor, err := rt.verifyVirtualChild(ctx, child)
		if err != nil {
			rt.logger.Warn("skipping unusable virtual provider",
				slog.Uint64("providerId", child.ID),
				slog.String("owner", child.OwnerAddress),
				slog.String("reason", err.Error()),
			)
			continue
		}
		rt.virtual = append(rt.virtual, &VirtualChild{Provider: child, Actor: actor})
	}
	return nil
}

func (rt *Runtime) verifyVirtualChild(ctx context.Context, child *models.Provider) (*chain.Actor, error) {
	owner, err := chain.ParseAddress(child.OwnerAddress)
	if err != nil {
		return nil, err
	}
	actor, err := rt.chain.GetActor(ctx, owner)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, fmt.Errorf("no on-chain actor for %s", child.OwnerAddress)
	}
	if actor.OperatorAddress != rt.actor.OperatorAddress {
		return nil, fmt.Errorf("operator mismatch: child %s, gateway %s",
			actor.OperatorAddress.Hex(), rt.actor.OperatorAddress.Hex())
	}
	if actor.Endpoint != rt.actor.Endpoint {
		return nil, fmt.Errorf("endpoint mismatch: child %q, gateway %q", actor.Endpoint, rt.actor.Endpoint)
	}
	if err := rt.validateDetails(ctx, actor.DetailsLink, child.OwnerAddress); err != nil {
		return nil, err
	}
	if err := rt.validateOfferDetails(ctx, actor.ID, child.OwnerAddress); err != nil {
		return nil, err
	}
	return actor, nil
}

// RegisterProviderRoute registers a provider-scoped pipe route under this
// provider's id and under each virtual child's id, so requests addressed to
// any of them reach this runtime's handler.
func (rt *Runtime) RegisterProviderRoute(method, path string, h pipe.Handler) {
	rt.mu.Lock()
	rt.providerRoutes = append(rt.providerRoutes, providerRoute{method: method, path: path, handler: h})
	children := make([]*VirtualChild, len(rt.virtual))
	copy(children, rt.virtual)
	rt.mu.Unlock()

	rt.router.RegisterProviderRoute(method, rt.actor.ID, path, h)
	for _, child := range children {
		rt.router.RegisterProviderRoute(method, child.Provider.ID, path, h)
	}
}

// addVirtualChild admits a freshly registered virtual provider: it joins
// the roster and every provider-scoped route is replayed under its id.
func (rt *Runtime) addVirtualChild(child *VirtualChild) {
	rt.mu.Lock()
	rt.virtual = append(rt.virtual, child)
	routes := make([]providerRoute, len(rt.providerRoutes))
	copy(routes, rt.providerRoutes)
	rt.mu.Unlock()

	for _, r := range routes {
		rt.router.RegisterProviderRoute(r.method, child.Provider.ID, r.path, r.handler)
	}
}

// ActorFor resolves the actor responsible for an on-chain provider address:
// the runtime's own provider, or one of its virtual children.
func (rt *Runtime) ActorFor(providerAddress common.Address) (*chain.Actor, bool) {
	if rt.actor.OwnerAddress == providerAddress {
		return rt.actor, true
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, child := range rt.virtual {
		if child.Actor.OwnerAddress == providerAddress {
			return child.Actor, true
		}
	}
	return nil, false
}

// virtualChildByOwner finds a virtual child by its owner address.
func (rt *Runtime) virtualChildByOwner(owner common.Address) *VirtualChild {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, child := range rt.virtual {
		if child.Actor.OwnerAddress == owner {
			return child
		}
	}
	return nil
}

// ProviderIDs returns the ids this runtime answers for: its own and every
// virtual child's.
func (rt *Runtime) ProviderIDs() []uint64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]uint64, 0, len(rt.virtual)+1)
	ids = append(ids, rt.actor.ID)
	for _, child := range rt.virtual {
		ids = append(ids, child.Provider.ID)
	}
	return ids
}

// VirtualChildren returns a snapshot of the virtual roster.
func (rt *Runtime) VirtualChildren() []*VirtualChild {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*VirtualChild, len(rt.virtual))
	copy(out, rt.virtual)
	return out
}

// Actor returns the physical provider's on-chain record.
func (rt *Runtime) Actor() *chain.Actor {
	return rt.actor
}

// ProtocolAddress returns the protocol this runtime serves.
func (rt *Runtime) ProtocolAddress() common.Address {
	return rt.protocolAddress
}

// OperatorAddress returns the operator identity shared by this runtime and
// its siblings.
func (rt *Runtime) OperatorAddress() common.Address {
	return crypto.PubkeyToAddress(rt.operatorKey.PublicKey)
}

// OperatorPipePort returns the configured HTTP pipe port.
func (rt *Runtime) OperatorPipePort() int {
	return rt.cfg.OperatorPipePort
}

// Backend returns the service backend.
func (rt *Runtime) Backend() Backend {
	return rt.backend
}

// Chain returns this runtime's chain client, transacting with its billing
// identity.
func (rt *Runtime) Chain() chain.Client {
	return rt.chain
}

// Store returns the persistence layer (used by backends for lookups).
func (rt *Runtime) Store() store.Store {
	return rt.store
}

// Watchers returns the runtime's resource watcher group.
func (rt *Runtime) Watchers() *WatcherGroup {
	return rt.watchers
}

// OwnsProviderID reports whether a provider id belongs to this runtime or
// one of its virtual children.
func (rt *Runtime) OwnsProviderID(id uint64) bool {
	for _, owned := range rt.ProviderIDs() {
		if owned == id {
			return true
		}
	}
	return false
}

// DetailedOffer fetches an offer from chain and pairs it with its detail
// blob from the registry. A missing blob is logged and left nil; backends
// must tolerate it.
func (rt *Runtime) DetailedOffer(ctx context.Context, offerID uint32) (*chain.DetailedOffer, error) {
	offer, err := rt.chain.GetOffer(ctx, rt.protocolAddress, offerID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, perrors.NewDomainError("offer", fmt.Sprintf("offer %d not found on-chain", offerID))
	}
	detailed := &chain.DetailedOffer{Offer: *offer}
	file, err := rt.registry.Get(ctx, offer.DetailsLink)
	if err != nil {
		return nil, err
	}
	if file == nil {
		rt.logger.Warn("offer details missing from registry",
			slog.Uint64("offerId", uint64(offerID)),
			slog.String("cid", offer.DetailsLink),
		)
	} else {
		detailed.RawDetails = file.Content
	}
	return detailed, nil
}

// AuthorizeAndLoadResource loads the resource owned by requester plus its
// agreement. Missing, inactive, or foreign resources all surface as
// NotFound so callers cannot probe for existence.
func (rt *Runtime) AuthorizeAndLoadResource(ctx context.Context, id uint64, protocolAddress string, requester common.Address) (*models.Resource, *chain.Agreement, error) {
	resource, err := rt.store.GetResource(ctx, id, requester.Hex(), protocolAddress)
	if err != nil {
		return nil, nil, err
	}
	if resource == nil || !resource.IsActive || !rt.OwnsProviderID(resource.ProviderID) {
		return nil, nil, perrors.NewNotFoundError("Resource")
	}

	agreement, err := rt.chain.GetAgreement(ctx, rt.protocolAddress, id)
	if err != nil {
		return nil, nil, err
	}
	if agreement == nil {
		return nil, nil, perrors.NewNotFoundError("Agreement")
	}
	return resource, agreement, nil
}
