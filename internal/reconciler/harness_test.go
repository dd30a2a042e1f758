package reconciler

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/config"
	"github.com/agreenet/providerd/internal/details"
	"github.com/agreenet/providerd/internal/indexer"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pkg/cidutil"
	"github.com/agreenet/providerd/internal/pipe"
	"github.com/agreenet/providerd/internal/provider"
	"github.com/agreenet/providerd/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Store used by the loop tests.
type memStore struct {
	mu        sync.Mutex
	protocols map[string]*models.Protocol
	providers map[string]*models.Provider
	resources map[string]*models.Resource
	details   map[string]*models.DetailFile
	config    map[string]string
	offerCfgs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		protocols: make(map[string]*models.Protocol),
		providers: make(map[string]*models.Provider),
		resources: make(map[string]*models.Resource),
		details:   make(map[string]*models.DetailFile),
		config:    make(map[string]string),
		offerCfgs: make(map[string][]byte),
	}
}

func resourceKey(id uint64, protocolAddress string) string {
	return fmt.Sprintf("%d/%s", id, chain.NormalizeAddress(protocolAddress))
}

func (s *memStore) EnsureProtocol(_ context.Context, address string) (*models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chain.NormalizeAddress(address)
	if p, ok := s.protocols[key]; ok {
		return p, nil
	}
	p := &models.Protocol{ID: int64(len(s.protocols) + 1), Address: key}
	s.protocols[key] = p
	return p, nil
}

func (s *memStore) GetProtocolByAddress(_ context.Context, address string) (*models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocols[chain.NormalizeAddress(address)], nil
}

func (s *memStore) SaveProvider(_ context.Context, p *models.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.providers[chain.NormalizeAddress(p.OwnerAddress)] = &cp
	return nil
}

func (s *memStore) GetProviderByOwner(_ context.Context, ownerAddress string) (*models.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providers[chain.NormalizeAddress(ownerAddress)], nil
}

func (s *memStore) ListVirtualProviders(_ context.Context, gatewayProviderID uint64) ([]*models.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Provider
	for _, p := range s.providers {
		if p.IsVirtual && p.GatewayProviderID != nil && *p.GatewayProviderID == gatewayProviderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) CreateResource(_ context.Context, r *models.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.CreatedAt = time.Now().UTC()
	s.resources[resourceKey(r.ID, r.ProtocolAddress)] = &cp
	return nil
}

func (s *memStore) GetResource(_ context.Context, id uint64, ownerAddress, protocolAddress string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceKey(id, protocolAddress)]
	if !ok || !chain.AddressesEqual(r.OwnerAddress, ownerAddress) {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) GetResourceByID(_ context.Context, id uint64, protocolAddress string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceKey(id, protocolAddress)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListResourcesByOwner(_ context.Context, ownerAddress string) ([]*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Resource
	for _, r := range s.resources {
		if chain.AddressesEqual(r.OwnerAddress, ownerAddress) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateResource(_ context.Context, id uint64, protocolAddress string, upd models.ResourceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceKey(id, protocolAddress)]
	if !ok {
		return nil
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.DeploymentStatus != nil {
		r.DeploymentStatus = *upd.DeploymentStatus
	}
	if upd.Details != nil {
		r.Details = upd.Details
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	return nil
}

func (s *memStore) DeleteResource(_ context.Context, id uint64, protocolAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceKey(id, protocolAddress)]
	if !ok {
		return nil
	}
	r.IsActive = false
	r.DeploymentStatus = models.DeploymentStatusClosed
	r.Details = map[string]any{}
	return nil
}

func (s *memStore) SyncDetailFiles(_ context.Context, contents [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details = make(map[string]*models.DetailFile)
	for _, content := range contents {
		cid := cidutil.Sum(content)
		s.details[cid] = &models.DetailFile{CID: cid, Content: content}
	}
	return nil
}

func (s *memStore) SaveDetailFile(_ context.Context, cid string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[cid] = &models.DetailFile{CID: cid, Content: content}
	return nil
}

func (s *memStore) GetDetailFiles(_ context.Context, cids []string) ([]*models.DetailFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DetailFile
	for _, cid := range cids {
		if f, ok := s.details[cid]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memStore) GetConfigValue(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[key], nil
}

func (s *memStore) SetConfigValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *memStore) SaveOfferConfiguration(_ context.Context, offerID uint32, protocolAddress string, configuration []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerCfgs[fmt.Sprintf("%d/%s", offerID, chain.NormalizeAddress(protocolAddress))] = configuration
	return nil
}

func (s *memStore) GetOfferConfiguration(_ context.Context, offerID uint32, protocolAddress string) (*models.OfferConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.offerCfgs[fmt.Sprintf("%d/%s", offerID, chain.NormalizeAddress(protocolAddress))]
	if !ok {
		return nil, nil
	}
	return &models.OfferConfiguration{OfferID: offerID, ProtocolAddress: protocolAddress, Configuration: cfg}, nil
}

var _ store.Store = (*memStore)(nil)

// fakeChain is an in-memory chain.Client.
type fakeChain struct {
	mu         sync.Mutex
	actors     map[common.Address]*chain.Actor
	offers     map[uint32]*chain.Offer
	agreements map[uint64]*chain.Agreement
	closed     []uint64
	closeErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		actors:     make(map[common.Address]*chain.Actor),
		offers:     make(map[uint32]*chain.Offer),
		agreements: make(map[uint64]*chain.Agreement),
	}
}

func (c *fakeChain) GetActor(_ context.Context, owner common.Address) (*chain.Actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actors[owner], nil
}

func (c *fakeChain) GetRegisteredProtocols(context.Context, uint64) ([]common.Address, error) {
	return nil, nil
}

func (c *fakeChain) GetOffer(_ context.Context, _ common.Address, offerID uint32) (*chain.Offer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers[offerID], nil
}

func (c *fakeChain) GetAllProviderOffers(context.Context, common.Address, uint64) ([]*chain.Offer, error) {
	return nil, nil
}

func (c *fakeChain) GetAgreement(_ context.Context, _ common.Address, agreementID uint64) (*chain.Agreement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agreements[agreementID], nil
}

func (c *fakeChain) CloseAgreement(_ context.Context, _ common.Address, agreementID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	c.closed = append(c.closed, agreementID)
	return nil
}

func (c *fakeChain) RegisterOffer(context.Context, common.Address, chain.RegisterOfferRequest) (uint32, error) {
	return 0, nil
}

func (c *fakeChain) closedIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.closed...)
}

// fakeIndexer is an in-memory IndexerClient doubling as the health probe.
type fakeIndexer struct {
	mu         sync.Mutex
	events     []indexer.Event
	head       uint64
	agreements []*chain.Agreement
	err        error
	healthy    bool
}

func (f *fakeIndexer) GetEvents(_ context.Context, q indexer.EventQuery) ([]indexer.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []indexer.Event
	for _, e := range f.events {
		if e.Name != q.EventName {
			continue
		}
		if !chain.AddressesEqual(e.ContractAddress, q.ContractAddress) {
			continue
		}
		if e.BlockNumber < q.FromBlock || (q.ToBlock > 0 && e.BlockNumber > q.ToBlock) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeIndexer) LastProcessedBlock(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.head, nil
}

func (f *fakeIndexer) GetAgreements(_ context.Context, q indexer.AgreementQuery) ([]*chain.Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*chain.Agreement
	for _, ag := range f.agreements {
		if q.ProviderAddress != "" && !chain.AddressesEqual(ag.ProviderAddress.Hex(), q.ProviderAddress) {
			continue
		}
		if q.Status != "" && ag.Status != q.Status {
			continue
		}
		out = append(out, ag)
	}
	return out, nil
}

func (f *fakeIndexer) IsHealthy(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

// fakeBackend is a function-field provider.Backend.
type fakeBackend struct {
	mu          sync.Mutex
	createCalls int
	deleteCalls int

	CreateFunc     func(agreement *chain.Agreement, offer *chain.DetailedOffer) (*provider.ResourceState, error)
	GetDetailsFunc func(resource *models.Resource) (*provider.ResourceState, error)
	DeleteFunc     func(resource *models.Resource) error
}

func (b *fakeBackend) Init(context.Context, *provider.Runtime) error { return nil }

func (b *fakeBackend) Create(_ context.Context, agreement *chain.Agreement, offer *chain.DetailedOffer) (*provider.ResourceState, error) {
	b.mu.Lock()
	b.createCalls++
	b.mu.Unlock()
	if b.CreateFunc != nil {
		return b.CreateFunc(agreement, offer)
	}
	return &provider.ResourceState{Status: models.DeploymentStatusRunning}, nil
}

func (b *fakeBackend) GetDetails(_ context.Context, _ *chain.Agreement, _ *chain.DetailedOffer, resource *models.Resource) (*provider.ResourceState, error) {
	if b.GetDetailsFunc != nil {
		return b.GetDetailsFunc(resource)
	}
	return &provider.ResourceState{Status: resource.DeploymentStatus}, nil
}

func (b *fakeBackend) Delete(_ context.Context, _ *chain.Agreement, _ *chain.DetailedOffer, resource *models.Resource) error {
	b.mu.Lock()
	b.deleteCalls++
	b.mu.Unlock()
	if b.DeleteFunc != nil {
		return b.DeleteFunc(resource)
	}
	return nil
}

func (b *fakeBackend) creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createCalls
}

func (b *fakeBackend) deletes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteCalls
}

// harness assembles a single-provider world with in-memory collaborators.
type harness struct {
	store    *memStore
	chain    *fakeChain
	indexer  *fakeIndexer
	backend  *fakeBackend
	runtime  *provider.Runtime
	health   *indexer.HealthTracker
	protocol common.Address

	providerKey *ecdsa.PrivateKey
	userAddr    common.Address
	childOwner  common.Address
}

const testOfferID = uint32(3)

func bigInt(n int64) *big.Int { return big.NewInt(n) }

func keyHex(key *ecdsa.PrivateKey) string {
	return "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
}

func newHarness(t *testing.T) *harness {
	return buildHarness(t, false)
}

// newGatewayHarness adds a persisted virtual child that Setup re-verifies
// and admits into the roster.
func newGatewayHarness(t *testing.T) *harness {
	return buildHarness(t, true)
}

func buildHarness(t *testing.T, gateway bool) *harness {
	t.Helper()

	providerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	billingKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	userKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	protocol := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	owner := crypto.PubkeyToAddress(providerKey.PublicKey)

	st := newMemStore()
	fc := newFakeChain()
	fi := &fakeIndexer{healthy: true}
	fb := &fakeBackend{}

	ctx := context.Background()
	detailBlob := []byte(`{"name":"test-provider"}`)
	detailsCID := cidutil.Sum(detailBlob)
	require.NoError(t, st.SaveDetailFile(ctx, detailsCID, detailBlob))

	fc.actors[owner] = &chain.Actor{
		ID:              1,
		OwnerAddress:    owner,
		OperatorAddress: crypto.PubkeyToAddress(operatorKey.PublicKey),
		BillingAddress:  crypto.PubkeyToAddress(billingKey.PublicKey),
		DetailsLink:     detailsCID,
	}

	offerBlob := []byte(`{"name":"offer"}`)
	offerCID := cidutil.Sum(offerBlob)
	require.NoError(t, st.SaveDetailFile(ctx, offerCID, offerBlob))
	fc.offers[testOfferID] = &chain.Offer{
		ID:           testOfferID,
		OwnerAddress: owner,
		FeePerSecond: bigInt(10),
		Stock:        100,
		DetailsLink:  offerCID,
	}

	var childOwner common.Address
	if gateway {
		childKey, err := crypto.GenerateKey()
		require.NoError(t, err)
		childOwner = crypto.PubkeyToAddress(childKey.PublicKey)

		childBlob := []byte(`{"name":"virtual-child"}`)
		childCID := cidutil.Sum(childBlob)
		require.NoError(t, st.SaveDetailFile(ctx, childCID, childBlob))

		fc.actors[childOwner] = &chain.Actor{
			ID:              2,
			OwnerAddress:    childOwner,
			OperatorAddress: crypto.PubkeyToAddress(operatorKey.PublicKey),
			DetailsLink:     childCID,
		}
		gatewayID := uint64(1)
		require.NoError(t, st.SaveProvider(ctx, &models.Provider{
			ID:                2,
			OwnerAddress:      childOwner.Hex(),
			OperatorAddress:   crypto.PubkeyToAddress(operatorKey.PublicKey).Hex(),
			DetailsLink:       childCID,
			IsVirtual:         true,
			GatewayProviderID: &gatewayID,
		}))
	}

	logger := discardLogger()
	registry := details.NewRegistry(st, t.TempDir(), logger)
	rt := provider.NewRuntime(provider.RuntimeOptions{
		Config: config.ProviderConfig{
			Tag:                "TEST",
			ProviderPrivateKey: keyHex(providerKey),
			BillingPrivateKey:  keyHex(billingKey),
			OperatorPrivateKey: keyHex(operatorKey),
			OperatorPipePort:   8100,
			ProtocolAddress:    protocol.Hex(),
			IsGateway:          gateway,
		},
		Store:    st,
		Chain:    fc,
		Registry: registry,
		Router:   pipe.NewRouter(logger),
		Backend:  fb,
		DataDir:  t.TempDir(),
		Logger:   logger,
	})
	require.NoError(t, rt.Setup(ctx))

	return &harness{
		store:       st,
		chain:       fc,
		indexer:     fi,
		backend:     fb,
		runtime:     rt,
		health:      indexer.NewHealthTracker(fi, logger),
		protocol:    protocol,
		providerKey: providerKey,
		userAddr:    crypto.PubkeyToAddress(userKey.PublicKey),
		childOwner:  childOwner,
	}
}

func (h *harness) newReconciler(window uint64) *Reconciler {
	return New(Options{
		Store:    h.store,
		Indexer:  h.indexer,
		Health:   h.health,
		Runtimes: []*provider.Runtime{h.runtime},
		Window:   window,
		Interval: time.Millisecond,
		Logger:   discardLogger(),
	})
}

func (h *harness) newSweeper() *Sweeper {
	return NewSweeper(SweeperOptions{
		Indexer:  h.indexer,
		Health:   h.health,
		Runtimes: []*provider.Runtime{h.runtime},
		Interval: time.Millisecond,
		Logger:   discardLogger(),
	})
}

// addAgreement registers an active agreement on the fake chain.
func (h *harness) addAgreement(id uint64) *chain.Agreement {
	ag := &chain.Agreement{
		ID:              id,
		UserAddress:     h.userAddr,
		ProviderAddress: h.runtime.Actor().OwnerAddress,
		OfferID:         testOfferID,
		Balance:         bigInt(100),
		Status:          chain.AgreementStatusActive,
		StartedAt:       time.Now().UTC(),
	}
	h.chain.mu.Lock()
	h.chain.agreements[id] = ag
	h.chain.mu.Unlock()
	return ag
}

func (h *harness) addEvent(name string, block, logIndex, agreementID uint64) {
	args, _ := json.Marshal(indexer.AgreementEventArgs{
		AgreementID:     agreementID,
		OfferID:         testOfferID,
		UserAddress:     h.userAddr.Hex(),
		ProviderAddress: h.runtime.Actor().OwnerAddress.Hex(),
	})
	h.indexer.mu.Lock()
	h.indexer.events = append(h.indexer.events, indexer.Event{
		BlockNumber:     block,
		LogIndex:        logIndex,
		ContractAddress: h.protocol.Hex(),
		Name:            name,
		Args:            args,
	})
	if block > h.indexer.head {
		h.indexer.head = block
	}
	h.indexer.mu.Unlock()
}

func (h *harness) resource(t *testing.T, id uint64) *models.Resource {
	t.Helper()
	r, err := h.store.GetResourceByID(context.Background(), id, h.protocol.Hex())
	require.NoError(t, err)
	return r
}

func (h *harness) cursor(t *testing.T) string {
	t.Helper()
	v, err := h.store.GetConfigValue(context.Background(), store.ConfigKeyLastProcessedBlock)
	require.NoError(t, err)
	return v
}
