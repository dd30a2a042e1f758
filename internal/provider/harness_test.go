package provider

import (
	"context"
	"crypto/ecdsa"
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
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pipe"
	"github.com/agreenet/providerd/internal/pkg/cidutil"
	"github.com/agreenet/providerd/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Store for runtime tests.
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

// fakeChain is an in-memory chain.Client with a scripted offer registrar.
type fakeChain struct {
	mu          sync.Mutex
	actors      map[common.Address]*chain.Actor
	offers      map[uint32]*chain.Offer
	agreements  map[uint64]*chain.Agreement
	nextOfferID uint32
	registered  []chain.RegisterOfferRequest
	registerErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		actors:      make(map[common.Address]*chain.Actor),
		offers:      make(map[uint32]*chain.Offer),
		agreements:  make(map[uint64]*chain.Agreement),
		nextOfferID: 100,
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

func (c *fakeChain) CloseAgreement(context.Context, common.Address, uint64) error {
	return nil
}

func (c *fakeChain) RegisterOffer(_ context.Context, _ common.Address, req chain.RegisterOfferRequest) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerErr != nil {
		return 0, c.registerErr
	}
	c.registered = append(c.registered, req)
	id := c.nextOfferID
	c.nextOfferID++
	c.offers[id] = &chain.Offer{
		ID:           id,
		OwnerAddress: req.ProviderOwnerAddress,
		FeePerSecond: req.Fee,
		Stock:        req.StockAmount,
		DetailsLink:  req.DetailsLink,
	}
	return id, nil
}

// stubBackend registers one provider route during Init and serves a fixed
// configuration schema.
type stubBackend struct {
	mu          sync.Mutex
	initialized bool

	CreateFunc     func(agreement *chain.Agreement, offer *chain.DetailedOffer) (*ResourceState, error)
	GetDetailsFunc func(resource *models.Resource) (*ResourceState, error)
}

func (b *stubBackend) Init(_ context.Context, rt *Runtime) error {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	rt.RegisterProviderRoute(pipe.MethodPost, "/ping", func(ctx context.Context, req *pipe.Request) (any, error) {
		return "pong", nil
	})
	return nil
}

func (b *stubBackend) Create(_ context.Context, agreement *chain.Agreement, offer *chain.DetailedOffer) (*ResourceState, error) {
	if b.CreateFunc != nil {
		return b.CreateFunc(agreement, offer)
	}
	return &ResourceState{Status: models.DeploymentStatusRunning}, nil
}

func (b *stubBackend) GetDetails(_ context.Context, _ *chain.Agreement, _ *chain.DetailedOffer, resource *models.Resource) (*ResourceState, error) {
	if b.GetDetailsFunc != nil {
		return b.GetDetailsFunc(resource)
	}
	return &ResourceState{Status: resource.DeploymentStatus}, nil
}

func (b *stubBackend) Delete(context.Context, *chain.Agreement, *chain.DetailedOffer, *models.Resource) error {
	return nil
}

func (b *stubBackend) OfferConfigurationSchema() map[string]ConfigField {
	return map[string]ConfigField{
		"region": {Example: "eu-west", Format: "string", Description: "Placement region"},
	}
}

// world is a fully set-up single-runtime environment.
type world struct {
	store    *memStore
	chain    *fakeChain
	registry *details.Registry
	router   *pipe.Router
	backend  *stubBackend
	runtime  *Runtime

	providerKey *ecdsa.PrivateKey
	operatorKey *ecdsa.PrivateKey
	owner       common.Address
	operator    common.Address
	protocol    common.Address
	dataDir     string
	detailsDir  string
}

const worldOfferID = uint32(7)

func keyHex(key *ecdsa.PrivateKey) string {
	return "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// newWorld builds a runtime whose Setup has succeeded. The gateway flag
// turns on virtual-provider routes.
func newWorld(t *testing.T, gateway bool) *world {
	t.Helper()
	w := buildWorld(t, gateway)
	require.NoError(t, w.runtime.Setup(context.Background()))
	return w
}

// buildWorld assembles the collaborators without running Setup, so failure
// cases can mutate the fixtures first.
func buildWorld(t *testing.T, gateway bool) *world {
	t.Helper()

	providerKey := mustKey(t)
	billingKey := mustKey(t)
	operatorKey := mustKey(t)

	protocol := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	owner := crypto.PubkeyToAddress(providerKey.PublicKey)
	operator := crypto.PubkeyToAddress(operatorKey.PublicKey)

	st := newMemStore()
	fc := newFakeChain()
	fb := &stubBackend{}
	ctx := context.Background()

	detailBlob := []byte(`{"name":"test-provider"}`)
	detailsCID := cidutil.Sum(detailBlob)
	require.NoError(t, st.SaveDetailFile(ctx, detailsCID, detailBlob))

	fc.actors[owner] = &chain.Actor{
		ID:              1,
		OwnerAddress:    owner,
		OperatorAddress: operator,
		BillingAddress:  crypto.PubkeyToAddress(billingKey.PublicKey),
		DetailsLink:     detailsCID,
	}

	offerBlob := []byte(`{"name":"offer"}`)
	offerCID := cidutil.Sum(offerBlob)
	require.NoError(t, st.SaveDetailFile(ctx, offerCID, offerBlob))
	fc.offers[worldOfferID] = &chain.Offer{
		ID:           worldOfferID,
		OwnerAddress: owner,
		FeePerSecond: big.NewInt(10),
		Stock:        100,
		DetailsLink:  offerCID,
	}

	logger := discardLogger()
	detailsDir := t.TempDir()
	registry := details.NewRegistry(st, detailsDir, logger)
	router := pipe.NewRouter(logger)
	dataDir := t.TempDir()

	rt := NewRuntime(RuntimeOptions{
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
		Router:   router,
		Backend:  fb,
		DataDir:  dataDir,
		Logger:   logger,
	})

	return &world{
		store:       st,
		chain:       fc,
		registry:    registry,
		router:      router,
		backend:     fb,
		runtime:     rt,
		providerKey: providerKey,
		operatorKey: operatorKey,
		owner:       owner,
		operator:    operator,
		protocol:    protocol,
		dataDir:     dataDir,
		detailsDir:  detailsDir,
	}
}

// addChildActor puts a virtual-provider candidate on the fake chain whose
// operator and details line up with the gateway.
func (w *world) addChildActor(t *testing.T, id uint64) (common.Address, string) {
	t.Helper()
	childKey := mustKey(t)
	childOwner := crypto.PubkeyToAddress(childKey.PublicKey)

	blob := []byte(fmt.Sprintf(`{"name":"virtual-%d"}`, id))
	w.chain.mu.Lock()
	w.chain.actors[childOwner] = &chain.Actor{
		ID:              id,
		OwnerAddress:    childOwner,
		OperatorAddress: w.operator,
		DetailsLink:     cidutil.Sum(blob),
	}
	w.chain.mu.Unlock()
	return childOwner, string(blob)
}

func pipeRequest(requester common.Address, body string, pathParams map[string]string) *pipe.Request {
	req := &pipe.Request{
		ID:         "test",
		Method:     pipe.MethodPost,
		Path:       "/test",
		Requester:  requester,
		PathParams: pathParams,
	}
	if body != "" {
		req.Body = []byte(body)
	}
	return req
}
