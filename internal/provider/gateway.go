package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/details"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pipe"
	"github.com/agreenet/providerd/internal/pkg/cidutil"
	"github.com/agreenet/providerd/internal/pkg/perrors"
)

const defaultOfferStock = 1000

// registerGatewayRoutes installs the virtual-provider management routes on
// the operator route table. Only gateway runtimes call this.
func (rt *Runtime) registerGatewayRoutes() {
	rt.router.Register(pipe.MethodPost, "/virtual-providers", rt.handleRegisterVirtualProvider)
	rt.router.Register(pipe.MethodPost, "/virtual-providers/offers", rt.handleRegisterVirtualOffer)
	rt.router.Register(pipe.MethodGet, "/virtual-provider-configurations", rt.handleConfigurationSchema)
	rt.router.Register(pipe.MethodGet, "/virtual-provider-configurations/:offerId", rt.handleGetOfferConfiguration)
	rt.router.Register(pipe.MethodPatch, "/virtual-provider-configurations/:offerId", rt.handlePatchOfferConfiguration)
}

type registerVirtualProviderRequest struct {
	DetailsFile string `json:"detailsFile"`
}

// handleRegisterVirtualProvider admits a new virtual provider under this
// gateway.
func (rt *Runtime) handleRegisterVirtualProvider(ctx context.Context, req *pipe.Request) (any, error) {
	var body registerVirtualProviderRequest
	if err := req.DecodeBody(&body); err != nil {
		return nil, err
	}
	if body.DetailsFile == "" {
		return nil, perrors.NewValidationError("detailsFile", "detailsFile is required")
	}

	existing, err := rt.store.GetProviderByOwner(ctx, req.Requester.Hex())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, perrors.ErrBadRequest.WithMessage("A provider with this address already exists")
	}

	content := []byte(body.DetailsFile)
	if _, err := ParseProviderDetails(content); err != nil {
		return nil, err
	}

	actor, err := rt.chain.GetActor(ctx, req.Requester)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, perrors.NewNotFoundError("On-chain provider")
	}
	if actor.OperatorAddress != rt.actor.OperatorAddress {
		return nil, perrors.ErrBadRequest.WithMessage("Virtual provider operator does not match gateway operator")
	}
	if actor.Endpoint != rt.actor.Endpoint {
		return nil, perrors.ErrBadRequest.WithMessage("Virtual provider endpoint does not match gateway endpoint")
	}

	cid := cidutil.Sum(content)
	if actor.DetailsLink != cid {
		return nil, perrors.NewNotFoundError("Matching on-chain details link")
	}

	if _, err := rt.registry.Put(ctx, content, details.ProviderDetailFilename(req.Requester.Hex(), cid)); err != nil {
		return nil, err
	}

	gatewayID := rt.actor.ID
	child := &models.Provider{
		ID:                actor.ID,
		OwnerAddress:      actor.OwnerAddress.Hex(),
		OperatorAddress:   actor.OperatorAddress.Hex(),
		DetailsLink:       cid,
		IsVirtual:         true,
		GatewayProviderID: &gatewayID,
	}
	if err := rt.store.SaveProvider(ctx, child); err != nil {
		return nil, err
	}

	rt.addVirtualChild(&VirtualChild{Provider: child, Actor: actor})
	rt.logger.Info("virtual provider registered",
		slog.Uint64("providerId", actor.ID),
		slog.String("owner", actor.OwnerAddress.Hex()),
	)
	return child, nil
}

type registerVirtualOfferRequest struct {
	DetailsFile     string          `json:"detailsFile"`
	Fee             string          `json:"fee"`
	Configuration   json.RawMessage `json:"configuration"`
	StockAmount     *uint32         `json:"stockAmount,omitempty"`
	ExistingOfferID *uint32         `json:"existingOfferId,omitempty"`
}

// handleRegisterVirtualOffer registers an offer for one of this gateway's
// virtual providers, optionally reusing an offer already on-chain.
func (rt *Runtime) handleRegisterVirtualOffer(ctx context.Context, req *pipe.Request) (any, error) {
	child := rt.virtualChildByOwner(req.Requester)
	if child == nil {
		return nil, perrors.ErrNotAuthorized.WithMessage("Requester is not a virtual provider of this gateway")
	}

	var body registerVirtualOfferRequest
	if err := req.DecodeBody(&body); err != nil {
		return nil, err
	}
	if body.DetailsFile == "" {
		return nil, perrors.NewValidationError("detailsFile", "detailsFile is required")
	}
	if len(body.Configuration) == 0 {
		return nil, perrors.NewValidationError("configuration", "configuration is required")
	}

	content := []byte(body.DetailsFile)
	cid := cidutil.Sum(content)
	if err := rt.store.SaveDetailFile(ctx, cid, content); err != nil {
		return nil, err
	}

	var offerID uint32
	if body.ExistingOfferID != nil {
		offer, err := rt.chain.GetOffer(ctx, rt.protocolAddress, *body.ExistingOfferID)
		if err != nil {
			return nil, err
		}
		if offer == nil {
			return nil, perrors.NewNotFoundError("Offer")
		}
		offerID = offer.ID
	} else {
		if body.Fee == "" {
			return nil, perrors.NewValidationError("fee", "fee is required")
		}
		fee, ok := new(big.Int).SetString(body.Fee, 10)
		if !ok {
			return nil, perrors.NewValidationError("fee", "must be a base-10 integer")
		}
		stock := uint32(defaultOfferStock)
		if body.StockAmount != nil {
			stock = *body.StockAmount
		}
		registered, err := rt.chain.RegisterOffer(ctx, rt.protocolAddress, chain.RegisterOfferRequest{
			ProviderOwnerAddress: child.Actor.OwnerAddress,
			DetailsLink:          cid,
			Fee:                  fee,
			StockAmount:          stock,
		})
		if err != nil {
			return nil, err
		}
		offerID = registered
	}

	filename := details.OfferDetailFilename(child.Provider.OwnerAddress, offerID, rt.protocolAddress.Hex(), cid)
	if _, err := rt.registry.Put(ctx, content, filename); err != nil {
		return nil, err
	}
	if err := rt.store.SaveOfferConfiguration(ctx, offerID, rt.protocolAddress.Hex(), body.Configuration); err != nil {
		return nil, err
	}

	rt.logger.Info("virtual provider offer registered",
		slog.Uint64("providerId", child.Provider.ID),
		slog.Uint64("offerId", uint64(offerID)),
	)
	return map[string]any{"offerId": offerID, "cid": cid}, nil
}

// handleConfigurationSchema serves the backend-declared offer configuration
// schema.
func (rt *Runtime) handleConfigurationSchema(ctx context.Context, req *pipe.Request) (any, error) {
	if rt.virtualChildByOwner(req.Requester) == nil {
		return nil, perrors.ErrNotAuthorized.WithMessage("Requester is not a virtual provider of this gateway")
	}
	configurator, ok := rt.backend.(GatewayConfigurator)
	if !ok {
		return nil, perrors.ErrInternal.WithMessage("Backend does not declare a configuration schema")
	}
	return configurator.OfferConfigurationSchema(), nil
}

// handleGetOfferConfiguration reads the configuration of one offer. The
// offer must be owned by the requester on-chain.
func (rt *Runtime) handleGetOfferConfiguration(ctx context.Context, req *pipe.Request) (any, error) {
	offerID, err := rt.authorizeOfferAccess(ctx, req)
	if err != nil {
		return nil, err
	}

	cfg, err := rt.store.GetOfferConfiguration(ctx, offerID, rt.protocolAddress.Hex())
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, perrors.NewNotFoundError("Offer configuration")
	}
	return json.RawMessage(cfg.Configuration), nil
}

// handlePatchOfferConfiguration replaces the configuration of one offer.
func (rt *Runtime) handlePatchOfferConfiguration(ctx context.Context, req *pipe.Request) (any, error) {
	offerID, err := rt.authorizeOfferAccess(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(req.Body) == 0 {
		return nil, perrors.ErrBadRequest.WithMessage("Missing configuration body")
	}
	if !json.Valid(req.Body) {
		return nil, perrors.NewValidationError("configuration", "must be valid JSON")
	}

	if err := rt.store.SaveOfferConfiguration(ctx, offerID, rt.protocolAddress.Hex(), req.Body); err != nil {
		return nil, err
	}
	return json.RawMessage(req.Body), nil
}

// authorizeOfferAccess checks the requester is a virtual child and owns the
// offer named in the path on-chain.
func (rt *Runtime) authorizeOfferAccess(ctx context.Context, req *pipe.Request) (uint32, error) {
	child := rt.virtualChildByOwner(req.Requester)
	if child == nil {
		return 0, perrors.ErrNotAuthorized.WithMessage("Requester is not a virtual provider of this gateway")
	}

	raw, ok := req.PathParams["offerId"]
	if !ok {
		return 0, perrors.NewValidationError("offerId", "offerId is required")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, perrors.NewValidationError("offerId", "must be a positive integer")
	}

	offer, err := rt.chain.GetOffer(ctx, rt.protocolAddress, uint32(id))
	if err != nil {
		return 0, err
	}
	if offer == nil {
		return 0, perrors.NewNotFoundError("Offer")
	}
	if offer.OwnerAddress != child.Actor.OwnerAddress {
		return 0, perrors.ErrNotAuthorized.WithMessage(
			fmt.Sprintf("Offer %d is not owned by the requester", id))
	}
	return uint32(id), nil
}
