package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agreenet/providerd/internal/details"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pipe"
	"github.com/agreenet/providerd/internal/pkg/perrors"
	"github.com/agreenet/providerd/internal/store"
)

// specFilenames are probed in order by GET /spec.
var specFilenames = []string{"spec.yaml", "spec.json", "oas.yaml", "oas.json"}

// Operator groups the runtimes sharing one operator identity behind a
// single route table. The operator-level routes (spec, details, resources)
// are registered once, regardless of how many providers it fronts.
type Operator struct {
	address  common.Address
	router   *pipe.Router
	store    store.Store
	registry *details.Registry
	dataDir  string
	logger   *slog.Logger
	runtimes []*Runtime
}

// NewOperator creates the aggregate for one operator identity.
func NewOperator(address common.Address, router *pipe.Router, st store.Store, registry *details.Registry, dataDir string, logger *slog.Logger) *Operator {
	return &Operator{
		address:  address,
		router:   router,
		store:    st,
		registry: registry,
		dataDir:  dataDir,
		logger:   logger.With(slog.String("component", "operator"), slog.String("address", address.Hex())),
	}
}

// Add attaches a runtime to this operator. At most one gateway runtime may
// join a group: gateway routes live on the shared route table, and a second
// registration would shadow the first.
func (o *Operator) Add(rt *Runtime) error {
	if rt.cfg.IsGateway {
		for _, existing := range o.runtimes {
			if existing.cfg.IsGateway {
				return fmt.Errorf("operator %s already has gateway runtime %s",
					o.address.Hex(), existing.cfg.Tag)
			}
		}
	}
	o.runtimes = append(o.runtimes, rt)
	return nil
}

// Runtimes returns the attached runtimes.
func (o *Operator) Runtimes() []*Runtime {
	return o.runtimes
}

// Address returns the operator identity.
func (o *Operator) Address() common.Address {
	return o.address
}

// Router returns the shared route table.
func (o *Operator) Router() *pipe.Router {
	return o.router
}

// RegisterRoutes installs the operator-level routes.
func (o *Operator) RegisterRoutes() {
	o.router.Register(pipe.MethodGet, "/spec", o.handleSpec)
	o.router.Register(pipe.MethodGet, "/details", o.handleDetails)
	o.router.Register(pipe.MethodGet, "/resources", o.handleResources)
}

// handleSpec serves the provider's OpenAPI document from data/.
func (o *Operator) handleSpec(ctx context.Context, req *pipe.Request) (any, error) {
	for _, name := range specFilenames {
		content, err := os.ReadFile(filepath.Join(o.dataDir, name))
		if err != nil {
			continue
		}
		return string(content), nil
	}
	return nil, perrors.NewNotFoundError("Spec file")
}

// handleDetails returns raw detail blobs for the requested CIDs.
func (o *Operator) handleDetails(ctx context.Context, req *pipe.Request) (any, error) {
	cids := cidsFromRequest(req)
	if len(cids) == 0 {
		return nil, perrors.ErrBadRequest.WithMessage("cids is required")
	}

	files, err := o.registry.GetMany(ctx, cids)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, perrors.NewNotFoundError("Detail file")
	}

	contents := make([]string, 0, len(files))
	for _, f := range files {
		contents = append(contents, string(f.Content))
	}
	return contents, nil
}

// handleResources returns the requester's resources: all of them, or a
// single one when id and pt are given. Private detail keys never leave the
// daemon.
func (o *Operator) handleResources(ctx context.Context, req *pipe.Request) (any, error) {
	id, hasID := req.StringParam("id")
	pt, hasPT := req.StringParam("pt")

	if hasID && hasPT {
		resourceID, err := parseUint64(id)
		if err != nil {
			return nil, perrors.NewValidationError("id", "must be a positive integer")
		}
		resource, err := o.store.GetResource(ctx, resourceID, req.Requester.Hex(), pt)
		if err != nil {
			return nil, err
		}
		if resource == nil {
			return nil, perrors.NewNotFoundError("Resource")
		}
		return sanitizeResource(resource), nil
	}

	resources, err := o.store.ListResourcesByOwner(ctx, req.Requester.Hex())
	if err != nil {
		return nil, err
	}
	out := make([]*models.Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, sanitizeResource(r))
	}
	return out, nil
}

// sanitizeResource returns a copy with private detail keys stripped.
func sanitizeResource(r *models.Resource) *models.Resource {
	clean := *r
	clean.Details = r.PublicDetails()
	return &clean
}

func parseUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func cidsFromRequest(req *pipe.Request) []string {
	if len(req.Body) > 0 {
		var body struct {
			CIDs []string `json:"cids"`
		}
		if err := req.DecodeBody(&body); err == nil && len(body.CIDs) > 0 {
			return body.CIDs
		}
	}
	if raw, ok := req.Params["cids"]; ok {
		switch v := raw.(type) {
		case []any:
			cids := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					cids = append(cids, s)
				}
			}
			return cids
		case string:
			return []string{v}
		}
	}
	return nil
}
