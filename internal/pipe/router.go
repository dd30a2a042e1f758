package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// Router is the shared route table behind every transport of one operator.
// Operator routes are registered at startup only; provider routes may grow
// later (virtual-provider registration), so that table is lock-guarded.
type Router struct {
	logger *slog.Logger

	routes []route

	// providerPaths marks (method, path) pairs that are provider-scoped;
	// providerRoutes resolves (method, providerId, path) to a handler.
	mu             sync.RWMutex
	providerPaths  map[string]bool
	providerRoutes map[string]Handler
}

type route struct {
	method   string
	segments []string
	handler  Handler
}

// NewRouter creates an empty route table.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:         logger.With(slog.String("component", "pipe")),
		providerPaths:  make(map[string]bool),
		providerRoutes: make(map[string]Handler),
	}
}

// Register adds an operator-level route. Path segments starting with ':'
// are parameters (e.g. /virtual-provider-configurations/:offerId).
func (rt *Router) Register(method, path string, h Handler) {
	rt.routes = append(rt.routes, route{
		method:   method,
		segments: splitPath(path),
		handler:  h,
	})
}

// RegisterProviderRoute adds a provider-scoped route for one provider id.
// A gateway registers the same handler under its own id and under each
// virtual child's id.
func (rt *Router) RegisterProviderRoute(method string, providerID uint64, path string, h Handler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.providerPaths[method+" "+path] = true
	rt.providerRoutes[providerKey(method, providerID, path)] = h
}

// Dispatch routes a verified request and converts handler errors into
// responses.
func (rt *Router) Dispatch(ctx context.Context, req *Request) Response {
	handler, pathParams, found := rt.match(req.Method, req.Path)
	if found {
		if pathParams != nil {
			if req.PathParams == nil {
				req.PathParams = pathParams
			} else {
				for k, v := range pathParams {
					req.PathParams[k] = v
				}
			}
		}
		return rt.run(ctx, req, handler)
	}

	// Provider-scoped sub-dispatch.
	rt.mu.RLock()
	scoped := rt.providerPaths[req.Method+" "+req.Path]
	rt.mu.RUnlock()
	if scoped {
		providerID, ok := req.ProviderID()
		if !ok {
			return errorResponse(req, perrors.ErrBadRequest.WithMessage("providerId is required"))
		}
		rt.mu.RLock()
		handler, ok := rt.providerRoutes[providerKey(req.Method, providerID, req.Path)]
		rt.mu.RUnlock()
		if !ok {
			return errorResponse(req, perrors.NewNotFoundError("Handler"))
		}
		return rt.run(ctx, req, handler)
	}

	return errorResponse(req, perrors.NewNotFoundError("Route"))
}

func (rt *Router) run(ctx context.Context, req *Request, h Handler) Response {
	body, err := h(ctx, req)
	if err != nil {
		pe := perrors.AsPipeError(err)
		rt.logger.Error("request failed",
			slog.String("requestId", req.ID),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.Int("code", pe.Code),
			slog.String("error", err.Error()),
		)
		return Response{Code: pe.Code, Body: pe}
	}
	rt.logger.Info("request completed",
		slog.String("requestId", req.ID),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
	)
	return Response{Code: perrors.CodeOK, Body: body}
}

func (rt *Router) match(method, path string) (Handler, map[string]string, bool) {
	segments := splitPath(path)
	for _, r := range rt.routes {
		if r.method != method || len(r.segments) != len(segments) {
			continue
		}
		var params map[string]string
		matched := true
		for i, seg := range r.segments {
			if strings.HasPrefix(seg, ":") {
				if params == nil {
					params = make(map[string]string)
				}
				params[seg[1:]] = segments[i]
				continue
			}
			if seg != segments[i] {
				matched = false
				break
			}
		}
		if matched {
			return r.handler, params, true
		}
	}
	return nil, nil, false
}

func errorResponse(req *Request, pe *perrors.PipeError) Response {
	return Response{Code: pe.Code, Body: pe}
}

func providerKey(method string, providerID uint64, path string) string {
	return fmt.Sprintf("%s %d %s", method, providerID, path)
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}
