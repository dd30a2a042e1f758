// Package pipe implements the operator request plane: a method+path route
// table with provider-scoped sub-dispatch, served over two transports (HTTP
// and a signed redis messaging bus) that share one envelope format.
package pipe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// Methods accepted by the route table.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPatch  = "PATCH"
	MethodDelete = "DELETE"
)

// Envelope is the wire format shared by both transports. Signature covers
// the exact Payload bytes, so no canonicalization is needed.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Payload is the request envelope body.
type Payload struct {
	ID         string            `json:"id"`
	Requester  string            `json:"requester"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Params     map[string]any    `json:"params,omitempty"`
	PathParams map[string]string `json:"pathParams,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// Request is a verified, dispatchable request. Requester has passed
// signature verification; handlers trust it.
type Request struct {
	ID         string
	Method     string
	Path       string
	Requester  common.Address
	Params     map[string]any
	PathParams map[string]string
	Body       json.RawMessage
}

// Response is the transport-independent reply.
type Response struct {
	Code int `json:"code"`
	Body any `json:"body"`
}

// Handler processes one pipe request. Returning a *perrors.PipeError maps
// it to the response verbatim; other errors become a generic 500.
type Handler func(ctx context.Context, req *Request) (any, error)

// DecodeBody unmarshals the request body into v.
func (r *Request) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return perrors.ErrBadRequest.WithMessage("Missing request body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return perrors.ErrBadRequest.WithMessage(fmt.Sprintf("Invalid request body: %v", err))
	}
	return nil
}

// ProviderID extracts the provider id from the body or the query params.
func (r *Request) ProviderID() (uint64, bool) {
	if len(r.Body) > 0 {
		var probe struct {
			ProviderID *uint64 `json:"providerId"`
		}
		if err := json.Unmarshal(r.Body, &probe); err == nil && probe.ProviderID != nil {
			return *probe.ProviderID, true
		}
	}
	if raw, ok := r.Params["providerId"]; ok {
		switch v := raw.(type) {
		case float64:
			return uint64(v), true
		case string:
			var id uint64
			if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

// StringParam returns a string-typed query param.
func (r *Request) StringParam(key string) (string, bool) {
	v, ok := r.Params[key].(string)
	return v, ok
}
