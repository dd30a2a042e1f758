// Package perrors provides the daemon's standardized error types.
package perrors

import (
	"context"
	"errors"
	"fmt"
)

// Pipe status codes shared by both transports.
const (
	CodeOK            = 200
	CodeBadRequest    = 400
	CodeNotAuthorized = 401
	CodeNotFound      = 404
	CodeInternal      = 500
)

// PipeError is a tagged error carried back to pipe callers verbatim:
// its code and body become the response. Anything else surfaces as a
// generic internal error.
type PipeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *PipeError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error with additional details.
func (e *PipeError) WithDetails(details any) *PipeError {
	return &PipeError{Code: e.Code, Message: e.Message, Details: details}
}

// WithMessage returns a copy of the error with a custom message.
func (e *PipeError) WithMessage(message string) *PipeError {
	return &PipeError{Code: e.Code, Message: message, Details: e.Details}
}

// Standard error definitions
var (
	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &PipeError{Code: CodeBadRequest, Message: "Invalid request"}

	// ErrNotAuthorized is returned when the requester lacks permission.
	ErrNotAuthorized = &PipeError{Code: CodeNotAuthorized, Message: "Not authorized"}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &PipeError{Code: CodeNotFound, Message: "Not found"}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &PipeError{Code: CodeInternal, Message: "An internal error occurred"}
)

// NewValidationError creates a bad-request error for a specific field.
func NewValidationError(field, message string) *PipeError {
	return &PipeError{
		Code:    CodeBadRequest,
		Message: fmt.Sprintf("Validation failed: %s", message),
		Details: map[string]string{"field": field, "error": message},
	}
}

// NewNotFoundError creates a not-found error for a specific resource type.
func NewNotFoundError(resource string) *PipeError {
	return &PipeError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// AsPipeError converts an error to a PipeError if possible, falling back to
// ErrInternal so internal messages never leak to callers.
func AsPipeError(err error) *PipeError {
	var pe *PipeError
	if errors.As(err, &pe) {
		return pe
	}
	return ErrInternal
}

// DomainError is an internal inconsistency (e.g. an update against an
// unknown protocol). Background loops log it and continue.
type DomainError struct {
	Op  string
	Msg string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// NewDomainError creates a domain error.
func NewDomainError(op, msg string) *DomainError {
	return &DomainError{Op: op, Msg: msg}
}

// TransportError wraps a network-level failure against the indexer or the
// chain. It is distinct from domain errors so callers can probe health and
// suppress repeated logging.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport failure of op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether any error in the chain is a transport error.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrTerminated marks cooperative-loop shutdown. Detection walks the cause
// chain, so wrapping is safe.
var ErrTerminated = errors.New("terminated")

// IsTermination reports whether err is a shutdown signal: either the
// termination marker or context cancellation.
func IsTermination(err error) bool {
	return errors.Is(err, ErrTerminated) || errors.Is(err, context.Canceled)
}
