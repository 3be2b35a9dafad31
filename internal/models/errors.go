package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by every ACS component. Store failures never reach
// rate-limit callers (the limiter fails open); everything else surfaces as
// one of these kinds.

// ValidationError reports invalid input: malformed email, unknown verb,
// empty name, cycle attempt. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports a uniqueness or state conflict: duplicate name or
// email, removing a non-member, deleting a referenced node.
type ConflictError struct {
	Kind   string // node kind: user, group, role, resource, verb, membership
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Kind, e.Detail)
}

func NewConflictError(kind, detail string) *ConflictError {
	return &ConflictError{Kind: kind, Detail: detail}
}

// NotFoundError reports a referenced id that does not exist in the tenant.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ref)
}

func NewNotFoundError(kind, ref string) *NotFoundError {
	return &NotFoundError{Kind: kind, Ref: ref}
}

// StoreUnavailableError reports a rate-limit store or audit sink backend
// failure. The limiter recovers by failing open; health is downgraded.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func NewStoreUnavailableError(op string, err error) *StoreUnavailableError {
	return &StoreUnavailableError{Op: op, Err: err}
}

// InternalError reports an invariant violation detected at read time, e.g.
// a URIAccess row with grant and deny both set. Accompanied by a
// security-anomaly audit event.
type InternalError struct {
	Detail string
	Err    error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("internal: %s", e.Detail)
	}
	return fmt.Sprintf("internal: %s: %v", e.Detail, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func NewInternalError(detail string, err error) *InternalError {
	return &InternalError{Detail: detail, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsStoreUnavailable(err error) bool {
	var s *StoreUnavailableError
	return errors.As(err, &s)
}

func IsInternal(err error) bool {
	var i *InternalError
	return errors.As(err, &i)
}

// IsCancelled reports caller-initiated abort: context cancellation or
// deadline expiry. Operations surface these without side effects.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// statusClientClosedRequest is the de-facto status for aborted requests.
const statusClientClosedRequest = 499

// HTTPStatus maps a taxonomy error to the status the embedding layer emits.
// Rate-limit blocks map to 429 in the middleware, not here.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	case IsCancelled(err):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
