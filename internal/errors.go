package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrRateLimited   = errors.New("rate limited")
	ErrProviderError = errors.New("provider error")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")

	// Router errors (spec.md §4.1).
	ErrModelNotFound          = errors.New("model not found")
	ErrProviderDisabled       = errors.New("provider disabled")
	ErrNoHealthyTarget        = errors.New("no healthy target")
	ErrSelectorNotImplemented = errors.New("selector not implemented")

	// Dispatcher errors (spec.md §4.2).
	ErrOAuthExpired       = errors.New("oauth credential expired")
	ErrAllAccountsCooling = errors.New("all oauth accounts cooling down")

	// A2A errors (spec.md §4.7, §7).
	ErrTaskNotFound           = errors.New("task not found")
	ErrInvalidTaskState       = errors.New("invalid task state")
	ErrIdempotencyConflict    = errors.New("idempotency conflict")
	ErrCapabilityNotSupported = errors.New("capability not supported")
)
