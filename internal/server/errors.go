package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/plexus/internal"
)

// ErrorCode is the machine-readable code carried in the error envelope
// (spec.md §7's taxonomy table).
type ErrorCode string

const (
	CodeInvalidRequest          ErrorCode = "INVALID_REQUEST"
	CodeUnauthenticated         ErrorCode = "UNAUTHENTICATED"
	CodeForbidden               ErrorCode = "FORBIDDEN"
	CodeTaskNotFound            ErrorCode = "TASK_NOT_FOUND"
	CodeInvalidTaskState        ErrorCode = "INVALID_TASK_STATE"
	CodeIdempotencyConflict     ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeCapabilityNotSupported  ErrorCode = "CAPABILITY_NOT_SUPPORTED"
	CodeRateLimited             ErrorCode = "RATE_LIMITED"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

type errorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// jsonCT is a pre-allocated header value slice, avoiding the []string{v}
// alloc Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

func writeErrorCode(w http.ResponseWriter, status int, code ErrorCode, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

func writeErrorCodeDetails(w http.ResponseWriter, status int, code ErrorCode, msg string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg, Details: details}})
}

// writeError classifies err per spec.md §7 and writes the appropriate
// envelope. *gateway.UpstreamError is relayed verbatim (status and body
// pass through unmodified) rather than wrapped, since it already carries
// the provider's own error shape. Everything else is classified into the
// {code,message} envelope; 5xx classifications are logged server-side.
func writeError(w http.ResponseWriter, ctx context.Context, err error) {
	var upstream *gateway.UpstreamError
	if errors.As(err, &upstream) {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(upstream.Status)
		w.Write(upstream.Body)
		return
	}

	status, code, details := classify(err)
	if status >= 500 {
		slog.LogAttrs(ctx, slog.LevelError, "request failed",
			slog.Int("status", status),
			slog.String("code", string(code)),
			slog.String("error", err.Error()),
		)
	}
	if details != nil {
		writeErrorCodeDetails(w, status, code, err.Error(), details)
		return
	}
	writeErrorCode(w, status, code, err.Error())
}

// classify maps a domain error to its HTTP status and error code per
// spec.md §7's taxonomy table. OAuthExpired and AllAccountsCooling are
// internal dispatch failures from the caller's perspective, so they
// classify as 503 INTERNAL_ERROR, carrying their cause as details.
func classify(err error) (int, ErrorCode, any) {
	switch {
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrModelNotFound),
		errors.Is(err, gateway.ErrSelectorNotImplemented):
		return http.StatusBadRequest, CodeInvalidRequest, nil
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthenticated, nil
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden, CodeForbidden, nil
	case errors.Is(err, gateway.ErrTaskNotFound), errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, CodeTaskNotFound, nil
	case errors.Is(err, gateway.ErrIdempotencyConflict), errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict, CodeIdempotencyConflict, nil
	case errors.Is(err, gateway.ErrInvalidTaskState):
		return http.StatusUnprocessableEntity, CodeInvalidTaskState, nil
	case errors.Is(err, gateway.ErrCapabilityNotSupported):
		return http.StatusUnprocessableEntity, CodeCapabilityNotSupported, nil
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited, nil
	case errors.Is(err, gateway.ErrProviderDisabled), errors.Is(err, gateway.ErrNoHealthyTarget):
		return http.StatusServiceUnavailable, CodeInternalError, nil
	case errors.Is(err, gateway.ErrOAuthExpired):
		return http.StatusServiceUnavailable, CodeInternalError, map[string]string{"reason": "oauth_expired"}
	case errors.Is(err, gateway.ErrAllAccountsCooling):
		return http.StatusServiceUnavailable, CodeInternalError, map[string]string{"reason": "all_accounts_cooling"}
	default:
		return http.StatusInternalServerError, CodeInternalError, nil
	}
}
