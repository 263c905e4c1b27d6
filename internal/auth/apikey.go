// Package auth implements bearer-secret authentication for the gateway.
// Plexus has no key registry (spec.md lists the credential store as an
// out-of-scope collaborator): any non-empty secret authenticates, and the
// caller's identity is the secret's hash, so the same secret always maps to
// the same owner scope and rate-limit bucket without ever persisting the
// raw value.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	gateway "github.com/eugener/plexus/internal"
)

// BearerAuth authenticates requests against a single admin key plus a flat
// bearer scheme for everyone else. It replaces the teacher's DB-backed,
// cached API-key lookup (internal/auth/apikey.go in the original): there is
// no key table to look up, so there is nothing to cache.
type BearerAuth struct {
	adminKey string
}

// NewBearerAuth returns a BearerAuth that treats adminKey (if non-empty) as
// the admin credential.
func NewBearerAuth(adminKey string) *BearerAuth {
	return &BearerAuth{adminKey: adminKey}
}

// Authenticate accepts either an X-Admin-Key header matching the configured
// admin key, or an "Authorization: Bearer secret[:attribution]" header. The
// attribution suffix is optional and free-form; it is recorded on usage
// records but never used for access control.
func (a *BearerAuth) Authenticate(_ context.Context, r *http.Request) (*gateway.Identity, error) {
	if admin := r.Header.Get("X-Admin-Key"); admin != "" {
		if a.adminKey == "" || subtle.ConstantTimeCompare([]byte(admin), []byte(a.adminKey)) != 1 {
			return nil, gateway.ErrUnauthorized
		}
		return &gateway.Identity{KeyName: gateway.HashKey(admin), IsAdmin: true}, nil
	}

	raw := r.Header.Get("Authorization")
	secret, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || secret == "" {
		return nil, gateway.ErrUnauthorized
	}

	if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(a.adminKey)) == 1 {
		return &gateway.Identity{KeyName: gateway.HashKey(secret), IsAdmin: true}, nil
	}

	secret, attribution, _ := strings.Cut(secret, ":")
	if secret == "" {
		return nil, gateway.ErrUnauthorized
	}

	return &gateway.Identity{KeyName: gateway.HashKey(secret), Attribution: attribution}, nil
}
