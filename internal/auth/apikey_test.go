package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerAuthAcceptsAnySecret(t *testing.T) {
	t.Parallel()
	a := NewBearerAuth("admin-secret")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer caller-secret")

	id, err := a.Authenticate(r.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.IsAdmin {
		t.Error("expected non-admin identity")
	}
	if id.KeyName == "" {
		t.Error("expected non-empty KeyName")
	}
}

func TestBearerAuthSameSecretYieldsSameKeyName(t *testing.T) {
	t.Parallel()
	a := NewBearerAuth("admin-secret")

	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.Header.Set("Authorization", "Bearer same-secret")
	id1, err := a.Authenticate(r1.Context(), r1)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Authorization", "Bearer same-secret")
	id2, err := a.Authenticate(r2.Context(), r2)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if id1.KeyName != id2.KeyName {
		t.Errorf("KeyName mismatch: %q vs %q", id1.KeyName, id2.KeyName)
	}
}

func TestBearerAuthParsesAttribution(t *testing.T) {
	t.Parallel()
	a := NewBearerAuth("")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer caller-secret:team-checkout")

	id, err := a.Authenticate(r.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Attribution != "team-checkout" {
		t.Errorf("Attribution = %q, want team-checkout", id.Attribution)
	}
}

func TestBearerAuthRejectsMissingHeader(t *testing.T) {
	t.Parallel()
	a := NewBearerAuth("admin-secret")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := a.Authenticate(r.Context(), r); err == nil {
		t.Error("expected rejection of missing Authorization header")
	}
}

func TestBearerAuthAdminKeyHeader(t *testing.T) {
	t.Parallel()
	a := NewBearerAuth("admin-secret")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Admin-Key", "admin-secret")

	id, err := a.Authenticate(r.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.IsAdmin {
		t.Error("expected admin identity")
	}
}

func TestBearerAuthAdminKeyViaBearer(t *testing.T) {
	t.Parallel()
	a := NewBearerAuth("admin-secret")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer admin-secret")

	id, err := a.Authenticate(r.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.IsAdmin {
		t.Error("expected admin identity when bearer secret matches admin key")
	}
}

func TestBearerAuthRejectsWrongAdminKey(t *testing.T) {
	t.Parallel()
	a := NewBearerAuth("admin-secret")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Admin-Key", "wrong")

	if _, err := a.Authenticate(r.Context(), r); err == nil {
		t.Error("expected rejection of wrong admin key")
	}
}
