package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/auth"
	"github.com/eugener/plexus/internal/cooldown"
	"github.com/eugener/plexus/internal/router"
)

// fakeCooldownStore is an in-memory stand-in for storage.CooldownStore, used
// only to satisfy cooldown.New's constructor in handler-level tests that
// never exercise dispatch/cooldown behavior.
type fakeCooldownStore struct{}

func (fakeCooldownStore) UpsertCooldown(context.Context, gateway.CooldownKey, int64) error {
	return nil
}
func (fakeCooldownStore) DeleteCooldown(context.Context, gateway.CooldownKey) error { return nil }
func (fakeCooldownStore) LoadCooldowns(context.Context, int64) ([]gateway.CooldownEntry, error) {
	return nil, nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cm, err := cooldown.New(context.Background(), fakeCooldownStore{}, time.Minute, log)
	if err != nil {
		t.Fatalf("cooldown.New: %v", err)
	}

	models := []gateway.ModelConfig{
		{ID: "gpt-4o", AdditionalAliases: []string{"gpt-4o-latest"}},
		{ID: "claude-3-5-sonnet"},
	}
	rtr := router.New(nil, models, cm)

	return New(Deps{
		Auth:   auth.NewBearerAuth("admin-secret"),
		Router: rtr,
	})
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyzDefaultsToReady(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestListModelsIsPublicAndSorted(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if want := `"id":"claude-3-5-sonnet"`; !strings.Contains(body, want) {
		t.Errorf("body %q missing %q", body, want)
	}
	if want := `"id":"gpt-4o"`; !strings.Contains(body, want) {
		t.Errorf("body %q missing %q", body, want)
	}
	if strings.Index(body, `"id":"claude-3-5-sonnet"`) > strings.Index(body, `"id":"gpt-4o"`) {
		t.Errorf("body %q not sorted by id", body)
	}
}

func TestAgentCardIsPublic(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/agent-card.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestChatCompletionsRequiresAuth(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401; body = %s", rec.Code, rec.Body.String())
	}
}
