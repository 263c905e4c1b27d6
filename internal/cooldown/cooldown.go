// Package cooldown tracks which (provider, model, account) targets are
// temporarily unhealthy after an upstream failure (spec.md §4.3). It mirrors
// the registry-of-per-key-state shape of internal/circuitbreaker (a
// sync.RWMutex map with double-checked GetOrCreate) but models an explicit
// expiry timestamp instead of a sliding error-rate window, and persists
// through storage.CooldownStore so state survives a restart.
package cooldown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/storage"
)

// Parser extracts a cooldown duration from a 429 response body. ok=false
// means "no duration recognized; apply the default".
type Parser func(body []byte) (time.Duration, bool)

// Manager is the in-memory cooldown table, backed by a durable store.
type Manager struct {
	mu      sync.RWMutex
	entries map[gateway.CooldownKey]int64 // expiryEpochMs

	store   storage.CooldownStore
	log     *slog.Logger
	dfltDur time.Duration

	parsersMu sync.RWMutex
	parsers   map[string]Parser // keyed by provider type
}

// New returns a Manager with the given default cooldown duration, loading
// any persisted non-expired entries from store (spec.md §4.3 "on startup the
// manager loads all non-expired rows and deletes expired ones").
func New(ctx context.Context, store storage.CooldownStore, defaultDuration time.Duration, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		entries: make(map[gateway.CooldownKey]int64),
		store:   store,
		log:     log,
		dfltDur: defaultDuration,
		parsers: make(map[string]Parser),
	}

	loaded, err := store.LoadCooldowns(ctx, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	for _, e := range loaded {
		m.entries[e.CooldownKey] = e.ExpiryEpochMs
	}
	log.Info("cooldown manager loaded", "entries", len(loaded))
	return m, nil
}

// RegisterParser installs a 429-body duration parser for the given provider
// type (spec.md §4.3 "Cooldown parsing").
func (m *Manager) RegisterParser(providerType string, p Parser) {
	m.parsersMu.Lock()
	m.parsers[providerType] = p
	m.parsersMu.Unlock()
}

// ParseCooldownDuration runs the registered parser for providerType, if any,
// falling back to the manager's default duration.
func (m *Manager) ParseCooldownDuration(providerType string, body []byte) time.Duration {
	m.parsersMu.RLock()
	p, ok := m.parsers[providerType]
	m.parsersMu.RUnlock()
	if ok {
		if d, ok := p(body); ok {
			return d
		}
	}
	return m.dfltDur
}

// MarkFailure upserts expiry = now + duration (or the manager default) for
// the given key and persists it.
func (m *Manager) MarkFailure(ctx context.Context, key gateway.CooldownKey, duration time.Duration) {
	if duration <= 0 {
		duration = m.dfltDur
	}
	expiry := time.Now().Add(duration).UnixMilli()

	m.mu.Lock()
	m.entries[key] = expiry
	m.mu.Unlock()

	if err := m.store.UpsertCooldown(ctx, key, expiry); err != nil {
		m.log.Error("persist cooldown failed", "provider", key.Provider, "model", key.Model, "account", key.AccountID, "error", err)
	}
}

// IsHealthy returns true when there is no entry for key, or the entry has
// expired (in which case it is dropped). A short critical section performs
// the read-modify-write.
func (m *Manager) IsHealthy(key gateway.CooldownKey) bool {
	now := time.Now().UnixMilli()

	m.mu.RLock()
	expiry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	if expiry > now {
		return false
	}

	m.mu.Lock()
	if e, ok := m.entries[key]; ok && e <= now {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	return true
}

// RemainingSeconds returns how many seconds remain on the cooldown for key,
// or 0 if it is healthy.
func (m *Manager) RemainingSeconds(key gateway.CooldownKey) int64 {
	m.mu.RLock()
	expiry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	remaining := expiry - time.Now().UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return remaining / 1000
}

// Clear accepts any suffix of (provider, model?, accountId?) and deletes
// matching keys, both in-memory and in the store.
func (m *Manager) Clear(ctx context.Context, provider, model, accountID string) {
	m.mu.Lock()
	var toDelete []gateway.CooldownKey
	for k := range m.entries {
		if k.Provider != provider {
			continue
		}
		if model != "" && k.Model != model {
			continue
		}
		if accountID != "" && k.AccountID != accountID {
			continue
		}
		toDelete = append(toDelete, k)
		delete(m.entries, k)
	}
	m.mu.Unlock()

	for _, k := range toDelete {
		if err := m.store.DeleteCooldown(ctx, k); err != nil {
			m.log.Error("delete cooldown failed", "provider", k.Provider, "model", k.Model, "error", err)
		}
	}
}

// FilterHealthyTargets drops targets whose (provider, model, accountFor(provider))
// is cooling down.
func (m *Manager) FilterHealthyTargets(targets []gateway.RouteTarget, accountFor func(provider string) string) []gateway.RouteTarget {
	var healthy []gateway.RouteTarget
	for _, t := range targets {
		account := ""
		if accountFor != nil {
			account = accountFor(t.Provider)
		}
		key := gateway.CooldownKey{Provider: t.Provider, Model: t.Model, AccountID: account}
		if m.IsHealthy(key) {
			healthy = append(healthy, t)
		}
	}
	return healthy
}
