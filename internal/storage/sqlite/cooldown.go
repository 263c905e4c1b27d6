package sqlite

import (
	"context"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

// UpsertCooldown atomically inserts or updates the provider_cooldowns row
// for key (spec.md §4.3, §6).
func (s *Store) UpsertCooldown(ctx context.Context, key gateway.CooldownKey, expiryEpochMs int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_cooldowns (provider, model, account_id, expiry, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, model, account_id) DO UPDATE SET expiry = excluded.expiry`,
		key.Provider, key.Model, key.AccountID, expiryEpochMs,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteCooldown removes the entry for key, if any.
func (s *Store) DeleteCooldown(ctx context.Context, key gateway.CooldownKey) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE provider=? AND model=? AND account_id=?`,
		key.Provider, key.Model, key.AccountID,
	)
	return err
}

// LoadCooldowns returns all non-expired rows and deletes expired ones, for
// use once at startup (spec.md §4.3).
func (s *Store) LoadCooldowns(ctx context.Context, nowEpochMs int64) ([]gateway.CooldownEntry, error) {
	if _, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE expiry <= ?`, nowEpochMs,
	); err != nil {
		return nil, err
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, account_id, expiry, created_at FROM provider_cooldowns`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.CooldownEntry
	for rows.Next() {
		var e gateway.CooldownEntry
		var createdAt string
		if err := rows.Scan(&e.Provider, &e.Model, &e.AccountID, &e.ExpiryEpochMs, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
