// Package storage defines persistence interfaces for the gateway. Provider,
// model, and key configuration live in YAML (internal/config); this package
// covers only the runtime state spec.md §6 requires to be durable: usage
// metering, cooldowns, and the A2A task engine's tables.
package storage

import (
	"context"

	gateway "github.com/eugener/plexus/internal"
)

// UsageStore manages usage record persistence (request_usage table).
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	SumCost(ctx context.Context, apiKey string) (float64, error)
}

// CooldownStore manages provider_cooldowns persistence.
type CooldownStore interface {
	// UpsertCooldown atomically inserts or updates the entry for key.
	UpsertCooldown(ctx context.Context, key gateway.CooldownKey, expiryEpochMs int64) error
	// DeleteCooldown removes the entry for key, if any.
	DeleteCooldown(ctx context.Context, key gateway.CooldownKey) error
	// LoadCooldowns returns all non-expired rows and deletes expired ones,
	// for use once at startup (spec.md §4.3).
	LoadCooldowns(ctx context.Context, nowEpochMs int64) ([]gateway.CooldownEntry, error)
}

// TaskStore manages a2a_tasks persistence.
type TaskStore interface {
	CreateTask(ctx context.Context, t *gateway.A2ATask) error
	GetTask(ctx context.Context, id string) (*gateway.A2ATask, error)
	GetTaskByIdempotencyKey(ctx context.Context, scopedKey string) (*gateway.A2ATask, error)
	UpdateTask(ctx context.Context, t *gateway.A2ATask) error
	ListTasks(ctx context.Context, ownerKey string, isAdmin bool, offset, limit int) ([]*gateway.A2ATask, error)
	// ClearExpiredIdempotencyKeys nulls idempotency_key on rows created
	// before cutoff, per the spec.md §4.7 lazy sweeper.
	ClearExpiredIdempotencyKeys(ctx context.Context, cutoff int64) (int, error)
}

// TaskEventStore manages a2a_task_events persistence.
type TaskEventStore interface {
	// AppendEvent inserts an event at max(sequence)+1 for the task,
	// retrying internally on a unique-constraint race per spec.md §4.7.
	AppendEvent(ctx context.Context, taskID, eventType string, payload []byte) (*gateway.A2ATaskEvent, error)
	// ListEvents returns events with sequence > afterSequence, oldest
	// first, capped at limit (spec.md §4.7 listTaskEvents).
	ListEvents(ctx context.Context, taskID string, afterSequence int64, limit int) ([]gateway.A2ATaskEvent, error)
}

// PushConfigStore manages a2a_push_notification_configs persistence.
// Authentication is stored encrypted (or legacy-plaintext); this interface
// deals in the gateway.A2APushConfig domain shape and leaves
// encryption/decryption to the caller (internal/a2a).
type PushConfigStore interface {
	CreatePushConfig(ctx context.Context, c *gateway.A2APushConfig, encryptedAuth []byte) error
	GetPushConfig(ctx context.Context, taskID, configID string) (*gateway.A2APushConfig, []byte, error)
	ListPushConfigs(ctx context.Context, taskID string) ([]gateway.A2APushConfig, [][]byte, error)
	ListEnabledPushConfigsForTask(ctx context.Context, taskID string) ([]gateway.A2APushConfig, [][]byte, error)
	DeletePushConfig(ctx context.Context, taskID, configID string) error
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	CooldownStore
	TaskStore
	TaskEventStore
	PushConfigStore
	Close() error
}
