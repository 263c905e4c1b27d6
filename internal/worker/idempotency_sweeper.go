package worker

import (
	"context"
	"log/slog"
	"time"
)

// idempotencySweepInterval bounds how often ClearExpiredIdempotencyKeys runs
// (spec.md §4.7: "A lazy sweeper runs at most every 10 minutes").
const idempotencySweepInterval = 10 * time.Minute

// TaskStore is the narrow persistence interface IdempotencySweeper needs;
// storage.TaskStore satisfies it.
type TaskStore interface {
	ClearExpiredIdempotencyKeys(ctx context.Context, cutoffEpochMs int64) (int, error)
}

// IdempotencySweeper periodically clears expired a2a_tasks.idempotency_key
// values so a stale key can't collide with a fresh sendMessage call outside
// its retention window.
type IdempotencySweeper struct {
	store     TaskStore
	retention time.Duration
	log       *slog.Logger
}

// NewIdempotencySweeper returns a sweeper that clears keys older than retention.
func NewIdempotencySweeper(store TaskStore, retention time.Duration, log *slog.Logger) *IdempotencySweeper {
	return &IdempotencySweeper{store: store, retention: retention, log: log}
}

func (w *IdempotencySweeper) Name() string { return "idempotency_sweeper" }

func (w *IdempotencySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(idempotencySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *IdempotencySweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.retention).UnixMilli()
	n, err := w.store.ClearExpiredIdempotencyKeys(ctx, cutoff)
	if err != nil {
		w.log.Error("idempotency sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Info("idempotency sweep cleared expired keys", "count", n)
	}
}
