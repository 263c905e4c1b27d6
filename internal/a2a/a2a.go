// Package a2a implements the agent-to-agent task engine (spec.md §4.7): task
// lifecycle transitions, scoped idempotency on sendMessage, the ordered
// per-task event log, and push-notification delivery. It mirrors the
// registry-of-per-key-state shape used by internal/cooldown and
// internal/circuitbreaker, but the durable store (internal/storage) is the
// source of truth — the in-memory bus is purely an accelerator for live SSE
// subscribers and tolerates restart.
package a2a

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/cache"
	"github.com/eugener/plexus/internal/storage"
)

// replayCacheSize bounds the number of distinct scoped idempotency keys held
// in the in-memory replay cache at once; eviction is W-TinyLFU (see
// internal/cache), so hot keys (bursts of retries on the same key) survive.
const replayCacheSize = 8192

// Service is the A2A task engine, wired into the HTTP boundary's /a2a routes.
type Service struct {
	tasks       storage.TaskStore
	events      storage.TaskEventStore
	pushConfigs storage.PushConfigStore

	bus      *bus
	notifier pushNotifier // nil = no webhook delivery

	encryptionKey []byte // nil => push configs carrying auth are refused

	// replay taps SendMessage's idempotent-replay path (spec.md §4.7, §8
	// invariant 6): a hit answers a duplicate sendMessage without a
	// GetTaskByIdempotencyKey round trip to the store. nil disables the tap
	// (construction failure); SendMessage falls back to the store lookup.
	replay *cache.Memory

	idempotencyRetention time.Duration
	log                  *slog.Logger
}

// pushNotifier receives every appended task event for webhook delivery.
// PushDeliveryWorker satisfies this structurally.
type pushNotifier interface {
	Enqueue(gateway.A2ATaskEvent)
}

// SetPushNotifier wires a push-delivery sink for appended task events. It
// must be called before any task activity if webhook delivery is desired;
// a nil (or never-set) notifier makes event fan-out SSE-only.
func (s *Service) SetPushNotifier(n pushNotifier) {
	s.notifier = n
}

// New returns a Service backed by the given stores. adminKey participates in
// the encryption-key fallback chain (spec.md §4.7 "Encryption key selection")
// when encryptionKeyConfig is empty.
func New(
	tasks storage.TaskStore,
	events storage.TaskEventStore,
	pushConfigs storage.PushConfigStore,
	encryptionKeyConfig, adminKey string,
	idempotencyRetention time.Duration,
	log *slog.Logger,
) *Service {
	replay, err := cache.NewMemory(replayCacheSize, idempotencyRetention)
	if err != nil {
		log.Warn("a2a: replay cache disabled", "error", err)
		replay = nil
	}
	return &Service{
		tasks:                tasks,
		events:               events,
		pushConfigs:          pushConfigs,
		bus:                  newBus(),
		replay:               replay,
		encryptionKey:        resolveEncryptionKey(encryptionKeyConfig, adminKey, log),
		idempotencyRetention: idempotencyRetention,
		log:                  log,
	}
}

// authorize returns ErrTaskNotFound for a scope mismatch rather than
// ErrForbidden, per spec.md §4.7 "Authorization scope": existence must not
// leak to callers outside the owning scope.
func authorize(t *gateway.A2ATask, ownerKey string, isAdmin bool) error {
	if isAdmin || t.OwnerKey == ownerKey {
		return nil
	}
	return gateway.ErrTaskNotFound
}

// GetTask fetches a task, enforcing owner scope.
func (s *Service) GetTask(ctx context.Context, ownerKey string, isAdmin bool, taskID string) (*gateway.A2ATask, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := authorize(t, ownerKey, isAdmin); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks owned by ownerKey, or all tasks when isAdmin.
func (s *Service) ListTasks(ctx context.Context, ownerKey string, isAdmin bool, offset, limit int) ([]*gateway.A2ATask, error) {
	return s.tasks.ListTasks(ctx, ownerKey, isAdmin, offset, limit)
}

// ListTaskEvents replays events after afterSequence for a task the caller is
// scoped to see (spec.md §4.7 "Event subscription").
func (s *Service) ListTaskEvents(ctx context.Context, ownerKey string, isAdmin bool, taskID string, afterSequence int64, limit int) ([]gateway.A2ATaskEvent, error) {
	if _, err := s.GetTask(ctx, ownerKey, isAdmin, taskID); err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, taskID, afterSequence, limit)
}

// Subscribe attaches a live listener to taskID's event bus. Callers should
// first replay via ListTaskEvents, then subscribe and drop any live event
// whose Sequence is <= the last replayed sequence (spec.md §5 ordering
// guarantees). The returned cancel func must be called once the caller stops
// listening (client disconnect, task reaching a terminal state, or timeout).
func (s *Service) Subscribe(ctx context.Context, ownerKey string, isAdmin bool, taskID string) (<-chan gateway.A2ATaskEvent, func(), error) {
	if _, err := s.GetTask(ctx, ownerKey, isAdmin, taskID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.bus.subscribe(taskID)
	return ch, cancel, nil
}

// CancelTask transitions a task to canceled if the current state permits it.
func (s *Service) CancelTask(ctx context.Context, ownerKey string, isAdmin bool, taskID, reason string) (*gateway.A2ATask, error) {
	t, err := s.GetTask(ctx, ownerKey, isAdmin, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, t, gateway.TaskCanceled, reason); err != nil {
		return nil, err
	}
	return t, nil
}
