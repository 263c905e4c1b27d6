package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/plexus/internal"
)

// SendMessageParams is the input to SendMessage, built by the HTTP boundary
// from a decoded message/send or message/stream request.
type SendMessageParams struct {
	OwnerKey         string
	OwnerAttribution string
	AgentID          string
	ContextID        string // generated if empty
	RequestMessage   json.RawMessage
	IdempotencyKey   string // raw caller-supplied key, empty if none
}

// SendMessage creates a new task, or returns an existing one under the
// idempotency rules of spec.md §4.7: a scoped key reused with a byte-equal
// payload within the retention window returns the prior task; reused with a
// different payload fails with ErrIdempotencyConflict; reused outside the
// window is cleared and a new task is created.
func (s *Service) SendMessage(ctx context.Context, p SendMessageParams) (*gateway.A2ATask, error) {
	var scopedKey string
	if p.IdempotencyKey != "" {
		scopedKey = gateway.ScopedIdempotencyKey(p.OwnerKey, p.IdempotencyKey)

		if taskID, payload, ok := s.replayLookup(ctx, scopedKey); ok {
			if !bytes.Equal(payload, p.RequestMessage) {
				return nil, gateway.ErrIdempotencyConflict
			}
			return s.tasks.GetTask(ctx, taskID)
		}

		existing, err := s.tasks.GetTaskByIdempotencyKey(ctx, scopedKey)
		switch {
		case err == nil:
			if time.Since(existing.SubmittedAt) < s.idempotencyRetention {
				s.replayStore(ctx, scopedKey, existing)
				if bytes.Equal(existing.RequestMessage, p.RequestMessage) {
					return existing, nil
				}
				return nil, gateway.ErrIdempotencyConflict
			}
			// Outside the retention window: clear the stale key and fall
			// through to create a fresh task under the same raw key.
			existing.IdempotencyKey = ""
			if err := s.tasks.UpdateTask(ctx, existing); err != nil {
				return nil, err
			}
		case errors.Is(err, gateway.ErrNotFound):
			// No prior task under this key; proceed to create.
		default:
			return nil, err
		}
	}

	contextID := p.ContextID
	if contextID == "" {
		contextID = uuid.Must(uuid.NewV7()).String()
	}

	now := time.Now().UTC()
	t := &gateway.A2ATask{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ContextID:        contextID,
		OwnerKey:         p.OwnerKey,
		OwnerAttribution: p.OwnerAttribution,
		AgentID:          p.AgentID,
		Status:           gateway.TaskStatus{State: gateway.TaskSubmitted, Timestamp: now},
		RequestMessage:   p.RequestMessage,
		IdempotencyKey:   scopedKey,
		SubmittedAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.tasks.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if scopedKey != "" {
		s.replayStore(ctx, scopedKey, t)
	}

	payload, err := json.Marshal(taskStatusUpdate{State: gateway.TaskSubmitted, Timestamp: now})
	if err != nil {
		return nil, err
	}
	event, err := s.events.AppendEvent(ctx, t.ID, "task-status-update", payload)
	if err != nil {
		return nil, err
	}
	s.bus.publish(t.ID, *event)
	if s.notifier != nil {
		s.notifier.Enqueue(*event)
	}

	return t, nil
}

// replayRecord is the cached shape for a scoped idempotency key: just enough
// to answer the byte-equality check and fetch the live task, never the task
// itself, so a cache hit can't serve a stale status snapshot.
type replayRecord struct {
	TaskID         string          `json:"task_id"`
	RequestMessage json.RawMessage `json:"request_message"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// replayLookup checks the replay cache for a prior task under scopedKey,
// within the retention window. A cache miss (disabled cache, not cached, or
// expired) returns ok=false and leaves the caller to fall back to the store.
func (s *Service) replayLookup(ctx context.Context, scopedKey string) (taskID string, payload json.RawMessage, ok bool) {
	if s.replay == nil {
		return "", nil, false
	}
	raw, found := s.replay.Get(ctx, scopedKey)
	if !found {
		return "", nil, false
	}
	var r replayRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", nil, false
	}
	if time.Since(r.SubmittedAt) >= s.idempotencyRetention {
		s.replay.Delete(ctx, scopedKey)
		return "", nil, false
	}
	return r.TaskID, r.RequestMessage, true
}

// replayStore populates the replay cache for scopedKey so the next duplicate
// sendMessage within the retention window is answered without a store read.
func (s *Service) replayStore(ctx context.Context, scopedKey string, t *gateway.A2ATask) {
	if s.replay == nil {
		return
	}
	raw, err := json.Marshal(replayRecord{TaskID: t.ID, RequestMessage: t.RequestMessage, SubmittedAt: t.SubmittedAt})
	if err != nil {
		return
	}
	s.replay.Set(ctx, scopedKey, raw, s.idempotencyRetention)
}
