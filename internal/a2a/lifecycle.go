package a2a

import (
	"context"
	"encoding/json"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

// taskStatusUpdate is the payload shape of a "task-status-update" event
// (spec.md §4.7 "transitionTask ... records an event of type
// task-status-update carrying {state, previousState, timestamp, reason}").
type taskStatusUpdate struct {
	State         gateway.TaskState `json:"state"`
	PreviousState gateway.TaskState `json:"previousState"`
	Timestamp     time.Time         `json:"timestamp"`
	Reason        string            `json:"reason,omitempty"`
}

// transition validates the edge, stamps the relevant timestamps, persists
// the task, appends the status-update event, and fans it out to live
// subscribers — closing the bus once the task reaches a terminal state.
func (s *Service) transition(ctx context.Context, t *gateway.A2ATask, next gateway.TaskState, reason string) error {
	if !t.Status.State.CanTransition(next) {
		return gateway.ErrInvalidTaskState
	}

	previous := t.Status.State
	now := time.Now().UTC()

	t.Status = gateway.TaskStatus{State: next, Timestamp: now, Message: reason}
	if next == gateway.TaskWorking && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if next == gateway.TaskCanceled {
		t.CanceledAt = &now
	}
	if next.Terminal() {
		t.CompletedAt = &now
	}
	t.UpdatedAt = now

	payload, err := json.Marshal(taskStatusUpdate{
		State: next, PreviousState: previous, Timestamp: now, Reason: reason,
	})
	if err != nil {
		return err
	}

	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return err
	}

	event, err := s.events.AppendEvent(ctx, t.ID, "task-status-update", payload)
	if err != nil {
		return err
	}

	s.bus.publish(t.ID, *event)
	if s.notifier != nil {
		s.notifier.Enqueue(*event)
	}
	if next.Terminal() {
		s.bus.terminate(t.ID)
	}
	return nil
}
