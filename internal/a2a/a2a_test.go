package a2a

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

type fakeTaskStore struct {
	mu        sync.Mutex
	byID      map[string]*gateway.A2ATask
	byIdemKey map[string]string // scopedKey -> taskID
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{byID: map[string]*gateway.A2ATask{}, byIdemKey: map[string]string{}}
}

func (f *fakeTaskStore) CreateTask(_ context.Context, t *gateway.A2ATask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.byID[t.ID] = &cp
	if t.IdempotencyKey != "" {
		f.byIdemKey[t.IdempotencyKey] = t.ID
	}
	return nil
}

func (f *fakeTaskStore) GetTask(_ context.Context, id string) (*gateway.A2ATask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) GetTaskByIdempotencyKey(_ context.Context, scopedKey string) (*gateway.A2ATask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byIdemKey[scopedKey]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeTaskStore) UpdateTask(_ context.Context, t *gateway.A2ATask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[t.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *t
	f.byID[t.ID] = &cp
	if t.IdempotencyKey == "" {
		for k, id := range f.byIdemKey {
			if id == t.ID {
				delete(f.byIdemKey, k)
			}
		}
	}
	return nil
}

func (f *fakeTaskStore) ListTasks(_ context.Context, ownerKey string, isAdmin bool, _, _ int) ([]*gateway.A2ATask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.A2ATask
	for _, t := range f.byID {
		if isAdmin || t.OwnerKey == ownerKey {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) ClearExpiredIdempotencyKeys(context.Context, int64) (int, error) { return 0, nil }

type fakeEventStore struct {
	mu     sync.Mutex
	events map[string][]gateway.A2ATaskEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: map[string][]gateway.A2ATaskEvent{}}
}

func (f *fakeEventStore) AppendEvent(_ context.Context, taskID, eventType string, payload []byte) (*gateway.A2ATaskEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.events[taskID]) + 1)
	e := gateway.A2ATaskEvent{TaskID: taskID, Sequence: seq, EventType: eventType, Payload: payload, CreatedAt: time.Now().UTC()}
	f.events[taskID] = append(f.events[taskID], e)
	return &e, nil
}

func (f *fakeEventStore) ListEvents(_ context.Context, taskID string, afterSequence int64, limit int) ([]gateway.A2ATaskEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.A2ATaskEvent
	for _, e := range f.events[taskID] {
		if e.Sequence > afterSequence {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type fakePushConfigStore struct{}

func (fakePushConfigStore) CreatePushConfig(context.Context, *gateway.A2APushConfig, []byte) error {
	return nil
}
func (fakePushConfigStore) GetPushConfig(context.Context, string, string) (*gateway.A2APushConfig, []byte, error) {
	return nil, nil, gateway.ErrNotFound
}
func (fakePushConfigStore) ListPushConfigs(context.Context, string) ([]gateway.A2APushConfig, [][]byte, error) {
	return nil, nil, nil
}
func (fakePushConfigStore) ListEnabledPushConfigsForTask(context.Context, string) ([]gateway.A2APushConfig, [][]byte, error) {
	return nil, nil, nil
}
func (fakePushConfigStore) DeletePushConfig(context.Context, string, string) error { return nil }

func newTestService() (*Service, *fakeTaskStore, *fakeEventStore) {
	tasks := newFakeTaskStore()
	events := newFakeEventStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(tasks, events, fakePushConfigStore{}, "", "", 24*time.Hour, log)
	return svc, tasks, events
}

func TestSendMessageCreatesSubmittedTask(t *testing.T) {
	t.Parallel()
	svc, _, events := newTestService()

	task, err := svc.SendMessage(context.Background(), SendMessageParams{
		OwnerKey: "owner-1", AgentID: "agent-1", RequestMessage: json.RawMessage(`{"hi":true}`),
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if task.Status.State != gateway.TaskSubmitted {
		t.Errorf("state = %q, want submitted", task.Status.State)
	}
	if len(events.events[task.ID]) != 1 {
		t.Errorf("expected 1 event, got %d", len(events.events[task.ID]))
	}
}

func TestSendMessageIdempotentReplay(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService()
	ctx := context.Background()
	body := json.RawMessage(`{"hi":true}`)

	first, err := svc.SendMessage(ctx, SendMessageParams{OwnerKey: "owner-1", RequestMessage: body, IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("first SendMessage: %v", err)
	}
	second, err := svc.SendMessage(ctx, SendMessageParams{OwnerKey: "owner-1", RequestMessage: body, IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("second SendMessage: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same task ID on replay, got %q vs %q", second.ID, first.ID)
	}
}

func TestSendMessageIdempotencyConflict(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, SendMessageParams{OwnerKey: "owner-1", RequestMessage: json.RawMessage(`{"a":1}`), IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("first SendMessage: %v", err)
	}
	_, err = svc.SendMessage(ctx, SendMessageParams{OwnerKey: "owner-1", RequestMessage: json.RawMessage(`{"a":2}`), IdempotencyKey: "key-1"})
	if err != gateway.ErrIdempotencyConflict {
		t.Errorf("got %v, want ErrIdempotencyConflict", err)
	}
}

func TestGetTaskScopeMismatchYieldsNotFound(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService()
	ctx := context.Background()

	task, err := svc.SendMessage(ctx, SendMessageParams{OwnerKey: "owner-1", RequestMessage: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	_, err = svc.GetTask(ctx, "owner-2", false, task.ID)
	if err != gateway.ErrTaskNotFound {
		t.Errorf("got %v, want ErrTaskNotFound (no existence leak)", err)
	}

	got, err := svc.GetTask(ctx, "owner-1", false, task.ID)
	if err != nil || got.ID != task.ID {
		t.Errorf("owner read failed: %v", err)
	}

	if _, err := svc.GetTask(ctx, "owner-2", true, task.ID); err != nil {
		t.Errorf("admin read should bypass scope, got %v", err)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService()
	ctx := context.Background()

	task, err := svc.SendMessage(ctx, SendMessageParams{OwnerKey: "owner-1", RequestMessage: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// submitted -> canceled is legal.
	canceled, err := svc.CancelTask(ctx, "owner-1", false, task.ID, "cancel")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	// canceled is terminal: no further transition allowed.
	if err := svc.transition(ctx, canceled, gateway.TaskWorking, "retry"); err != gateway.ErrInvalidTaskState {
		t.Errorf("got %v, want ErrInvalidTaskState", err)
	}
}

func TestSubscribeReceivesLiveEvent(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService()
	ctx := context.Background()

	task, err := svc.SendMessage(ctx, SendMessageParams{OwnerKey: "owner-1", RequestMessage: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ch, cancel, err := svc.Subscribe(ctx, "owner-1", false, task.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := svc.transition(ctx, task, gateway.TaskWorking, "start"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	select {
	case e := <-ch:
		if e.EventType != "task-status-update" {
			t.Errorf("event type = %q", e.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}
