package sqlite

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCooldownRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := gateway.CooldownKey{Provider: "openai", Model: "gpt-4o", AccountID: "acct-1"}
	now := time.Now()
	expiry := now.Add(time.Minute).UnixMilli()

	if err := s.UpsertCooldown(ctx, key, expiry); err != nil {
		t.Fatalf("UpsertCooldown: %v", err)
	}

	entries, err := s.LoadCooldowns(ctx, now.UnixMilli())
	if err != nil {
		t.Fatalf("LoadCooldowns: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].CooldownKey != key {
		t.Errorf("key = %+v, want %+v", entries[0].CooldownKey, key)
	}
	if entries[0].ExpiryEpochMs != expiry {
		t.Errorf("expiry = %d, want %d", entries[0].ExpiryEpochMs, expiry)
	}

	if err := s.DeleteCooldown(ctx, key); err != nil {
		t.Fatalf("DeleteCooldown: %v", err)
	}
	entries, err = s.LoadCooldowns(ctx, now.UnixMilli())
	if err != nil {
		t.Fatalf("LoadCooldowns after delete: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) after delete = %d, want 0", len(entries))
	}
}

func TestLoadCooldownsPurgesExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := gateway.CooldownKey{Provider: "anthropic", Model: "claude-3-5-sonnet", AccountID: "acct-2"}
	past := time.Now().Add(-time.Minute).UnixMilli()
	if err := s.UpsertCooldown(ctx, key, past); err != nil {
		t.Fatalf("UpsertCooldown: %v", err)
	}

	entries, err := s.LoadCooldowns(ctx, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("LoadCooldowns: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0 (expired row should be purged, not returned)", len(entries))
	}
}

func newTestTask(id string) *gateway.A2ATask {
	now := time.Now().UTC().Truncate(time.Second)
	return &gateway.A2ATask{
		ID:             id,
		ContextID:      "ctx-1",
		OwnerKey:       "owner-1",
		AgentID:        "agent-1",
		Status:         gateway.TaskStatus{State: gateway.TaskSubmitted, Timestamp: now},
		RequestMessage: []byte(`{"message":"hello"}`),
		SubmittedAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("task-1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.OwnerKey != task.OwnerKey || got.AgentID != task.AgentID {
		t.Errorf("got = %+v, want owner/agent from %+v", got, task)
	}
	if string(got.RequestMessage) != string(task.RequestMessage) {
		t.Errorf("RequestMessage = %q, want %q", got.RequestMessage, task.RequestMessage)
	}
	if got.Status.State != gateway.TaskSubmitted {
		t.Errorf("Status.State = %q, want %q", got.Status.State, gateway.TaskSubmitted)
	}

	started := time.Now().UTC()
	got.Status = gateway.TaskStatus{State: gateway.TaskWorking, Timestamp: started}
	got.StartedAt = &started
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	updated, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask after update: %v", err)
	}
	if updated.Status.State != gateway.TaskWorking {
		t.Errorf("Status.State after update = %q, want %q", updated.Status.State, gateway.TaskWorking)
	}
	if updated.StartedAt == nil {
		t.Error("StartedAt should be set after update")
	}
}

func TestGetTaskByIdempotencyKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("task-idem")
	task.IdempotencyKey = "scoped-key-abc"
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTaskByIdempotencyKey(ctx, "scoped-key-abc")
	if err != nil {
		t.Fatalf("GetTaskByIdempotencyKey: %v", err)
	}
	if got.ID != "task-idem" {
		t.Errorf("ID = %q, want task-idem", got.ID)
	}
}

func TestListTasksScopesByOwner(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	taskA := newTestTask("task-a")
	taskA.OwnerKey = "owner-a"
	taskB := newTestTask("task-b")
	taskB.OwnerKey = "owner-b"
	if err := s.CreateTask(ctx, taskA); err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	if err := s.CreateTask(ctx, taskB); err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}

	ownerTasks, err := s.ListTasks(ctx, "owner-a", false, 0, 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(ownerTasks) != 1 || ownerTasks[0].ID != "task-a" {
		t.Errorf("owner-scoped ListTasks = %+v, want only task-a", ownerTasks)
	}

	allTasks, err := s.ListTasks(ctx, "owner-a", true, 0, 10)
	if err != nil {
		t.Fatalf("ListTasks admin: %v", err)
	}
	if len(allTasks) != 2 {
		t.Errorf("admin ListTasks len = %d, want 2", len(allTasks))
	}
}

func TestClearExpiredIdempotencyKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestTask("task-old")
	old.IdempotencyKey = "old-key"
	old.SubmittedAt = time.Now().Add(-48 * time.Hour).UTC()
	if err := s.CreateTask(ctx, old); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := s.ClearExpiredIdempotencyKeys(ctx, time.Now().Add(-time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("ClearExpiredIdempotencyKeys: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}

	got, err := s.GetTask(ctx, "task-old")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.IdempotencyKey != "" {
		t.Errorf("IdempotencyKey = %q, want cleared", got.IdempotencyKey)
	}
}

func TestTaskEventAppendAndList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("task-events")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	e1, err := s.AppendEvent(ctx, "task-events", "status-update", []byte(`{"state":"working"}`))
	if err != nil {
		t.Fatalf("AppendEvent 1: %v", err)
	}
	if e1.Sequence != 1 {
		t.Errorf("first event sequence = %d, want 1", e1.Sequence)
	}

	e2, err := s.AppendEvent(ctx, "task-events", "status-update", []byte(`{"state":"completed"}`))
	if err != nil {
		t.Fatalf("AppendEvent 2: %v", err)
	}
	if e2.Sequence != 2 {
		t.Errorf("second event sequence = %d, want 2", e2.Sequence)
	}

	events, err := s.ListEvents(ctx, "task-events", 0, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}

	afterFirst, err := s.ListEvents(ctx, "task-events", 1, 10)
	if err != nil {
		t.Fatalf("ListEvents afterSequence=1: %v", err)
	}
	if len(afterFirst) != 1 || afterFirst[0].Sequence != 2 {
		t.Errorf("ListEvents afterSequence=1 = %+v, want only sequence 2", afterFirst)
	}
}

func TestPushConfigRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("task-push")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	cfg := &gateway.A2APushConfig{
		TaskID:   "task-push",
		ConfigID: "cfg-1",
		OwnerKey: "owner-1",
		Endpoint: "https://example.com/webhook",
		Enabled:  true,
	}
	blob := []byte("encrypted-blob")
	if err := s.CreatePushConfig(ctx, cfg, blob); err != nil {
		t.Fatalf("CreatePushConfig: %v", err)
	}

	got, gotBlob, err := s.GetPushConfig(ctx, "task-push", "cfg-1")
	if err != nil {
		t.Fatalf("GetPushConfig: %v", err)
	}
	if got.Endpoint != cfg.Endpoint {
		t.Errorf("Endpoint = %q, want %q", got.Endpoint, cfg.Endpoint)
	}
	if string(gotBlob) != string(blob) {
		t.Errorf("blob = %q, want %q", gotBlob, blob)
	}

	list, blobs, err := s.ListPushConfigs(ctx, "task-push")
	if err != nil {
		t.Fatalf("ListPushConfigs: %v", err)
	}
	if len(list) != 1 || len(blobs) != 1 {
		t.Fatalf("ListPushConfigs len = %d/%d, want 1/1", len(list), len(blobs))
	}

	if err := s.DeletePushConfig(ctx, "task-push", "cfg-1"); err != nil {
		t.Fatalf("DeletePushConfig: %v", err)
	}
	if _, _, err := s.GetPushConfig(ctx, "task-push", "cfg-1"); err == nil {
		t.Error("GetPushConfig after delete should error")
	}
}

func TestUsageInsertAndSumCost(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	records := []gateway.UsageRecord{
		{RequestID: "req-1", Date: "2026-07-31", APIKey: "key-1", CostTotal: 0.5, StartTime: time.Now()},
		{RequestID: "req-2", Date: "2026-07-31", APIKey: "key-1", CostTotal: 1.25, StartTime: time.Now()},
		{RequestID: "req-3", Date: "2026-07-31", APIKey: "key-2", CostTotal: 9.0, StartTime: time.Now()},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	sum, err := s.SumCost(ctx, "key-1")
	if err != nil {
		t.Fatalf("SumCost: %v", err)
	}
	if sum != 1.75 {
		t.Errorf("SumCost(key-1) = %v, want 1.75", sum)
	}
}
