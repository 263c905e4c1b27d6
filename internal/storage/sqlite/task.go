package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

// CreateTask inserts a new a2a_tasks row.
func (s *Store) CreateTask(ctx context.Context, t *gateway.A2ATask) error {
	artifacts := nullRaw(t.Artifacts)
	metadata := nullRaw(t.Metadata)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO a2a_tasks
		 (id, context_id, owner_key, owner_attribution, agent_id, status, status_timestamp,
		  status_message, request_message, artifacts, metadata, idempotency_key,
		  error_code, error_message, submitted_at, started_at, completed_at, canceled_at,
		  created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContextID, t.OwnerKey, nullStr(t.OwnerAttribution), t.AgentID,
		string(t.Status.State), t.Status.Timestamp.UTC().Format(time.RFC3339Nano), nullStr(t.Status.Message),
		string(t.RequestMessage), artifacts, metadata, nullIdemKey(t.IdempotencyKey),
		nullStr(t.ErrorCode), nullStr(t.ErrorMessage),
		t.SubmittedAt.UTC().Format(time.RFC3339Nano), timePtrToStr(t.StartedAt),
		timePtrToStr(t.CompletedAt), timePtrToStr(t.CanceledAt),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*gateway.A2ATask, error) {
	row := s.read.QueryRowContext(ctx, taskSelectCols+`FROM a2a_tasks WHERE id=?`, id)
	return scanTask(row)
}

// GetTaskByIdempotencyKey retrieves a task by its scoped idempotency key.
func (s *Store) GetTaskByIdempotencyKey(ctx context.Context, scopedKey string) (*gateway.A2ATask, error) {
	row := s.read.QueryRowContext(ctx, taskSelectCols+`FROM a2a_tasks WHERE idempotency_key=?`, scopedKey)
	return scanTask(row)
}

// UpdateTask persists the current state of a task, including status
// transitions and terminal timestamps.
func (s *Store) UpdateTask(ctx context.Context, t *gateway.A2ATask) error {
	artifacts := nullRaw(t.Artifacts)
	metadata := nullRaw(t.Metadata)
	result, err := s.write.ExecContext(ctx,
		`UPDATE a2a_tasks SET status=?, status_timestamp=?, status_message=?,
		 artifacts=?, metadata=?, idempotency_key=?, error_code=?, error_message=?,
		 started_at=?, completed_at=?, canceled_at=?, updated_at=?
		 WHERE id=?`,
		string(t.Status.State), t.Status.Timestamp.UTC().Format(time.RFC3339Nano), nullStr(t.Status.Message),
		artifacts, metadata, nullIdemKey(t.IdempotencyKey),
		nullStr(t.ErrorCode), nullStr(t.ErrorMessage),
		timePtrToStr(t.StartedAt), timePtrToStr(t.CompletedAt), timePtrToStr(t.CanceledAt),
		time.Now().UTC().Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "task")
}

// ListTasks returns tasks owned by ownerKey, or all tasks when isAdmin.
func (s *Store) ListTasks(ctx context.Context, ownerKey string, isAdmin bool, offset, limit int) ([]*gateway.A2ATask, error) {
	var rows *sql.Rows
	var err error
	if isAdmin {
		rows, err = s.read.QueryContext(ctx,
			taskSelectCols+`FROM a2a_tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		rows, err = s.read.QueryContext(ctx,
			taskSelectCols+`FROM a2a_tasks WHERE owner_key=? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			ownerKey, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.A2ATask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClearExpiredIdempotencyKeys nulls idempotency_key on rows whose
// submitted_at predates cutoff (epoch ms), per the lazy sweeper in
// spec.md §4.7.
func (s *Store) ClearExpiredIdempotencyKeys(ctx context.Context, cutoff int64) (int, error) {
	cutoffStr := time.UnixMilli(cutoff).UTC().Format(time.RFC3339Nano)
	result, err := s.write.ExecContext(ctx,
		`UPDATE a2a_tasks SET idempotency_key=NULL
		 WHERE idempotency_key IS NOT NULL AND submitted_at < ?`, cutoffStr)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

const taskSelectCols = `SELECT id, context_id, owner_key, owner_attribution, agent_id,
	status, status_timestamp, status_message, request_message, artifacts, metadata,
	idempotency_key, error_code, error_message, submitted_at, started_at, completed_at,
	canceled_at, created_at, updated_at `

func scanTask(row scanner) (*gateway.A2ATask, error) {
	var t gateway.A2ATask
	var ownerAttribution, statusMessage, artifacts, metadata sql.NullString
	var idempotencyKey, errorCode, errorMessage sql.NullString
	var statusTimestamp, submittedAt, startedAt, completedAt, canceledAt, createdAt, updatedAt sql.NullString
	var requestMessage string
	var status string

	err := row.Scan(
		&t.ID, &t.ContextID, &t.OwnerKey, &ownerAttribution, &t.AgentID,
		&status, &statusTimestamp, &statusMessage, &requestMessage, &artifacts, &metadata,
		&idempotencyKey, &errorCode, &errorMessage, &submittedAt, &startedAt, &completedAt,
		&canceledAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	t.OwnerAttribution = ownerAttribution.String
	t.Status.State = gateway.TaskState(status)
	t.Status.Message = statusMessage.String
	if ts := parseTime(statusTimestamp); ts != nil {
		t.Status.Timestamp = *ts
	}
	t.RequestMessage = []byte(requestMessage)
	t.Artifacts = nullStringToRaw(artifacts)
	t.Metadata = nullStringToRaw(metadata)
	t.IdempotencyKey = idempotencyKey.String
	t.ErrorCode = errorCode.String
	t.ErrorMessage = errorMessage.String
	if ts := parseTime(submittedAt); ts != nil {
		t.SubmittedAt = *ts
	}
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	t.CanceledAt = parseTime(canceledAt)
	if ts := parseTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	if ts := parseTime(updatedAt); ts != nil {
		t.UpdatedAt = *ts
	}
	return &t, nil
}

// nullRaw stores a raw JSON blob as-is (no re-marshaling); spec.md §9
// "JSON-as-opaque" treats these columns as opaque canonical-JSON strings.
func nullRaw(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullStringToRaw(ns sql.NullString) []byte {
	if !ns.Valid {
		return nil
	}
	return []byte(ns.String)
}

func timePtrToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullIdemKey(k string) sql.NullString {
	if k == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: k, Valid: true}
}
