package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

// maxSequenceRetries bounds the unique-constraint retry loop in AppendEvent
// per spec.md §4.7 "Event sequencing".
const maxSequenceRetries = 5

// AppendEvent inserts an event at max(sequence)+1 for the task, retrying on
// a unique-constraint race (spec.md §4.7).
func (s *Store) AppendEvent(ctx context.Context, taskID, eventType string, payload []byte) (*gateway.A2ATaskEvent, error) {
	var last error
	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		seq, err := s.nextSequence(ctx, taskID)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		_, err = s.write.ExecContext(ctx,
			`INSERT INTO a2a_task_events (task_id, sequence, event_type, payload, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			taskID, seq, eventType, string(payload), now.Format(time.RFC3339Nano),
		)
		if err == nil {
			return &gateway.A2ATaskEvent{
				TaskID: taskID, Sequence: seq, EventType: eventType,
				Payload: payload, CreatedAt: now,
			}, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		last = err
	}
	return nil, fmt.Errorf("append event: exhausted %d retries: %w", maxSequenceRetries, last)
}

func (s *Store) nextSequence(ctx context.Context, taskID string) (int64, error) {
	var max sql.NullInt64
	err := s.read.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM a2a_task_events WHERE task_id=?`, taskID,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// ListEvents returns events with sequence > afterSequence, oldest first,
// capped at limit.
func (s *Store) ListEvents(ctx context.Context, taskID string, afterSequence int64, limit int) ([]gateway.A2ATaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT task_id, sequence, event_type, payload, created_at
		 FROM a2a_task_events WHERE task_id=? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		taskID, afterSequence, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.A2ATaskEvent
	for rows.Next() {
		var e gateway.A2ATaskEvent
		var payload, createdAt string
		if err := rows.Scan(&e.TaskID, &e.Sequence, &e.EventType, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
