package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

// CreatePushConfig inserts an a2a_push_notification_configs row. The caller
// (internal/a2a) is responsible for encrypting authentication before this
// call; encryptedAuth is stored verbatim.
func (s *Store) CreatePushConfig(ctx context.Context, c *gateway.A2APushConfig, encryptedAuth []byte) error {
	metadata := nullRaw(c.Metadata)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO a2a_push_notification_configs
		 (task_id, config_id, owner_key, endpoint, authentication, metadata, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TaskID, c.ConfigID, c.OwnerKey, c.Endpoint, string(encryptedAuth), metadata,
		boolToInt(c.Enabled), now, now,
	)
	return err
}

// GetPushConfig retrieves a single push config and its encrypted auth blob.
func (s *Store) GetPushConfig(ctx context.Context, taskID, configID string) (*gateway.A2APushConfig, []byte, error) {
	row := s.read.QueryRowContext(ctx,
		pushConfigSelectCols+`FROM a2a_push_notification_configs WHERE task_id=? AND config_id=?`,
		taskID, configID,
	)
	return scanPushConfig(row)
}

// ListPushConfigs returns all push configs for a task (enabled and disabled).
func (s *Store) ListPushConfigs(ctx context.Context, taskID string) ([]gateway.A2APushConfig, [][]byte, error) {
	return s.queryPushConfigs(ctx,
		pushConfigSelectCols+`FROM a2a_push_notification_configs WHERE task_id=?`, taskID)
}

// ListEnabledPushConfigsForTask returns only enabled push configs, used by
// the delivery worker (spec.md §4.7 step 1).
func (s *Store) ListEnabledPushConfigsForTask(ctx context.Context, taskID string) ([]gateway.A2APushConfig, [][]byte, error) {
	return s.queryPushConfigs(ctx,
		pushConfigSelectCols+`FROM a2a_push_notification_configs WHERE task_id=? AND enabled=1`, taskID)
}

// DeletePushConfig removes a push config.
func (s *Store) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM a2a_push_notification_configs WHERE task_id=? AND config_id=?`, taskID, configID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "push config")
}

const pushConfigSelectCols = `SELECT task_id, config_id, owner_key, endpoint, authentication,
	metadata, enabled, created_at, updated_at `

func (s *Store) queryPushConfigs(ctx context.Context, query string, taskID string) ([]gateway.A2APushConfig, [][]byte, error) {
	rows, err := s.read.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var configs []gateway.A2APushConfig
	var blobs [][]byte
	for rows.Next() {
		c, blob, err := scanPushConfig(rows)
		if err != nil {
			return nil, nil, err
		}
		configs = append(configs, *c)
		blobs = append(blobs, blob)
	}
	return configs, blobs, rows.Err()
}

func scanPushConfig(row scanner) (*gateway.A2APushConfig, []byte, error) {
	var c gateway.A2APushConfig
	var authentication string
	var metadata sql.NullString
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(
		&c.TaskID, &c.ConfigID, &c.OwnerKey, &c.Endpoint, &authentication,
		&metadata, &enabled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, nil, notFoundErr(err)
	}

	c.Enabled = enabled != 0
	c.Metadata = nullStringToRaw(metadata)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return &c, []byte(authentication), nil
}
