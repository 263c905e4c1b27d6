package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/plexus/internal"
)

// CreatePushConfigParams is the caller-supplied subset of an A2APushConfig.
type CreatePushConfigParams struct {
	Endpoint       string
	Authentication *gateway.A2APushAuth
	Metadata       json.RawMessage
}

// CreatePushConfig registers a push-notification webhook for a task. When
// Authentication is set and no encryption key is available, creation is
// refused per spec.md §4.7 ("otherwise refuse to create push configs
// carrying authentication").
func (s *Service) CreatePushConfig(ctx context.Context, ownerKey string, isAdmin bool, taskID string, p CreatePushConfigParams) (*gateway.A2APushConfig, error) {
	if _, err := s.GetTask(ctx, ownerKey, isAdmin, taskID); err != nil {
		return nil, err
	}

	var encrypted []byte
	if p.Authentication != nil {
		if s.encryptionKey == nil {
			return nil, fmt.Errorf("%w: push authentication requires an encryption key", gateway.ErrInternal)
		}
		raw, err := json.Marshal(p.Authentication)
		if err != nil {
			return nil, err
		}
		blob, err := encrypt(s.encryptionKey, raw)
		if err != nil {
			return nil, err
		}
		encrypted = []byte(blob)
	}

	now := time.Now().UTC()
	cfg := &gateway.A2APushConfig{
		TaskID:    taskID,
		ConfigID:  uuid.Must(uuid.NewV7()).String(),
		OwnerKey:  ownerKey,
		Endpoint:  p.Endpoint,
		Metadata:  p.Metadata,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.pushConfigs.CreatePushConfig(ctx, cfg, encrypted); err != nil {
		return nil, err
	}
	cfg.Authentication = p.Authentication
	return cfg, nil
}

// GetPushConfig retrieves and decrypts a single push config.
func (s *Service) GetPushConfig(ctx context.Context, ownerKey string, isAdmin bool, taskID, configID string) (*gateway.A2APushConfig, error) {
	if _, err := s.GetTask(ctx, ownerKey, isAdmin, taskID); err != nil {
		return nil, err
	}
	cfg, blob, err := s.pushConfigs.GetPushConfig(ctx, taskID, configID)
	if err != nil {
		return nil, err
	}
	if err := s.decryptInto(cfg, blob); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListPushConfigs returns all push configs for a task, decrypted.
func (s *Service) ListPushConfigs(ctx context.Context, ownerKey string, isAdmin bool, taskID string) ([]gateway.A2APushConfig, error) {
	if _, err := s.GetTask(ctx, ownerKey, isAdmin, taskID); err != nil {
		return nil, err
	}
	configs, blobs, err := s.pushConfigs.ListPushConfigs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if err := s.decryptInto(&configs[i], blobs[i]); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// DeletePushConfig removes a push config.
func (s *Service) DeletePushConfig(ctx context.Context, ownerKey string, isAdmin bool, taskID, configID string) error {
	if _, err := s.GetTask(ctx, ownerKey, isAdmin, taskID); err != nil {
		return err
	}
	return s.pushConfigs.DeletePushConfig(ctx, taskID, configID)
}

// decryptInto decrypts blob (if encrypted) and unmarshals it onto cfg.Authentication.
func (s *Service) decryptInto(cfg *gateway.A2APushConfig, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	raw, err := decrypt(s.encryptionKey, blob)
	if err != nil {
		return err
	}
	var auth gateway.A2APushAuth
	if err := json.Unmarshal(raw, &auth); err != nil {
		return fmt.Errorf("unmarshal push auth: %w", err)
	}
	cfg.Authentication = &auth
	return nil
}
