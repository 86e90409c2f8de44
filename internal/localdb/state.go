package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/shared"
)

// Namespace prefixes every key of the local state table.
const Namespace = "healthsync"

// Well-known state keys.
const (
	KeyDeviceID        = "device_id"
	KeyRegistryPointer = "registry.latest"
	KeyRegistryCache   = "registry.snapshot"
	KeyRegistryDirty   = "registry.dirty"
)

// State is the persisted key/value namespace of an installation: wrapped
// key material, device id, registry pointer and adapter checkpoints.
type State struct {
	db dbx.DBTX
}

func NewState(db dbx.DBTX) *State {
	return &State{db: db}
}

func nsKey(key string) string {
	return Namespace + "." + key
}

// Get returns common.ErrNotFound when key is absent.
func (s *State) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM local_state WHERE key=?`, nsKey(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state %q: %w", key, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read state %q: %w", key, err)
	}
	return v, nil
}

func (s *State) Set(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO local_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, nsKey(key), value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write state %q: %w", key, err)
	}
	return nil
}

func (s *State) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_state WHERE key=?`, nsKey(key)); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

// GetString is Get for text values; a missing key yields "" and no error.
func (s *State) GetString(ctx context.Context, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return "", nil
	}
	return string(v), err
}

func (s *State) SetString(ctx context.Context, key, value string) error {
	return s.Set(ctx, key, []byte(value))
}

// DeviceID returns this installation's device id, creating it on first use.
func (s *State) DeviceID(ctx context.Context) (string, error) {
	id, err := s.GetString(ctx, KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = shared.NewID(models.DevicePrefix)
	if err := s.SetString(ctx, KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}
