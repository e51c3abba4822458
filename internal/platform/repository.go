package platform

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository persists device values and app settings.
type Repository interface {
	// LoadDevice returns the persisted capability and store values of a device.
	LoadDevice(ctx context.Context, deviceID string) (caps, store map[string]any, err error)

	// SaveCapability upserts one capability value.
	SaveCapability(ctx context.Context, deviceID, name string, value any) error

	// SaveStoreValue upserts one store value.
	SaveStoreValue(ctx context.Context, deviceID, key string, value any) error

	// DeleteDevice removes every value of a device.
	DeleteDevice(ctx context.Context, deviceID string) error

	// GetSetting returns an app setting. Returns ErrSettingNotFound if unset.
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting upserts an app setting.
	SetSetting(ctx context.Context, key, value string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// LoadDevice returns the persisted values of deviceID. Values are decoded
// from JSON, so numbers come back as float64.
func (r *SQLiteRepository) LoadDevice(ctx context.Context, deviceID string) (map[string]any, map[string]any, error) {
	caps, err := r.loadValues(ctx, `SELECT name, value FROM capability_values WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading capabilities: %w", err)
	}
	store, err := r.loadValues(ctx, `SELECT key, value FROM store_values WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading store: %w", err)
	}
	return caps, store, nil
}

func (r *SQLiteRepository) loadValues(ctx context.Context, query, deviceID string) (map[string]any, error) {
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		out[name] = v
	}
	return out, rows.Err()
}

// SaveCapability upserts one capability value.
func (r *SQLiteRepository) SaveCapability(ctx context.Context, deviceID, name string, value any) error {
	return r.upsert(ctx, `
		INSERT INTO capability_values (device_id, name, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, name) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at`,
		deviceID, name, value)
}

// SaveStoreValue upserts one store value.
func (r *SQLiteRepository) SaveStoreValue(ctx context.Context, deviceID, key string, value any) error {
	return r.upsert(ctx, `
		INSERT INTO store_values (device_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at`,
		deviceID, key, value)
}

func (r *SQLiteRepository) upsert(ctx context.Context, query, deviceID, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", name, err)
	}
	if _, err := r.db.ExecContext(ctx, query, deviceID, name, string(raw), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("saving %s: %w", name, err)
	}
	return nil
}

// DeleteDevice removes every value of deviceID.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, deviceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM capability_values WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting capabilities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM store_values WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting store: %w", err)
	}
	return tx.Commit()
}

// GetSetting returns an app setting.
func (r *SQLiteRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts an app setting.
func (r *SQLiteRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}
	return nil
}
