package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const odometerKey = "odometer_meters"

// Setting returns the stored value for key and whether it was present.
func (db *DB) Setting(ctx context.Context, key string) (string, bool, error) {
	query, args, err := builder.Select("value").From("settings").Where("key = ?", key).ToSql()
	if err != nil {
		return "", false, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	var v string
	err = db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return v, true, nil
}

// PutSetting upserts key.
func (db *DB) PutSetting(ctx context.Context, key, value string) error {
	query, args, err := builder.Insert("settings").
		Columns("key", "value", "updated_at").
		Values(key, value, toMillis(db.now())).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// LoadOdometer returns the persisted odometer, or 0 if none was saved.
func (db *DB) LoadOdometer(ctx context.Context) (float64, error) {
	v, ok, err := db.Setting(ctx, odometerKey)
	if err != nil || !ok {
		return 0, err
	}
	m, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("stored odometer %q: %w", v, err)
	}
	return m, nil
}

// SaveOdometer persists the odometer in meters.
func (db *DB) SaveOdometer(ctx context.Context, meters float64) error {
	return db.PutSetting(ctx, odometerKey, strconv.FormatFloat(meters, 'f', -1, 64))
}
