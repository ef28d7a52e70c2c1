package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
)

// InsertLocation persists rec and applies the location retention policy.
// Records without coordinates (a geofence trigger with no fix) are stored
// with NULL coordinate columns.
func (db *DB) InsertLocation(ctx context.Context, rec event.Record, maxDays, maxRecords int) (int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}

	var lat, lon, acc interface{}
	if loc, ok := rec.Location(); ok {
		lat, lon, acc = loc.Coords.Latitude, loc.Coords.Longitude, loc.Coords.Accuracy
	}

	query, args, err := builder.Insert("locations").
		Columns("id", "kind", "ts", "latitude", "longitude", "accuracy", "data", "created_at").
		Values(rec.ID, string(rec.Kind), toMillis(rec.Timestamp), lat, lon, acc, string(data), toMillis(db.now())).
		ToSql()
	if err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to insert location: %w", err)
	}
	pruned, err := db.pruneLocations(ctx, tx, maxDays, maxRecords)
	if err != nil {
		return 0, err
	}
	return pruned, tx.Commit()
}

// PruneLocations applies the retention policy without inserting.
func (db *DB) PruneLocations(ctx context.Context, maxDays, maxRecords int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	n, err := db.pruneLocations(ctx, tx, maxDays, maxRecords)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// pruneLocations ages and evicts by storage time, so a back-dated fix is
// kept for the full window after it was written.
func (db *DB) pruneLocations(ctx context.Context, tx *sql.Tx, maxDays, maxRecords int) (int64, error) {
	var total int64
	if cutoff, ok := db.retentionCutoff(maxDays); ok {
		query, args, err := builder.Delete("locations").Where(sq.Lt{"created_at": toMillis(cutoff)}).ToSql()
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to prune locations by age: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	n, err := db.evictOldest(tx, "locations", "created_at", maxRecords)
	return total + n, err
}

// Locations returns up to limit stored records, most recent first. Rows that
// no longer decode are skipped.
func (db *DB) Locations(ctx context.Context, limit int) ([]event.Record, error) {
	q := builder.Select("id", "data").From("locations").OrderBy("ts DESC", "rowid DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			monitoring.Warnf("skipping unreadable location %s: %v", id, err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountLocations returns the number of stored records.
func (db *DB) CountLocations(ctx context.Context) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM locations").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return n, nil
}

// ClearLocations deletes every stored record.
func (db *DB) ClearLocations(ctx context.Context) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.ExecContext(ctx, "DELETE FROM locations")
	if err != nil {
		return 0, fmt.Errorf("failed to clear locations: %w", err)
	}
	return res.RowsAffected()
}
