package db

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// LogEntry is one line of the persistent log.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// AppendLog stores a log line and drops lines older than maxDays.
func (db *DB) AppendLog(ctx context.Context, level, message string, maxDays int) error {
	query, args, err := builder.Insert("logs").
		Columns("ts", "level", "message").
		Values(toMillis(db.now()), level, message).
		ToSql()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	if cutoff, ok := db.retentionCutoff(maxDays); ok {
		query, args, err := builder.Delete("logs").Where(sq.Lt{"ts": toMillis(cutoff)}).ToSql()
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to prune logs: %w", err)
		}
	}
	return nil
}

// Logs returns up to limit lines, most recent first, optionally restricted to
// the given levels.
func (db *DB) Logs(ctx context.Context, limit int, levels ...string) ([]LogEntry, error) {
	q := builder.Select("id", "ts", "level", "message").From("logs").OrderBy("id DESC")
	if len(levels) > 0 {
		q = q.Where(sq.Eq{"level": levels})
	}
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
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearLogs deletes the persistent log.
func (db *DB) ClearLogs(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.ExecContext(ctx, "DELETE FROM logs")
	return err
}
