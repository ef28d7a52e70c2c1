package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/outbox"
)

var queueColumns = []string{
	"id", "idempotency_key", "kind", "payload", "created_at", "retry_count", "next_retry_at",
}

// InsertQueueEntry stores e and then applies retention in the same
// transaction.
func (db *DB) InsertQueueEntry(ctx context.Context, e outbox.Entry, maxDays, maxRecords int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var next interface{}
	if e.NextRetryAt != nil {
		next = toMillis(*e.NextRetryAt)
	}
	query, args, err := builder.Insert("queue").
		Columns(queueColumns...).
		Values(e.ID, e.IdempotencyKey, string(e.Kind), string(e.Payload), toMillis(e.CreatedAt), e.RetryCount, next).
		ToSql()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to insert queue entry: %w", err)
	}

	pruned, err := db.pruneQueue(ctx, tx, maxDays, maxRecords)
	if err != nil {
		return 0, err
	}
	return pruned, tx.Commit()
}

// PruneQueue applies age and count retention to the queue.
func (db *DB) PruneQueue(ctx context.Context, maxDays, maxRecords int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	n, err := db.pruneQueue(ctx, tx, maxDays, maxRecords)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (db *DB) pruneQueue(ctx context.Context, tx *sql.Tx, maxDays, maxRecords int) (int64, error) {
	var total int64
	if cutoff, ok := db.retentionCutoff(maxDays); ok {
		query, args, err := builder.Delete("queue").Where(sq.Lt{"created_at": toMillis(cutoff)}).ToSql()
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to prune queue by age: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	n, err := db.evictOldest(tx, "queue", "created_at", maxRecords)
	return total + n, err
}

// DueQueueEntries returns entries whose next retry time has passed, oldest
// first.
func (db *DB) DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	q := builder.Select(queueColumns...).
		From("queue").
		Where(sq.Or{sq.Eq{"next_retry_at": nil}, sq.LtOrEq{"next_retry_at": toMillis(now)}}).
		OrderBy("created_at ASC", "rowid ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.queryQueue(ctx, q)
}

// QueueEntries returns up to limit entries, most recent first.
func (db *DB) QueueEntries(ctx context.Context, limit int) ([]outbox.Entry, error) {
	q := builder.Select(queueColumns...).From("queue").OrderBy("created_at DESC", "rowid DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.queryQueue(ctx, q)
}

func (db *DB) queryQueue(ctx context.Context, q sq.SelectBuilder) ([]outbox.Entry, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e         outbox.Entry
			kind      string
			payload   string
			createdAt int64
			next      sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &kind, &payload, &createdAt, &e.RetryCount, &next); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Kind = event.Kind(kind)
		e.Payload = []byte(payload)
		e.CreatedAt = fromMillis(createdAt)
		if next.Valid {
			t := fromMillis(next.Int64)
			e.NextRetryAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteQueueEntries removes the given entries.
func (db *DB) DeleteQueueEntries(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := builder.Delete("queue").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete queue entries: %w", err)
	}
	return nil
}

// UpdateQueueRetry records a failed attempt. Retry count and next retry time
// only move forward; an update that would move either backwards is ignored.
func (db *DB) UpdateQueueRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	next := toMillis(nextRetryAt)
	query, args, err := builder.Update("queue").
		Set("retry_count", retryCount).
		Set("next_retry_at", next).
		Where(sq.Eq{"id": id}).
		Where(sq.LtOrEq{"retry_count": retryCount}).
		Where(sq.Or{sq.Eq{"next_retry_at": nil}, sq.LtOrEq{"next_retry_at": next}}).
		ToSql()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update queue entry %s: %w", id, err)
	}
	return nil
}

// ClearQueue deletes every entry.
func (db *DB) ClearQueue(ctx context.Context) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.ExecContext(ctx, "DELETE FROM queue")
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	return res.RowsAffected()
}

// CountQueue returns the number of queued entries.
func (db *DB) CountQueue(ctx context.Context) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

var _ outbox.Store = (*DB)(nil)
