package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/timeutil"
)

var (
	// ErrNotAcknowledged is returned by SyncNow when the endpoint answered
	// but did not accept the event.
	ErrNotAcknowledged = errors.New("delivery not acknowledged")
	// ErrNoTransport is returned when the queue has nowhere to deliver to.
	ErrNoTransport = errors.New("no transport configured")
)

// Queue applies retry bookkeeping on top of a Store.
type Queue struct {
	store     Store
	transport Transport
	cfg       config.Source
	clock     timeutil.Clock
	metrics   *monitoring.Metrics

	flushMu sync.Mutex // held for the duration of one AttemptBatchSync
	newID   func() string
}

// NewQueue wires a queue. A nil clock uses the real clock; metrics may be nil.
func NewQueue(store Store, transport Transport, cfg config.Source, clock timeutil.Clock, metrics *monitoring.Metrics) *Queue {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Queue{
		store:     store,
		transport: transport,
		cfg:       cfg,
		clock:     clock,
		metrics:   metrics,
		newID:     uuid.NewString,
	}
}

// Enqueue stores rec for later delivery with retry count 0, eligible now,
// and applies retention. An empty idempotencyKey defaults to the record ID.
func (q *Queue) Enqueue(ctx context.Context, rec event.Record, idempotencyKey string) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}
	if idempotencyKey == "" {
		idempotencyKey = rec.ID
	}

	now := q.clock.Now()
	e := Entry{
		ID:             q.newID(),
		IdempotencyKey: idempotencyKey,
		Kind:           rec.Kind,
		Payload:        payload,
		CreatedAt:      now,
		NextRetryAt:    &now,
	}

	cfg := q.cfg.Current()
	pruned, err := q.store.InsertQueueEntry(ctx, e, cfg.GetQueueMaxDays(), cfg.GetQueueMaxRecords())
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", rec.Kind, err)
	}
	if pruned > 0 {
		monitoring.Warnf("outbox: retention evicted %d queued entries", pruned)
	}
	q.metrics.OutboxEnqueued()
	return e.ID, nil
}

// SyncResult summarises one AttemptBatchSync.
type SyncResult struct {
	Attempted int
	Delivered int
	Failed    int
	Dropped   int
	// Busy is set when another flush was already running and this call did
	// nothing.
	Busy bool
}

// AttemptBatchSync delivers every due entry, oldest first, in sub-batches of
// max_batch_size. Acknowledged entries are removed; the rest have their
// retry count bumped and are rescheduled, or dropped once they reach
// max_retry. A transport error fails the current sub-batch and ends the
// flush, leaving later entries untouched so ordering is kept.
//
// Only one flush runs at a time; concurrent callers return immediately with
// Busy set.
func (q *Queue) AttemptBatchSync(ctx context.Context) (SyncResult, error) {
	if !q.flushMu.TryLock() {
		return SyncResult{Busy: true}, nil
	}
	defer q.flushMu.Unlock()

	if q.transport == nil {
		return SyncResult{}, ErrNoTransport
	}

	cfg := q.cfg.Current()
	if n, err := q.store.PruneQueue(ctx, cfg.GetQueueMaxDays(), cfg.GetQueueMaxRecords()); err != nil {
		monitoring.Warnf("outbox: prune failed: %v", err)
	} else if n > 0 {
		monitoring.Warnf("outbox: retention evicted %d queued entries", n)
	}

	now := q.clock.Now()
	due, err := q.store.DueQueueEntries(ctx, now, 0)
	if err != nil {
		return SyncResult{}, fmt.Errorf("read due entries: %w", err)
	}

	var res SyncResult
	size := cfg.GetMaxBatchSize()
	for start := 0; start < len(due); start += size {
		end := start + size
		if end > len(due) {
			end = len(due)
		}
		if err := q.syncChunk(ctx, cfg, now, due[start:end], &res); err != nil {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

func (q *Queue) syncChunk(ctx context.Context, cfg *config.Config, now time.Time, chunk []Entry, res *SyncResult) error {
	deliveries := make([]Delivery, 0, len(chunk))
	pending := make([]Entry, 0, len(chunk))
	for _, e := range chunk {
		d, err := deliveryFor(e)
		if err != nil {
			monitoring.Warnf("outbox: skipping malformed entry %s: %v", e.ID, err)
			q.fail(ctx, cfg, now, e, res)
			continue
		}
		deliveries = append(deliveries, d)
		pending = append(pending, e)
	}
	if len(deliveries) == 0 {
		return nil
	}
	res.Attempted += len(deliveries)

	acks, err := q.transport.Send(ctx, deliveries)
	if err != nil {
		for _, e := range pending {
			q.fail(ctx, cfg, now, e, res)
		}
		return fmt.Errorf("deliver batch of %d: %w", len(deliveries), err)
	}

	okID := make(map[string]bool, len(acks))
	okKey := make(map[string]bool, len(acks))
	for _, a := range acks {
		if !a.OK {
			continue
		}
		if a.ID != "" {
			okID[a.ID] = true
		}
		if a.IdempotencyKey != "" {
			okKey[a.IdempotencyKey] = true
		}
	}

	var delivered []string
	for _, e := range pending {
		if okID[e.ID] || okKey[e.IdempotencyKey] {
			delivered = append(delivered, e.ID)
			continue
		}
		q.fail(ctx, cfg, now, e, res)
	}
	if len(delivered) > 0 {
		if err := q.store.DeleteQueueEntries(ctx, delivered...); err != nil {
			// They will be sent again; the idempotency key lets the
			// endpoint discard the duplicates.
			monitoring.Warnf("outbox: failed to remove %d delivered entries: %v", len(delivered), err)
		}
		res.Delivered += len(delivered)
		q.metrics.OutboxDelivered(len(delivered))
	}
	return nil
}

// fail records one failed attempt for e.
func (q *Queue) fail(ctx context.Context, cfg *config.Config, now time.Time, e Entry, res *SyncResult) {
	retry := e.RetryCount + 1
	if retry >= cfg.GetMaxRetry() {
		if err := q.store.DeleteQueueEntries(ctx, e.ID); err != nil {
			monitoring.Warnf("outbox: failed to drop entry %s: %v", e.ID, err)
			return
		}
		monitoring.Warnf("outbox: dropped %s entry %s (key %s) after %d attempts", e.Kind, e.ID, e.IdempotencyKey, retry)
		res.Dropped++
		q.metrics.OutboxDropped()
		return
	}

	next := now.Add(Backoff(retry, cfg.GetRetryDelay(), cfg.GetMaxRetryDelay()))
	if e.NextRetryAt != nil && !next.After(*e.NextRetryAt) {
		next = e.NextRetryAt.Add(time.Millisecond)
	}
	if err := q.store.UpdateQueueRetry(ctx, e.ID, retry, next); err != nil {
		monitoring.Warnf("outbox: failed to reschedule entry %s: %v", e.ID, err)
		return
	}
	res.Failed++
	q.metrics.OutboxFailed(1)
}

// deliveryFor decodes a stored payload back into a Delivery. The payload is
// a full record so it is validated before anything is sent.
func deliveryFor(e Entry) (Delivery, error) {
	var rec event.Record
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return Delivery{}, err
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return Delivery{}, err
	}
	return Delivery{ID: e.ID, IdempotencyKey: e.IdempotencyKey, Kind: rec.Kind, Data: env.Data}, nil
}

// SyncNow delivers rec straight away, outside the queue, bounded by
// http_timeout. On error the caller should Enqueue the record.
func (q *Queue) SyncNow(ctx context.Context, rec event.Record) error {
	if q.transport == nil {
		return ErrNoTransport
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}
	d, err := deliveryFor(Entry{ID: rec.ID, IdempotencyKey: rec.ID, Payload: payload})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.Current().GetHTTPTimeout())
	defer cancel()
	acks, err := q.transport.Send(ctx, []Delivery{d})
	if err != nil {
		return fmt.Errorf("sync %s %s: %w", rec.Kind, rec.ID, err)
	}
	for _, a := range acks {
		if a.OK && (a.ID == d.ID || a.IdempotencyKey == d.IdempotencyKey) {
			q.metrics.OutboxDelivered(1)
			return nil
		}
	}
	return fmt.Errorf("sync %s %s: %w", rec.Kind, rec.ID, ErrNotAcknowledged)
}

// List returns up to limit entries, most recent first.
func (q *Queue) List(ctx context.Context, limit int) ([]Entry, error) {
	return q.store.QueueEntries(ctx, limit)
}

// Clear removes every entry and returns how many there were.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	return q.store.ClearQueue(ctx)
}

// Count returns the number of queued entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.CountQueue(ctx)
}
