// Package outbox is the durable retry queue for events bound for the remote
// endpoint. Entries stay queued until the endpoint acknowledges them, the
// queue is cleared, retention evicts them, or they exhaust their retries.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/banshee-data/locus/internal/event"
)

// Entry is one queued event.
type Entry struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           event.Kind      `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryCount     int             `json:"retry_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"` // nil means eligible now
}

// Due reports whether the entry may be attempted at now.
func (e Entry) Due(now time.Time) bool {
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

// Store persists queue entries. Implementations serialise writes.
type Store interface {
	// InsertQueueEntry adds e, then applies age and count retention.
	// It returns how many entries retention removed.
	InsertQueueEntry(ctx context.Context, e Entry, maxDays, maxRecords int) (int64, error)
	// DueQueueEntries returns entries eligible at now, oldest first.
	// A non-positive limit returns all of them.
	DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	DeleteQueueEntries(ctx context.Context, ids ...string) error
	UpdateQueueRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error
	PruneQueue(ctx context.Context, maxDays, maxRecords int) (int64, error)
	// QueueEntries returns up to limit entries, most recent first.
	QueueEntries(ctx context.Context, limit int) ([]Entry, error)
	ClearQueue(ctx context.Context) (int64, error)
	CountQueue(ctx context.Context) (int, error)
}

// Delivery is one event handed to the transport.
type Delivery struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           event.Kind      `json:"type"`
	Data           json.RawMessage `json:"data"`
}

// Ack is the endpoint's verdict on one delivery, matched back by ID or
// idempotency key.
type Ack struct {
	ID             string `json:"id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	OK             bool   `json:"ok"`
}

// Transport delivers batches to the remote endpoint. An error means the
// request as a whole failed; otherwise acks report per-delivery outcomes
// and any delivery without a positive ack is treated as failed.
type Transport interface {
	Send(ctx context.Context, batch []Delivery) ([]Ack, error)
}
