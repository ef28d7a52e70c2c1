package outbox_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/db"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/outbox"
	"github.com/banshee-data/locus/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records batches and answers with respond, or acks
// everything when respond is nil.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]outbox.Delivery
	respond func(batch []outbox.Delivery) ([]outbox.Ack, error)
}

func (f *fakeTransport) Send(ctx context.Context, batch []outbox.Delivery) ([]outbox.Ack, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]outbox.Delivery(nil), batch...))
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(batch)
	}
	acks := make([]outbox.Ack, len(batch))
	for i, d := range batch {
		acks[i] = outbox.Ack{ID: d.ID, OK: true}
	}
	return acks, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func rejectAll(batch []outbox.Delivery) ([]outbox.Ack, error) {
	acks := make([]outbox.Ack, len(batch))
	for i, d := range batch {
		acks[i] = outbox.Ack{ID: d.ID, OK: false}
	}
	return acks, nil
}

type fixture struct {
	db        *db.DB
	clock     *timeutil.MockClock
	transport *fakeTransport
	queue     *outbox.Queue
	cfg       *config.Config
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "locus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timeutil.NewMockClock(epoch)
	store.SetClock(clock)
	if cfg == nil {
		cfg = config.Empty()
	}
	tr := &fakeTransport{}
	return &fixture{
		db:        store,
		clock:     clock,
		transport: tr,
		queue:     outbox.NewQueue(store, tr, config.Static{Config: cfg}, clock, nil),
		cfg:       cfg,
	}
}

func record(n int) event.Record {
	return event.Record{
		ID:        fmt.Sprintf("rec-%d", n),
		Kind:      event.KindLocation,
		Timestamp: epoch,
		Payload:   &event.Location{Coords: event.Coords{Latitude: 10, Longitude: float64(n)}},
	}
}

func TestQueue_EnqueueIsImmediatelyDue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, record(1), "")
	require.NoError(t, err)

	due, err := f.db.DueQueueEntries(ctx, epoch, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
	assert.Equal(t, "rec-1", due[0].IdempotencyKey)
	assert.Equal(t, 0, due[0].RetryCount)
	assert.Equal(t, event.KindLocation, due[0].Kind)
}

func TestQueue_DeliversOldestFirstInBatches(t *testing.T) {
	f := newFixture(t, &config.Config{MaxBatchSize: config.Ptr(2)})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.queue.Enqueue(ctx, record(i), "")
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	res, err := f.queue.AttemptBatchSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Attempted)
	assert.Equal(t, 5, res.Delivered)

	require.Equal(t, 3, f.transport.calls())
	assert.Len(t, f.transport.batches[0], 2)
	assert.Len(t, f.transport.batches[2], 1)
	assert.Equal(t, "rec-0", f.transport.batches[0][0].IdempotencyKey)
	assert.Equal(t, "rec-4", f.transport.batches[2][0].IdempotencyKey)
	assert.Contains(t, string(f.transport.batches[0][0].Data), `"uuid":"rec-0"`)

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_FailureReschedules(t *testing.T) {
	f := newFixture(t, &config.Config{RetryDelay: config.Ptr("10s")})
	ctx := context.Background()
	f.transport.respond = rejectAll

	_, err := f.queue.Enqueue(ctx, record(1), "")
	require.NoError(t, err)

	res, err := f.queue.AttemptBatchSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	entries, err := f.queue.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	require.NotNil(t, entries[0].NextRetryAt)
	assert.True(t, entries[0].NextRetryAt.After(epoch))

	// Not due yet, so nothing is sent.
	res, err = f.queue.AttemptBatchSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, 1, f.transport.calls())

	f.clock.Advance(10 * time.Second)
	res, err = f.queue.AttemptBatchSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)

	entries, err = f.queue.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].RetryCount)
	assert.True(t, entries[0].NextRetryAt.Equal(epoch.Add(30*time.Second)))
}

func TestQueue_DropsAfterMaxRetry(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	monitoring.SetZap(zap.New(core))
	t.Cleanup(func() { monitoring.SetZap(nil) })

	reg := monitoring.NewMetrics(nil)
	f := newFixture(t, &config.Config{MaxRetry: config.Ptr(3), RetryDelay: config.Ptr("1s")})
	f.queue = outbox.NewQueue(f.db, f.transport, config.Static{Config: f.cfg}, f.clock, reg)
	ctx := context.Background()
	f.transport.respond = rejectAll

	_, err := f.queue.Enqueue(ctx, record(1), "")
	require.NoError(t, err)

	var dropped int
	for i := 0; i < 3; i++ {
		res, err := f.queue.AttemptBatchSync(ctx)
		require.NoError(t, err)
		dropped += res.Dropped
		f.clock.Advance(time.Hour)
	}
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 3, f.transport.calls())

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, logs.FilterMessageSnippet("dropped").Len())
}

func TestQueue_TransportErrorStopsFlush(t *testing.T) {
	f := newFixture(t, &config.Config{MaxBatchSize: config.Ptr(1)})
	ctx := context.Background()
	boom := errors.New("connection refused")
	f.transport.respond = func([]outbox.Delivery) ([]outbox.Ack, error) { return nil, boom }

	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(ctx, record(i), "")
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	res, err := f.queue.AttemptBatchSync(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, f.transport.calls())

	entries, err := f.queue.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	retries := map[string]int{}
	for _, e := range entries {
		retries[e.IdempotencyKey] = e.RetryCount
	}
	assert.Equal(t, map[string]int{"rec-0": 1, "rec-1": 0, "rec-2": 0}, retries)
}

func TestQueue_AckByIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.transport.respond = func(batch []outbox.Delivery) ([]outbox.Ack, error) {
		return []outbox.Ack{{IdempotencyKey: "custom", OK: true}}, nil
	}

	_, err := f.queue.Enqueue(ctx, record(1), "custom")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, record(2), "")
	require.NoError(t, err)

	res, err := f.queue.AttemptBatchSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)

	entries, err := f.queue.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rec-2", entries[0].IdempotencyKey)
}

func TestQueue_MalformedPayloadCountsAsAttempt(t *testing.T) {
	f := newFixture(t, &config.Config{MaxRetry: config.Ptr(1)})
	ctx := context.Background()

	now := epoch
	_, err := f.db.InsertQueueEntry(ctx, outbox.Entry{
		ID: "junk", IdempotencyKey: "junk", Kind: event.KindLocation,
		Payload: []byte(`{"type":"location"}`), CreatedAt: now, NextRetryAt: &now,
	}, 0, 0)
	require.NoError(t, err)

	res, err := f.queue.AttemptBatchSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, f.transport.calls())
}

func TestQueue_SingleFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.transport.respond = func(batch []outbox.Delivery) ([]outbox.Ack, error) {
		close(entered)
		<-release
		return nil, nil
	}
	_, err := f.queue.Enqueue(ctx, record(1), "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.queue.AttemptBatchSync(ctx)
	}()
	<-entered

	res, err := f.queue.AttemptBatchSync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Busy)

	close(release)
	<-done
}

func TestQueue_SyncNow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.queue.SyncNow(ctx, record(1)))
	require.Equal(t, 1, f.transport.calls())
	assert.Equal(t, "rec-1", f.transport.batches[0][0].ID)

	f.transport.respond = rejectAll
	err := f.queue.SyncNow(ctx, record(2))
	assert.ErrorIs(t, err, outbox.ErrNotAcknowledged)

	noTransport := outbox.NewQueue(f.db, nil, config.Static{}, f.clock, nil)
	assert.ErrorIs(t, noTransport.SyncNow(ctx, record(3)), outbox.ErrNoTransport)
}

func TestQueue_Clear(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(ctx, record(i), "")
		require.NoError(t, err)
	}
	n, err := f.queue.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
