package pipeline

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/db"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/httputil"
	"github.com/banshee-data/locus/internal/outbox"
	"github.com/banshee-data/locus/internal/remote"
	"github.com/banshee-data/locus/internal/timeutil"
)

type recordingSink struct {
	mu   sync.Mutex
	recs []event.Record
}

func (s *recordingSink) Emit(rec event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) kinds() []event.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Kind
	for _, r := range s.recs {
		out = append(out, r.Kind)
	}
	return out
}

type countingStore struct {
	mu      sync.Mutex
	inserts []event.Record
}

func (s *countingStore) InsertLocation(ctx context.Context, rec event.Record, maxDays, maxRecords int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, rec)
	return 0, nil
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

type fakeSyncer struct {
	mu       sync.Mutex
	syncErr  error
	synced   []string
	enqueued []string
	flushes  int
}

func (f *fakeSyncer) Enqueue(ctx context.Context, rec event.Record, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, key)
	return "q-" + key, nil
}

func (f *fakeSyncer) SyncNow(ctx context.Context, rec event.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, rec.ID)
	return f.syncErr
}

func (f *fakeSyncer) AttemptBatchSync(ctx context.Context) (outbox.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return outbox.SyncResult{}, nil
}

func (f *fakeSyncer) snapshot() (synced, enqueued []string, flushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.synced...), append([]string(nil), f.enqueued...), f.flushes
}

type fixedGate bool

func (g fixedGate) Allow() bool { return bool(g) }

func syncConfig() *config.Config {
	return &config.Config{
		PersistMode: config.Ptr(config.PersistAll),
		AutoSync:    config.Ptr(true),
		HTTPURL:     config.Ptr("https://collector.example/locations"),
	}
}

func locationRec(id string) event.Record {
	return event.Record{
		ID:        id,
		Kind:      event.KindLocation,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   &event.Location{Coords: event.Coords{Latitude: 1, Longitude: 2}},
	}
}

type harness struct {
	sink   *recordingSink
	store  *countingStore
	syncer *fakeSyncer
	proc   *Processor
}

func newHarness(cfg *config.Config, gate Gate) *harness {
	h := &harness{sink: &recordingSink{}, store: &countingStore{}, syncer: &fakeSyncer{}}
	h.proc = NewProcessor(Options{
		Config: config.Static{Config: cfg},
		Sink:   h.sink,
		Store:  h.store,
		Syncer: h.syncer,
		Gate:   gate,
	})
	return h
}

func TestDispatch_SingleModeSyncsThenQueuesOnFailure(t *testing.T) {
	h := newHarness(syncConfig(), fixedGate(true))
	h.syncer.syncErr = errors.New("offline")

	h.proc.Dispatch(context.Background(), locationRec("r1"))
	h.proc.Tasks().Wait()

	synced, enqueued, _ := h.syncer.snapshot()
	assert.Equal(t, []event.Kind{event.KindLocation}, h.sink.kinds())
	assert.Equal(t, 1, h.store.count())
	assert.Equal(t, []string{"r1"}, synced)
	assert.Equal(t, []string{"r1"}, enqueued)
}

func TestDispatch_SingleModeSuccessDoesNotQueue(t *testing.T) {
	h := newHarness(syncConfig(), fixedGate(true))

	h.proc.Dispatch(context.Background(), locationRec("r1"))
	h.proc.Tasks().Wait()

	synced, enqueued, _ := h.syncer.snapshot()
	assert.Equal(t, []string{"r1"}, synced)
	assert.Empty(t, enqueued)
}

func TestDispatch_GateClosedQueues(t *testing.T) {
	h := newHarness(syncConfig(), fixedGate(false))

	h.proc.Dispatch(context.Background(), locationRec("r1"))
	h.proc.Tasks().Wait()

	synced, enqueued, flushes := h.syncer.snapshot()
	assert.Empty(t, synced)
	assert.Zero(t, flushes)
	assert.Equal(t, []string{"r1"}, enqueued)
}

func TestDispatch_BatchModeQueuesOnceAndFlushes(t *testing.T) {
	cfg := syncConfig()
	cfg.BatchSync = config.Ptr(true)
	h := newHarness(cfg, fixedGate(true))

	h.proc.Dispatch(context.Background(), locationRec("r1"))
	h.proc.Tasks().Wait()

	synced, enqueued, flushes := h.syncer.snapshot()
	assert.Empty(t, synced)
	assert.Equal(t, []string{"r1"}, enqueued)
	assert.Equal(t, 1, flushes)
}

func TestDispatch_PrivacyModeOnlyEmits(t *testing.T) {
	cfg := syncConfig()
	cfg.PrivacyMode = config.Ptr(true)
	h := newHarness(cfg, fixedGate(true))

	h.proc.Dispatch(context.Background(), locationRec("r1"))
	h.proc.Tasks().Wait()

	synced, enqueued, _ := h.syncer.snapshot()
	assert.Len(t, h.sink.kinds(), 1)
	assert.Zero(t, h.store.count())
	assert.Empty(t, synced)
	assert.Empty(t, enqueued)
}

func TestDispatch_NoEndpointSkipsSync(t *testing.T) {
	cfg := syncConfig()
	cfg.HTTPURL = nil
	h := newHarness(cfg, fixedGate(true))

	h.proc.Dispatch(context.Background(), locationRec("r1"))
	h.proc.Tasks().Wait()

	synced, enqueued, _ := h.syncer.snapshot()
	assert.Equal(t, 1, h.store.count())
	assert.Empty(t, synced)
	assert.Empty(t, enqueued)
}

func TestDispatch_GeofencePersistMode(t *testing.T) {
	cfg := &config.Config{PersistMode: config.Ptr(config.PersistGeofence)}
	h := newHarness(cfg, nil)
	b := event.NewBuilder(timeutil.NewMockClock(time.Now()))

	fix := event.Fix{Latitude: 51.5, Longitude: -0.1, Accuracy: 5}
	loc, err := b.Location(event.KindLocation, fix, 0)
	require.NoError(t, err)
	h.proc.Dispatch(context.Background(), loc)
	assert.Zero(t, h.store.count())

	gf := b.Geofence(event.GeofenceTrigger{Action: "ENTER", Identifiers: []string{"home"}, Fix: &fix}, nil, 0)
	h.proc.DispatchGeofence(context.Background(), gf)
	assert.Equal(t, 1, h.store.count())

	noFix := b.Geofence(event.GeofenceTrigger{Action: "EXIT", Identifiers: []string{"home"}}, nil, 0)
	h.proc.DispatchGeofence(context.Background(), noFix)
	assert.Equal(t, 1, h.store.count())
	assert.Len(t, h.sink.kinds(), 3)
}

func TestDispatch_GeofenceIgnoresPrivacyMode(t *testing.T) {
	cfg := syncConfig()
	cfg.PrivacyMode = config.Ptr(true)
	h := newHarness(cfg, fixedGate(false))
	b := event.NewBuilder(nil)

	fix := event.Fix{Latitude: 1, Longitude: 1}
	h.proc.DispatchGeofence(context.Background(), b.Geofence(event.GeofenceTrigger{Action: "ENTER", Fix: &fix}, nil, 0))

	_, enqueued, _ := h.syncer.snapshot()
	assert.Equal(t, 1, h.store.count())
	assert.Len(t, enqueued, 1)
}

func TestEmit_SinkOnly(t *testing.T) {
	h := newHarness(syncConfig(), fixedGate(true))
	h.proc.Emit(event.NewBuilder(nil).EnabledChange(true))
	h.proc.Tasks().Wait()

	synced, enqueued, _ := h.syncer.snapshot()
	assert.Equal(t, []event.Kind{event.KindEnabledChange}, h.sink.kinds())
	assert.Zero(t, h.store.count())
	assert.Empty(t, synced)
	assert.Empty(t, enqueued)
}

// TestEndToEnd_FailedDeliveryLeavesOneQueueEntry runs a fix through the real
// store, queue and HTTP transport with an endpoint that refuses connections.
func TestEndToEnd_FailedDeliveryLeavesOneQueueEntry(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "locus.db"))
	require.NoError(t, err)
	defer store.Close()

	cfg := config.Static{Config: syncConfig()}
	client := httputil.NewMockHTTPClient()
	client.DefaultError = errors.New("connection refused")
	queue := outbox.NewQueue(store, remote.NewTransport(client, cfg), cfg, nil, nil)

	sink := &recordingSink{}
	proc := NewProcessor(Options{Config: cfg, Sink: sink, Store: store, Syncer: queue, Gate: remote.NewGate(cfg)})

	rec, err := event.NewBuilder(nil).Location(event.KindLocation, event.Fix{Latitude: 48.85, Longitude: 2.35, Accuracy: 4}, 0)
	require.NoError(t, err)
	proc.Dispatch(context.Background(), rec)
	proc.Tasks().Wait()

	ctx := context.Background()
	assert.Equal(t, []event.Kind{event.KindLocation}, sink.kinds())

	n, err := store.CountLocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, client.RequestCount())

	entries, err := queue.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rec.ID, entries[0].IdempotencyKey)

	// Once the endpoint is back the flush delivers it.
	client.Reset()
	client.AddResponse(http.StatusOK, "")
	res, err := proc.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	count, err := queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
