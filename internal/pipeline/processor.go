package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/outbox"
)

// Sink receives every record the pipeline handles, whatever the persistence
// and sync decisions were.
type Sink interface {
	Emit(rec event.Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec event.Record)

func (f SinkFunc) Emit(rec event.Record) { f(rec) }

// LocationStore is the durable local copy of persisted records.
type LocationStore interface {
	InsertLocation(ctx context.Context, rec event.Record, maxDays, maxRecords int) (int64, error)
}

// Syncer is the delivery side: the retry queue plus one-shot sends.
type Syncer interface {
	Enqueue(ctx context.Context, rec event.Record, idempotencyKey string) (string, error)
	SyncNow(ctx context.Context, rec event.Record) error
	AttemptBatchSync(ctx context.Context) (outbox.SyncResult, error)
}

// Gate decides whether an event may trigger a sync right now.
type Gate interface {
	Allow() bool
}

// Processor applies the persistence and sync decisions to each record.
// Calls are serialised; network work is handed to the task manager so
// Dispatch never blocks on the endpoint.
type Processor struct {
	cfg     config.Source
	sink    Sink
	store   LocationStore
	syncer  Syncer
	gate    Gate
	tasks   *TaskManager
	metrics *monitoring.Metrics

	mu sync.Mutex
}

// Options collects the Processor's collaborators. Sink, Store and Syncer
// may be nil; Gate defaults to always open.
type Options struct {
	Config  config.Source
	Sink    Sink
	Store   LocationStore
	Syncer  Syncer
	Gate    Gate
	Tasks   *TaskManager
	Metrics *monitoring.Metrics
}

type openGate struct{}

func (openGate) Allow() bool { return true }

// NewProcessor wires a Processor.
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		cfg:     opts.Config,
		sink:    opts.Sink,
		store:   opts.Store,
		syncer:  opts.Syncer,
		gate:    opts.Gate,
		tasks:   opts.Tasks,
		metrics: opts.Metrics,
	}
	if p.cfg == nil {
		p.cfg = config.Static{}
	}
	if p.gate == nil {
		p.gate = openGate{}
	}
	if p.tasks == nil {
		p.tasks = NewTaskManager(p.cfg)
	}
	return p
}

// Tasks returns the manager running the processor's background work.
func (p *Processor) Tasks() *TaskManager { return p.tasks }

// Dispatch emits rec, persists it if the policy allows, and syncs or queues
// it. Privacy mode suppresses both persistence and sync for everything
// except geofence records.
func (p *Processor) Dispatch(ctx context.Context, rec event.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := p.cfg.Current()
	p.emit(rec)

	if cfg.GetPrivacyMode() && rec.Kind != event.KindGeofence {
		return
	}
	p.persistAndSync(ctx, cfg, rec)
}

// DispatchGeofence handles a geofence record. It is always emitted but only
// persisted and synced when the trigger reported a location, regardless of
// privacy mode.
func (p *Processor) DispatchGeofence(ctx context.Context, rec event.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.emit(rec)
	if _, ok := rec.Location(); !ok {
		return
	}
	p.persistAndSync(ctx, p.cfg.Current(), rec)
}

// Emit sends rec to the sink only. Used for state records (enabledchange,
// providerchange, notificationaction) that are never stored or synced.
func (p *Processor) Emit(rec event.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(rec)
}

func (p *Processor) emit(rec event.Record) {
	p.metrics.EventDispatched(string(rec.Kind))
	if p.sink != nil {
		p.sink.Emit(rec)
	}
}

func (p *Processor) persistAndSync(ctx context.Context, cfg *config.Config, rec event.Record) {
	if p.store != nil && ShouldPersist(cfg, rec.Kind) {
		pruned, err := p.store.InsertLocation(ctx, rec, cfg.GetMaxDaysToPersist(), cfg.GetMaxRecordsToPersist())
		switch {
		case err != nil:
			monitoring.Warnf("failed to persist %s %s: %v", rec.Kind, rec.ID, err)
		case pruned > 0:
			monitoring.Debugf("location retention removed %d records", pruned)
		}
	}

	if p.syncer == nil || !cfg.GetAutoSync() || !cfg.HasEndpoint() {
		return
	}
	open := p.gate.Allow()

	switch {
	case cfg.GetBatchSync():
		p.enqueue(ctx, rec)
		if open {
			p.tasks.Go("batch-sync", p.flush)
		}
	case open:
		p.tasks.Go("sync-now", func(ctx context.Context) {
			if err := p.syncer.SyncNow(ctx, rec); err != nil {
				monitoring.Debugf("sync of %s %s failed, queueing: %v", rec.Kind, rec.ID, err)
				p.enqueue(ctx, rec)
			}
		})
	default:
		p.enqueue(ctx, rec)
	}
}

func (p *Processor) enqueue(ctx context.Context, rec event.Record) {
	// A cancelled or expired context must not lose the record.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if _, err := p.syncer.Enqueue(ctx, rec, rec.ID); err != nil {
		monitoring.Errorf("failed to queue %s %s: %v", rec.Kind, rec.ID, err)
	}
}

func (p *Processor) flush(ctx context.Context) {
	res, err := p.syncer.AttemptBatchSync(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		monitoring.Warnf("batch sync: %v (delivered %d, failed %d)", err, res.Delivered, res.Failed)
	}
}

// SyncNow delivers rec immediately, on the caller's goroutine, and queues
// it if delivery fails. The delivery error is returned either way.
func (p *Processor) SyncNow(ctx context.Context, rec event.Record) error {
	if p.syncer == nil {
		return outbox.ErrNoTransport
	}
	err := p.syncer.SyncNow(ctx, rec)
	if err != nil {
		p.enqueue(ctx, rec)
	}
	return err
}

// Flush runs one batch sync on the caller's goroutine.
func (p *Processor) Flush(ctx context.Context) (outbox.SyncResult, error) {
	if p.syncer == nil {
		return outbox.SyncResult{}, outbox.ErrNoTransport
	}
	return p.syncer.AttemptBatchSync(ctx)
}
