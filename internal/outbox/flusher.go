package outbox

import (
	"context"
	"errors"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/timeutil"
)

// Flusher periodically retries queued entries. Ticks are skipped while
// auto-sync is off or no endpoint is configured, so a config change can turn
// delivery back on without restarting the flusher.
type Flusher struct {
	queue *Queue
	cfg   config.Source
	task  *timeutil.Periodic
}

// NewFlusher creates a stopped Flusher for q.
func NewFlusher(q *Queue, cfg config.Source, clock timeutil.Clock) *Flusher {
	return &Flusher{
		queue: q,
		cfg:   cfg,
		task:  timeutil.NewPeriodic(clock, "outbox-flush"),
	}
}

// Start begins flushing every sync_retry_interval, with one flush straight
// away to drain anything left from a previous run. Calling Start again with
// an unchanged interval does nothing; a changed interval restarts the timer.
func (f *Flusher) Start() {
	interval := f.cfg.Current().GetSyncRetryInterval()
	if f.task.Running() && f.task.Interval() == interval {
		return
	}
	monitoring.Infof("outbox flusher started: interval=%v", interval)
	f.task.Start(interval, true, func(ctx context.Context) bool {
		f.FlushNow(ctx)
		return true
	})
}

// Stop halts the flusher and waits for an in-flight flush to finish.
func (f *Flusher) Stop() {
	f.task.Stop()
}

// IsRunning reports whether the flusher is active.
func (f *Flusher) IsRunning() bool {
	return f.task.Running()
}

// FlushNow runs one flush if sync is enabled.
func (f *Flusher) FlushNow(ctx context.Context) {
	cfg := f.cfg.Current()
	if !cfg.GetAutoSync() || !cfg.HasEndpoint() {
		return
	}
	res, err := f.queue.AttemptBatchSync(ctx)
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		monitoring.Warnf("outbox flush: %v (delivered %d, failed %d)", err, res.Delivered, res.Failed)
	case res.Attempted > 0:
		monitoring.Debugf("outbox flush: delivered %d, failed %d, dropped %d", res.Delivered, res.Failed, res.Dropped)
	}
}
