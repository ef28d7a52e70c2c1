package timeutil

import (
	"context"
	"sync"
	"time"
)

// Periodic runs a function on a fixed interval in a background goroutine.
// Each Start hands out a fresh cancellation token and invalidates the
// previous one, so a restarted task never fires twice per period.
//
// fn must not call Start or Stop on the Periodic that runs it; return false
// from fn to end the loop instead.
type Periodic struct {
	clock Clock
	name  string

	ctl sync.Mutex // serialises Start and Stop

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// NewPeriodic returns a stopped task. A nil clock uses the real clock.
func NewPeriodic(clock Clock, name string) *Periodic {
	if clock == nil {
		clock = RealClock{}
	}
	return &Periodic{clock: clock, name: name}
}

// Name identifies the task in logs.
func (p *Periodic) Name() string { return p.name }

// Start cancels any outstanding run and begins invoking fn every interval.
// When immediate is set fn also runs once straight away. A non-positive
// interval only cancels. The loop ends when fn returns false or Stop is called.
func (p *Periodic) Start(interval time.Duration, immediate bool, fn func(ctx context.Context) bool) {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.stopLocked()
	if interval <= 0 || fn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	// Created here rather than in the goroutine so that a mock clock
	// advanced right after Start already sees the ticker.
	ticker := p.clock.NewTicker(interval)

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.interval = interval
	p.mu.Unlock()

	go p.run(ctx, ticker, done, immediate, fn)
}

func (p *Periodic) run(ctx context.Context, ticker Ticker, done chan struct{}, immediate bool, fn func(ctx context.Context) bool) {
	defer close(done)
	defer p.release(done)
	defer ticker.Stop()

	if immediate && !fn(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			if !fn(ctx) {
				return
			}
		}
	}
}

// release clears the token if it still belongs to the exiting run.
func (p *Periodic) release(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == done {
		p.cancel()
		p.cancel = nil
		p.done = nil
		p.interval = 0
	}
}

// Stop cancels the current run and waits for it to exit. Safe to call on a
// stopped task.
func (p *Periodic) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stopLocked()
}

func (p *Periodic) stopLocked() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done, p.interval = nil, nil, 0
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a run is active.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// Interval returns the period of the active run, or 0 when stopped.
func (p *Periodic) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}
