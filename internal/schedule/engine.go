package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/timeutil"
)

// Listener is told, on every check, whether tracking should be enabled.
type Listener func(shouldEnable bool)

// Engine periodically evaluates the configured windows while schedule mode
// is enabled. It never starts or stops tracking itself; the listener does.
type Engine struct {
	cfg      config.Source
	clock    timeutil.Clock
	listener Listener
	task     *timeutil.Periodic

	mu     sync.Mutex
	warned map[string]bool
}

// NewEngine returns a stopped engine.
func NewEngine(cfg config.Source, clock timeutil.Clock, listener Listener) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		cfg:      cfg,
		clock:    clock,
		listener: listener,
		task:     timeutil.NewPeriodic(clock, "schedule"),
		warned:   make(map[string]bool),
	}
}

// Start begins ticking with an immediate first check. It does nothing when
// schedule mode is off, and nothing when already ticking at the configured
// interval; a changed interval restarts the ticker.
func (e *Engine) Start() {
	cfg := e.cfg.Current()
	if !cfg.GetScheduleEnabled() {
		return
	}
	interval := cfg.GetScheduleCheckInterval()
	if e.task.Running() && e.task.Interval() == interval {
		return
	}
	e.task.Start(interval, true, e.tick)
}

// Stop halts ticking. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.task.Stop()
}

// Running reports whether the engine is ticking.
func (e *Engine) Running() bool {
	return e.task.Running()
}

func (e *Engine) tick(ctx context.Context) bool {
	if !e.cfg.Current().GetScheduleEnabled() {
		monitoring.Debugf("schedule: disabled, stopping checks")
		return false
	}
	e.Apply()
	return true
}

// Apply evaluates the schedule now and notifies the listener. With schedule
// mode off or no windows configured the listener is not called.
func (e *Engine) Apply() {
	cfg := e.cfg.Current()
	windows := cfg.GetSchedule()
	if !cfg.GetScheduleEnabled() || len(windows) == 0 {
		return
	}
	should := e.evaluate(windows, e.clock.Now().In(cfg.GetScheduleLocation()))
	if e.listener != nil {
		e.listener(should)
	}
}

// ShouldEnable reports whether t falls inside the configured windows.
func (e *Engine) ShouldEnable(t time.Time) bool {
	cfg := e.cfg.Current()
	return e.evaluate(cfg.GetSchedule(), t.In(cfg.GetScheduleLocation()))
}

func (e *Engine) evaluate(windows []string, t time.Time) bool {
	for _, s := range windows {
		if _, err := ParseWindow(s); err != nil {
			e.warnOnce(s, err)
		}
	}
	return Matches(windows, t)
}

func (e *Engine) warnOnce(entry string, err error) {
	e.mu.Lock()
	seen := e.warned[entry]
	e.warned[entry] = true
	e.mu.Unlock()
	if !seen {
		monitoring.Warnf("schedule: ignoring malformed entry: %v", err)
	}
}
