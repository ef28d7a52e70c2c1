// Package tracking owns the tracking lifecycle: it starts and stops the
// sensor collaborators, turns their callbacks into event records, and feeds
// those records to the pipeline.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/odometer"
	"github.com/banshee-data/locus/internal/pipeline"
	"github.com/banshee-data/locus/internal/schedule"
	"github.com/banshee-data/locus/internal/timeutil"
)

var (
	// ErrPermissionDenied is returned by Start when location access is
	// unavailable. Tracking stays stopped.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrNoLocation is returned by SyncNow before any fix has arrived.
	ErrNoLocation = errors.New("no location available")
	// ErrShutdown is returned by Start once Shutdown has been called.
	ErrShutdown = errors.New("tracking controller shut down")
)

// Options collects the controller's collaborators. Location, Motion,
// Processor and Odometer are required; the rest may be nil.
type Options struct {
	Config    *config.Store
	Clock     timeutil.Clock
	Location  LocationSource
	Motion    MotionSource
	Providers ProviderMonitor
	Geofences GeofenceSource
	Processor *pipeline.Processor
	Odometer  *odometer.Odometer
	Logs      *LogManager
	Metrics   *monitoring.Metrics
}

// State is a point-in-time view of the controller.
type State struct {
	Enabled  bool          `json:"enabled"`
	Moving   bool          `json:"is_moving"`
	Odometer float64       `json:"odometer"`
	Location *event.Record `json:"location,omitempty"`
}

// Controller is the tracking state machine. It is Stopped until Start
// succeeds and is the only writer of the enabled flag and the last fix.
//
// lifecycle serialises Start, Stop and ApplyConfig; mu guards the fields
// read by collaborator callbacks and is never held across a collaborator
// call.
type Controller struct {
	cfg       *config.Store
	clock     timeutil.Clock
	location  LocationSource
	motion    MotionSource
	providers ProviderMonitor
	geofences GeofenceSource
	proc      *pipeline.Processor
	odo       *odometer.Odometer
	logs      *LogManager
	metrics   *monitoring.Metrics
	builder   *event.Builder
	heartbeat *timeutil.Periodic
	schedule  *schedule.Engine

	lifecycle    sync.Mutex
	shutdownOnce sync.Once
	closed       atomic.Bool

	// scheduleMu orders StartSchedule against Shutdown. It is never held
	// while the schedule listener runs.
	scheduleMu sync.Mutex

	mu      sync.Mutex
	enabled bool
	lastFix *event.Fix
}

// NewController wires the collaborators and subscribes to them. Tracking is
// not started and the schedule engine is idle until StartSchedule.
func NewController(opts Options) (*Controller, error) {
	if opts.Location == nil || opts.Motion == nil || opts.Processor == nil || opts.Odometer == nil {
		return nil, errors.New("tracking: location, motion, processor and odometer are required")
	}
	if opts.Config == nil {
		opts.Config = config.NewStore(nil)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logs == nil {
		opts.Logs = NewLogManager(opts.Config, nil)
	}

	c := &Controller{
		cfg:       opts.Config,
		clock:     opts.Clock,
		location:  opts.Location,
		motion:    opts.Motion,
		providers: opts.Providers,
		geofences: opts.Geofences,
		proc:      opts.Processor,
		odo:       opts.Odometer,
		logs:      opts.Logs,
		metrics:   opts.Metrics,
		builder:   event.NewBuilder(opts.Clock),
		heartbeat: timeutil.NewPeriodic(opts.Clock, "heartbeat"),
	}
	c.schedule = schedule.NewEngine(opts.Config, opts.Clock, c.onSchedule)

	c.location.SetListener(LocationListener{OnFix: c.onFix, OnError: c.onLocationError})
	c.motion.SetListener(MotionListener{OnMotionChange: c.onMotionChange, OnActivityChange: c.onActivityChange})
	if c.providers != nil {
		c.providers.SetListener(c.onProviderChange)
	}
	if c.geofences != nil {
		c.geofences.SetListener(c.onGeofence)
	}
	return c, nil
}

// Enabled reports whether the controller is Tracking.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Controller) setEnabled(v bool) {
	c.mu.Lock()
	c.enabled = v
	c.mu.Unlock()
}

// snapshot returns the enabled flag and a copy of the last fix.
func (c *Controller) snapshot() (bool, *event.Fix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFix == nil {
		return c.enabled, nil
	}
	fix := *c.lastFix
	return c.enabled, &fix
}

// Start moves to Tracking. It is a no-op when already Tracking and returns
// ErrPermissionDenied, leaving the controller Stopped, when location access
// is unavailable. After Shutdown it returns ErrShutdown.
func (c *Controller) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed.Load() {
		return ErrShutdown
	}
	if c.Enabled() {
		return nil
	}
	ctx := context.Background()
	if !c.location.HasPermission() {
		c.logs.Log(ctx, "warning", "location permission missing; tracking not started")
		return ErrPermissionDenied
	}

	cfg := c.cfg.Current()
	if !cfg.GetDisableMotionActivityUpdates() {
		if err := c.motion.Start(); err != nil {
			c.logs.Log(ctx, "warning", fmt.Sprintf("motion updates unavailable: %v", err))
		}
	}
	if err := c.location.Start(); err != nil {
		c.motion.Stop()
		return fmt.Errorf("start location updates: %w", err)
	}
	c.location.UpdateRequest(c.motion.IsMoving())
	if c.geofences != nil {
		if err := c.geofences.Start(); err != nil {
			c.logs.Log(ctx, "warning", fmt.Sprintf("geofence monitoring unavailable: %v", err))
		}
	}
	if c.providers != nil {
		if err := c.providers.Start(); err != nil {
			c.logs.Log(ctx, "warning", fmt.Sprintf("provider monitoring unavailable: %v", err))
		}
		c.proc.Emit(c.builder.ProviderChange(c.providers.Status()))
	}

	c.setEnabled(true)
	c.startHeartbeat(cfg.GetHeartbeatInterval())
	c.proc.Emit(c.builder.EnabledChange(true))
	c.metrics.TrackingStarted()
	c.logs.Log(ctx, "info", "start")
	return nil
}

// Stop moves to Stopped. It is a no-op when already Stopped.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.Enabled() {
		return
	}
	c.setEnabled(false)
	c.motion.Stop()
	c.location.Stop()
	if c.geofences != nil {
		c.geofences.Stop()
	}
	if c.providers != nil {
		c.providers.Stop()
	}
	c.heartbeat.Stop()
	c.proc.Emit(c.builder.EnabledChange(false))
	c.metrics.TrackingStopped()
	c.logs.Log(context.Background(), "info", "stop")
}

// Shutdown tears everything down: tracking, the schedule engine, the
// heartbeat, every collaborator and in-flight background work. It is safe
// to call more than once. Start and StartSchedule do nothing afterwards.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		// The schedule listener takes the lifecycle lock, so stop the
		// engine before anything else does.
		c.scheduleMu.Lock()
		c.closed.Store(true)
		c.schedule.Stop()
		c.scheduleMu.Unlock()
		c.Stop()
		c.heartbeat.Stop()
		c.motion.Stop()
		c.location.Stop()
		if c.geofences != nil {
			c.geofences.Stop()
		}
		if c.providers != nil {
			c.providers.Stop()
		}
		c.proc.Tasks().Release()
		c.proc.Tasks().Wait()
	})
}

func (c *Controller) startHeartbeat(interval time.Duration) {
	if interval <= 0 {
		c.heartbeat.Stop()
		return
	}
	c.heartbeat.Start(interval, false, func(ctx context.Context) bool {
		c.emitLocation(ctx, event.KindHeartbeat, nil)
		return true
	})
}

// emitLocation dispatches a record of kind built from the last fix, with
// its motion state replaced when motion is non-nil. Nothing is emitted
// while Stopped or before the first fix.
func (c *Controller) emitLocation(ctx context.Context, kind event.Kind, motion *event.Motion) {
	c.mu.Lock()
	if !c.enabled || c.lastFix == nil {
		c.mu.Unlock()
		return
	}
	fix := *c.lastFix
	if motion != nil {
		fix = fix.WithMotion(*motion)
		c.lastFix = &fix
	}
	c.mu.Unlock()

	rec, err := c.builder.Location(kind, fix, c.odo.Distance())
	if err != nil {
		monitoring.Errorf("build %s record: %v", kind, err)
		return
	}
	c.proc.Dispatch(ctx, rec)
}

func (c *Controller) onFix(fix event.Fix) {
	if err := fix.Validate(); err != nil {
		monitoring.Warnf("ignoring fix: %v", err)
		return
	}
	fix = fix.WithMotion(event.Motion{Moving: c.motion.IsMoving(), Activity: c.motion.Activity()})

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.lastFix = &fix
	c.mu.Unlock()

	ctx := context.Background()
	distance := c.odo.Update(ctx, fix)
	c.metrics.LocationUpdated(fix.Accuracy)

	rec, err := c.builder.Location(event.KindLocation, fix, distance)
	if err != nil {
		monitoring.Errorf("build location record: %v", err)
		return
	}
	c.proc.Dispatch(ctx, rec)
}

func (c *Controller) onLocationError(err error) {
	c.logs.Log(context.Background(), "error", fmt.Sprintf("Location error: %v", err))
}

func (c *Controller) onMotionChange(moving bool) {
	if !c.Enabled() {
		return
	}
	c.metrics.MotionChanged(moving)
	c.location.UpdateRequest(moving)
	c.emitLocation(context.Background(), event.KindMotionChange, &event.Motion{Moving: moving, Activity: c.motion.Activity()})
}

func (c *Controller) onActivityChange(a event.Activity) {
	if !c.Enabled() {
		return
	}
	c.emitLocation(context.Background(), event.KindActivityChange, &event.Motion{Moving: c.motion.IsMoving(), Activity: a})
}

func (c *Controller) onProviderChange() {
	if c.providers == nil {
		return
	}
	c.proc.Emit(c.builder.ProviderChange(c.providers.Status()))
}

func (c *Controller) onGeofence(t event.GeofenceTrigger) {
	var region *event.Region
	if len(t.Identifiers) > 0 && c.geofences != nil {
		if r, ok := c.geofences.Region(t.Identifiers[0]); ok {
			region = r
		}
	}
	if t.Fix != nil {
		fix := t.Fix.WithMotion(event.Motion{Moving: c.motion.IsMoving(), Activity: c.motion.Activity()})
		t.Fix = &fix
	}
	c.proc.DispatchGeofence(context.Background(), c.builder.Geofence(t, region, c.odo.Distance()))
}

// onSchedule is the schedule engine's listener. A change of state also
// emits a scheduled record carrying the last fix.
func (c *Controller) onSchedule(shouldEnable bool) {
	enabled := c.Enabled()
	switch {
	case shouldEnable && !enabled:
		if err := c.Start(); err != nil {
			monitoring.Warnf("schedule: could not start tracking: %v", err)
			return
		}
	case !shouldEnable && enabled:
		c.Stop()
	default:
		return
	}
	c.emitScheduled()
}

// emitScheduled is like emitLocation but also fires after the schedule has
// just stopped tracking.
func (c *Controller) emitScheduled() {
	_, fix := c.snapshot()
	if fix == nil {
		return
	}
	rec, err := c.builder.Location(event.KindScheduled, *fix, c.odo.Distance())
	if err != nil {
		monitoring.Errorf("build scheduled record: %v", err)
		return
	}
	c.proc.Dispatch(context.Background(), rec)
}

// StartSchedule starts or stops the schedule engine to match the current
// configuration. It does nothing after Shutdown.
func (c *Controller) StartSchedule() {
	c.scheduleMu.Lock()
	defer c.scheduleMu.Unlock()

	if c.closed.Load() {
		return
	}
	if c.cfg.Current().GetScheduleEnabled() {
		c.schedule.Start()
	} else {
		c.schedule.Stop()
	}
}

// ChangePace forces the motion state.
func (c *Controller) ChangePace(moving bool) {
	c.motion.SetPace(moving)
}

// State returns a snapshot. Location is a fresh location record built from
// the last fix.
func (c *Controller) State() State {
	enabled, fix := c.snapshot()
	s := State{Enabled: enabled, Moving: c.motion.IsMoving(), Odometer: c.odo.Distance()}
	if fix != nil {
		if rec, err := c.builder.Location(event.KindLocation, *fix, s.Odometer); err == nil {
			s.Location = &rec
		}
	}
	return s
}

// SyncNow delivers the last location immediately. On failure the record is
// queued and the error returned.
func (c *Controller) SyncNow(ctx context.Context) error {
	_, fix := c.snapshot()
	if fix == nil {
		return ErrNoLocation
	}
	rec, err := c.builder.Location(event.KindLocation, *fix, c.odo.Distance())
	if err != nil {
		return err
	}
	return c.proc.SyncNow(ctx, rec)
}

// SetOdometer overwrites the odometer.
func (c *Controller) SetOdometer(ctx context.Context, meters float64) error {
	return c.odo.SetDistance(ctx, meters)
}

// ApplyConfig installs cfg and reapplies everything derived from it: motion
// updates, cadence, the heartbeat interval and the schedule.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	c.lifecycle.Lock()
	prev := c.cfg.Current()
	c.cfg.Set(cfg)
	cur := c.cfg.Current()

	if c.Enabled() {
		if cur.GetDisableMotionActivityUpdates() {
			c.motion.Stop()
		} else if err := c.motion.Start(); err != nil {
			monitoring.Warnf("motion updates unavailable: %v", err)
		}
		c.location.UpdateRequest(c.motion.IsMoving())
		if interval := cur.GetHeartbeatInterval(); interval != prev.GetHeartbeatInterval() {
			c.startHeartbeat(interval)
		}
	}
	c.lifecycle.Unlock()

	c.StartSchedule()
}

// HandleNotificationAction emits a notificationaction record.
func (c *Controller) HandleNotificationAction(action string) {
	c.proc.Emit(c.builder.NotificationAction(action))
}

// HandleActivityEvent parses a raw "type,confidence" classification and
// treats it as an activity change. Malformed input is logged and skipped.
func (c *Controller) HandleActivityEvent(raw string) {
	if c.cfg.Current().GetDisableMotionActivityUpdates() {
		return
	}
	a, err := event.ParseActivity(raw)
	if err != nil {
		monitoring.Warnf("ignoring activity event: %v", err)
		return
	}
	c.onActivityChange(a)
}
