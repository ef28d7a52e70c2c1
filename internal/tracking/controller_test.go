package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/odometer"
	"github.com/banshee-data/locus/internal/pipeline"
	"github.com/banshee-data/locus/internal/timeutil"
)

type fakeLocation struct {
	mu         sync.Mutex
	listener   LocationListener
	permission bool
	started    bool
	requests   []bool
}

func (f *fakeLocation) SetListener(l LocationListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeLocation) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeLocation) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *fakeLocation) UpdateRequest(moving bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, moving)
}

func (f *fakeLocation) HasPermission() bool { return f.permission }

func (f *fakeLocation) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeLocation) push(fix event.Fix) {
	f.mu.Lock()
	onFix := f.listener.OnFix
	f.mu.Unlock()
	onFix(fix)
}

type fakeProviders struct {
	onChange func()
}

func (f *fakeProviders) SetListener(fn func()) { f.onChange = fn }
func (f *fakeProviders) Start() error         { return nil }
func (f *fakeProviders) Stop()                {}
func (f *fakeProviders) Status() event.ProviderChange {
	return event.ProviderChange{Enabled: true, Status: "enabled", GPS: true}
}

type fakeGeofences struct {
	onTrigger func(event.GeofenceTrigger)
}

func (f *fakeGeofences) SetListener(fn func(event.GeofenceTrigger)) { f.onTrigger = fn }
func (f *fakeGeofences) Start() error                               { return nil }
func (f *fakeGeofences) Stop()                                      {}
func (f *fakeGeofences) Region(id string) (*event.Region, bool) {
	if id == "home" {
		return &event.Region{Identifier: "home", Latitude: 51.5, Longitude: -0.1, Radius: 100}, true
	}
	return nil, false
}

type recordingSink struct {
	mu   sync.Mutex
	recs []event.Record
}

func (s *recordingSink) Emit(rec event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) records() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Record(nil), s.recs...)
}

func (s *recordingSink) kinds() []event.Kind {
	var out []event.Kind
	for _, r := range s.records() {
		out = append(out, r.Kind)
	}
	return out
}

func (s *recordingSink) last(kind event.Kind) (event.Record, bool) {
	recs := s.records()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Kind == kind {
			return recs[i], true
		}
	}
	return event.Record{}, false
}

type memLogs struct {
	mu    sync.Mutex
	lines []string
}

func (m *memLogs) AppendLog(ctx context.Context, level, message string, maxDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, level+": "+message)
	return nil
}

func (m *memLogs) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

type rig struct {
	ctrl      *Controller
	clock     *timeutil.MockClock
	cfg       *config.Store
	location  *fakeLocation
	motion    *ManualMotion
	geofences *fakeGeofences
	sink      *recordingSink
	logs      *memLogs
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRig(t *testing.T, cfg *config.Config) *rig {
	t.Helper()
	r := &rig{
		clock:     timeutil.NewMockClock(epoch),
		cfg:       config.NewStore(cfg),
		location:  &fakeLocation{permission: true},
		motion:    NewManualMotion(),
		geofences: &fakeGeofences{},
		sink:      &recordingSink{},
		logs:      &memLogs{},
	}
	proc := pipeline.NewProcessor(pipeline.Options{Config: r.cfg, Sink: r.sink})
	odo, err := odometer.New(context.Background(), nil, r.cfg)
	require.NoError(t, err)

	r.ctrl, err = NewController(Options{
		Config:    r.cfg,
		Clock:     r.clock,
		Location:  r.location,
		Motion:    r.motion,
		Providers: &fakeProviders{},
		Geofences: r.geofences,
		Processor: proc,
		Odometer:  odo,
		Logs:      NewLogManager(r.cfg, r.logs),
	})
	require.NoError(t, err)
	t.Cleanup(r.ctrl.Shutdown)
	return r
}

func fixAt(lat, lon float64) event.Fix {
	return event.Fix{Latitude: lat, Longitude: lon, Accuracy: 5, Timestamp: epoch}
}

func TestController_StartWithoutPermission(t *testing.T) {
	r := newRig(t, nil)
	r.location.permission = false

	err := r.ctrl.Start()
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, r.ctrl.Enabled())
	assert.False(t, r.location.isStarted())
	assert.Empty(t, r.sink.kinds())
	assert.Contains(t, r.logs.all(), "warning: location permission missing; tracking not started")
}

func TestController_StartStop(t *testing.T) {
	r := newRig(t, nil)

	require.NoError(t, r.ctrl.Start())
	require.NoError(t, r.ctrl.Start())
	assert.True(t, r.ctrl.Enabled())
	assert.True(t, r.location.isStarted())
	assert.Equal(t, []event.Kind{event.KindProviderChange, event.KindEnabledChange}, r.sink.kinds())

	rec, ok := r.sink.last(event.KindEnabledChange)
	require.True(t, ok)
	assert.Equal(t, &event.EnabledChange{Enabled: true}, rec.Payload)
	assert.Contains(t, r.logs.all(), "info: start")

	r.ctrl.Stop()
	r.ctrl.Stop()
	assert.False(t, r.ctrl.Enabled())
	assert.False(t, r.location.isStarted())
	rec, _ = r.sink.last(event.KindEnabledChange)
	assert.Equal(t, &event.EnabledChange{Enabled: false}, rec.Payload)
	assert.Len(t, r.sink.kinds(), 3)
}

func TestController_FixHandling(t *testing.T) {
	r := newRig(t, nil)

	r.location.push(fixAt(51.5, -0.1))
	assert.Empty(t, r.sink.kinds(), "fix while stopped must be ignored")

	require.NoError(t, r.ctrl.Start())
	r.location.push(fixAt(51.5, -0.1))
	r.location.push(fixAt(51.501, -0.1))

	rec, ok := r.sink.last(event.KindLocation)
	require.True(t, ok)
	loc, ok := rec.Location()
	require.True(t, ok)
	assert.InDelta(t, 111.2, loc.Odometer, 0.5)
	assert.Equal(t, 51.501, loc.Coords.Latitude)

	// Out of range coordinates are dropped.
	r.location.push(fixAt(95, 0))
	assert.Len(t, r.sink.kinds(), 4)
}

func TestController_MotionChange(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.ctrl.Start())

	// No fix yet: the cadence changes but nothing is emitted.
	r.ctrl.ChangePace(true)
	_, ok := r.sink.last(event.KindMotionChange)
	assert.False(t, ok)

	r.location.push(fixAt(51.5, -0.1))
	r.ctrl.ChangePace(false)

	rec, ok := r.sink.last(event.KindMotionChange)
	require.True(t, ok)
	loc, _ := rec.Location()
	assert.False(t, loc.IsMoving)
	assert.Equal(t, []bool{false, true, false}, r.location.requests)

	assert.False(t, r.ctrl.State().Moving)
}

func TestController_ActivityEvents(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.ctrl.Start())
	r.location.push(fixAt(51.5, -0.1))

	r.ctrl.HandleActivityEvent("walking")
	_, ok := r.sink.last(event.KindActivityChange)
	assert.False(t, ok)

	r.ctrl.HandleActivityEvent("walking,80")
	rec, ok := r.sink.last(event.KindActivityChange)
	require.True(t, ok)
	loc, _ := rec.Location()
	require.NotNil(t, loc.Activity)
	assert.Equal(t, event.Activity{Type: "walking", Confidence: 80}, *loc.Activity)

	r.ctrl.ApplyConfig(&config.Config{DisableMotionActivityUpdates: config.Ptr(true)})
	before := len(r.sink.kinds())
	r.ctrl.HandleActivityEvent("running,90")
	assert.Len(t, r.sink.kinds(), before)
}

func TestController_Heartbeat(t *testing.T) {
	r := newRig(t, &config.Config{HeartbeatInterval: config.Ptr("30s")})
	require.NoError(t, r.ctrl.Start())
	r.location.push(fixAt(51.5, -0.1))

	r.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		_, ok := r.sink.last(event.KindHeartbeat)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	r.ctrl.ApplyConfig(&config.Config{HeartbeatInterval: config.Ptr("2m")})
	assert.Equal(t, 2*time.Minute, r.ctrl.heartbeat.Interval())
	assert.Equal(t, 1, r.clock.ActiveTickers())

	r.ctrl.Stop()
	assert.False(t, r.ctrl.heartbeat.Running())
}

func TestController_ScheduleStopsTrackingAndEmits(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.ctrl.Start())
	r.location.push(fixAt(51.5, -0.1))

	// 12:00 UTC is outside 08:00-09:00.
	r.ctrl.ApplyConfig(&config.Config{
		ScheduleEnabled:  config.Ptr(true),
		Schedule:         []string{"08:00-09:00"},
		ScheduleTimezone: config.Ptr("UTC"),
	})

	require.Eventually(t, func() bool {
		_, ok := r.sink.last(event.KindScheduled)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, r.ctrl.Enabled())

	r.ctrl.ApplyConfig(&config.Config{
		ScheduleEnabled:  config.Ptr(true),
		Schedule:         []string{"11:00-13:00"},
		ScheduleTimezone: config.Ptr("UTC"),
	})
	r.clock.Advance(time.Minute)
	require.Eventually(t, r.ctrl.Enabled, 2*time.Second, 5*time.Millisecond)
}

func TestController_Geofence(t *testing.T) {
	r := newRig(t, nil)
	fix := fixAt(51.5, -0.1)

	r.geofences.onTrigger(event.GeofenceTrigger{Action: "ENTER", Identifiers: []string{"home"}, Fix: &fix})
	rec, ok := r.sink.last(event.KindGeofence)
	require.True(t, ok)
	g := rec.Payload.(*event.Geofence)
	assert.Equal(t, 100.0, g.Region.Radius)
	require.NotNil(t, g.Location)

	r.geofences.onTrigger(event.GeofenceTrigger{Identifiers: []string{"work"}})
	rec, _ = r.sink.last(event.KindGeofence)
	g = rec.Payload.(*event.Geofence)
	assert.Equal(t, "work", g.Region.Identifier)
	assert.Equal(t, "unknown", g.Action)
	assert.Nil(t, g.Location)
}

func TestController_StateSyncAndNotification(t *testing.T) {
	r := newRig(t, nil)

	assert.ErrorIs(t, r.ctrl.SyncNow(context.Background()), ErrNoLocation)

	require.NoError(t, r.ctrl.Start())
	r.location.push(fixAt(51.5, -0.1))
	require.NoError(t, r.ctrl.SetOdometer(context.Background(), 1000))

	s := r.ctrl.State()
	assert.True(t, s.Enabled)
	assert.Equal(t, 1000.0, s.Odometer)
	require.NotNil(t, s.Location)
	assert.Equal(t, event.KindLocation, s.Location.Kind)

	// No syncer is wired, so the one-shot delivery has nowhere to go.
	assert.Error(t, r.ctrl.SyncNow(context.Background()))

	r.ctrl.HandleNotificationAction("pause")
	rec, ok := r.sink.last(event.KindNotificationAction)
	require.True(t, ok)
	assert.Equal(t, &event.NotificationAction{Action: "pause"}, rec.Payload)
}

func TestController_Shutdown(t *testing.T) {
	r := newRig(t, &config.Config{
		ScheduleEnabled: config.Ptr(true),
		Schedule:        []string{"00:00-23:59"},
	})
	r.ctrl.StartSchedule()
	require.Eventually(t, r.ctrl.Enabled, 2*time.Second, 5*time.Millisecond)

	r.ctrl.Shutdown()
	r.ctrl.Shutdown()
	assert.False(t, r.ctrl.Enabled())
	assert.False(t, r.ctrl.schedule.Running())
	assert.Zero(t, r.clock.ActiveTickers())
}

func TestController_StartAfterShutdown(t *testing.T) {
	r := newRig(t, &config.Config{
		ScheduleEnabled: config.Ptr(true),
		Schedule:        []string{"00:00-23:59"},
	})
	r.ctrl.Shutdown()

	assert.ErrorIs(t, r.ctrl.Start(), ErrShutdown)
	assert.False(t, r.ctrl.Enabled())

	r.ctrl.StartSchedule()
	assert.False(t, r.ctrl.schedule.Running())
	assert.Zero(t, r.clock.ActiveTickers())

	r.ctrl.ApplyConfig(r.ctrl.cfg.Current())
	assert.False(t, r.ctrl.schedule.Running())
	assert.False(t, r.ctrl.Enabled())
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)
}

func TestLocationErrorIsLogged(t *testing.T) {
	r := newRig(t, nil)
	r.location.listener.OnError(errors.New("gps timeout"))
	assert.Contains(t, r.logs.all(), "error: Location error: gps timeout")
}
