package tracking

import (
	"sync"

	"github.com/banshee-data/locus/internal/event"
)

// LocationListener receives fixes and acquisition errors from a
// LocationSource.
type LocationListener struct {
	OnFix   func(fix event.Fix)
	OnError func(err error)
}

// LocationSource produces fixes. It holds a single listener; SetListener
// replaces any previous one. Start and Stop must be idempotent.
type LocationSource interface {
	SetListener(l LocationListener)
	Start() error
	Stop()
	// UpdateRequest adjusts the sampling cadence for the motion state.
	UpdateRequest(moving bool)
	// HasPermission reports whether location access is available.
	HasPermission() bool
}

// MotionListener receives motion and activity transitions.
type MotionListener struct {
	OnMotionChange   func(moving bool)
	OnActivityChange func(activity event.Activity)
}

// MotionSource classifies the device as moving or stationary.
type MotionSource interface {
	SetListener(l MotionListener)
	Start() error
	Stop()
	// SetPace forces the motion state; the listener is told if it changed.
	SetPace(moving bool)
	IsMoving() bool
	Activity() event.Activity
}

// ProviderMonitor watches location provider availability.
type ProviderMonitor interface {
	SetListener(onChange func())
	Start() error
	Stop()
	Status() event.ProviderChange
}

// GeofenceSource reports region crossings and describes monitored regions.
type GeofenceSource interface {
	SetListener(onTrigger func(t event.GeofenceTrigger))
	Start() error
	Stop()
	Region(identifier string) (*event.Region, bool)
}

// ManualMotion is a MotionSource driven only by SetPace, for hosts without
// activity classification.
type ManualMotion struct {
	mu       sync.Mutex
	listener MotionListener
	moving   bool
	activity event.Activity
}

// NewManualMotion returns a stationary source.
func NewManualMotion() *ManualMotion {
	return &ManualMotion{activity: event.Activity{Type: event.ActivityUnknown, Confidence: 100}}
}

func (m *ManualMotion) SetListener(l MotionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *ManualMotion) Start() error { return nil }
func (m *ManualMotion) Stop()        {}

// SetPace records the state and notifies the listener when it changed.
func (m *ManualMotion) SetPace(moving bool) {
	m.mu.Lock()
	changed := m.moving != moving
	m.moving = moving
	notify := m.listener.OnMotionChange
	m.mu.Unlock()

	if changed && notify != nil {
		notify(moving)
	}
}

// SetActivity records a classified activity and notifies the listener.
func (m *ManualMotion) SetActivity(a event.Activity) {
	m.mu.Lock()
	m.activity = a
	notify := m.listener.OnActivityChange
	m.mu.Unlock()

	if notify != nil {
		notify(a)
	}
}

func (m *ManualMotion) IsMoving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving
}

func (m *ManualMotion) Activity() event.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activity
}
