package event

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/locus/internal/timeutil"
)

// Builder turns fixes and collaborator notifications into Records. Every
// record gets a fresh ID.
type Builder struct {
	clock timeutil.Clock
	newID func() string
}

// NewBuilder returns a Builder stamping non-fix records with clock's time.
func NewBuilder(clock timeutil.Clock) *Builder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Builder{clock: clock, newID: uuid.NewString}
}

func (b *Builder) record(kind Kind, p Payload) Record {
	return Record{ID: b.newID(), Kind: kind, Timestamp: b.clock.Now(), Payload: p}
}

func locationFrom(fix Fix, odometer float64) *Location {
	loc := &Location{
		Coords:   fix.Coords(),
		IsMoving: fix.Motion.Moving,
		Odometer: odometer,
	}
	if fix.Motion.Activity.Type != "" {
		act := fix.Motion.Activity
		loc.Activity = &act
	}
	return loc
}

// Location builds a location-bearing record from fix. The record takes the
// fix's timestamp when it has one.
func (b *Builder) Location(kind Kind, fix Fix, odometer float64) (Record, error) {
	if !kind.LocationBearing() {
		return Record{}, fmt.Errorf("%w: %s records do not carry a location", ErrPayloadMismatch, kind)
	}
	rec := b.record(kind, locationFrom(fix, odometer))
	if !fix.Timestamp.IsZero() {
		rec.Timestamp = fix.Timestamp
	}
	return rec, nil
}

// GeofenceTrigger is what a geofence collaborator reports on a crossing.
type GeofenceTrigger struct {
	Action      string
	Identifiers []string
	Fix         *Fix
}

// Geofence builds a geofence record. region is the looked-up description of
// the first identifier; when nil only the identifier is recorded.
func (b *Builder) Geofence(t GeofenceTrigger, region *Region, odometer float64) Record {
	action := t.Action
	if action == "" {
		action = "unknown"
	}
	ids := append([]string(nil), t.Identifiers...)

	g := &Geofence{Action: action, Identifiers: ids}
	switch {
	case region != nil:
		g.Region = *region
	case len(ids) > 0:
		g.Region = Region{Identifier: ids[0]}
	default:
		g.Region = Region{Identifier: "unknown"}
	}
	if t.Fix != nil {
		g.Location = locationFrom(*t.Fix, odometer)
	}
	return b.record(KindGeofence, g)
}

// ProviderChange builds a providerchange record.
func (b *Builder) ProviderChange(status ProviderChange) Record {
	p := status
	return b.record(KindProviderChange, &p)
}

// EnabledChange builds an enabledchange record.
func (b *Builder) EnabledChange(enabled bool) Record {
	return b.record(KindEnabledChange, &EnabledChange{Enabled: enabled})
}

// NotificationAction builds a notificationaction record.
func (b *Builder) NotificationAction(action string) Record {
	return b.record(KindNotificationAction, &NotificationAction{Action: action})
}
