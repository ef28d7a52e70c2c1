package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKind is returned when a record names a kind this package
	// does not know.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrPayloadMismatch is returned when a record's payload type does not
	// belong to its kind.
	ErrPayloadMismatch = errors.New("payload does not match event kind")
)

// Record is the canonical pipeline event. Records are never modified after
// construction; reshaping one means building a new Record.
type Record struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Payload   Payload
}

// Validate checks that the kind is known and the payload matches it.
func (r Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if r.ID == "" {
		return errors.New("record has no id")
	}
	if !payloadMatches(r.Kind, r.Payload) {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, r.Kind, r.Payload)
	}
	return nil
}

func payloadMatches(k Kind, p Payload) bool {
	switch p := p.(type) {
	case *Location:
		return p != nil && k.LocationBearing()
	case *Geofence:
		return p != nil && k == KindGeofence
	case *ProviderChange:
		return p != nil && k == KindProviderChange
	case *EnabledChange:
		return p != nil && k == KindEnabledChange
	case *NotificationAction:
		return p != nil && k == KindNotificationAction
	}
	return false
}

// Location returns the position this record carries, if any. For geofence
// records that is the location reported with the trigger.
func (r Record) Location() (Location, bool) {
	switch p := r.Payload.(type) {
	case *Location:
		if p != nil {
			return *p, true
		}
	case *Geofence:
		if p != nil && p.Location != nil {
			return *p.Location, true
		}
	}
	return Location{}, false
}

// Coords returns the record's coordinates, if it has any.
func (r Record) Coords() (Coords, bool) {
	loc, ok := r.Location()
	return loc.Coords, ok
}

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type meta struct {
	UUID      string    `json:"uuid"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON encodes the record as {"type": kind, "data": payload}, with the
// record's uuid and timestamp folded into data.
func (r Record) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", r.Kind, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", r.Kind, err)
	}
	if fields["uuid"], err = json.Marshal(r.ID); err != nil {
		return nil, err
	}
	if fields["timestamp"], err = json.Marshal(r.Timestamp.UTC()); err != nil {
		return nil, err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: r.Kind, Data: data})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (r *Record) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if !env.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s record: missing data", env.Type)
	}

	var m meta
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return fmt.Errorf("decode %s record: %w", env.Type, err)
	}
	if m.UUID == "" {
		return fmt.Errorf("decode %s record: missing uuid", env.Type)
	}

	p := newPayload(env.Type)
	if err := json.Unmarshal(env.Data, p); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}

	*r = Record{ID: m.UUID, Kind: env.Type, Timestamp: m.Timestamp, Payload: p}
	return nil
}
