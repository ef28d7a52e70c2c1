// Package event defines the records that flow through the tracking pipeline:
// raw fixes from the sensors and the canonical, immutable event records built
// from them.
package event

import (
	"fmt"
	"math"
	"time"
)

// Kind names an event record type.
type Kind string

const (
	KindLocation           Kind = "location"
	KindMotionChange       Kind = "motionchange"
	KindActivityChange     Kind = "activitychange"
	KindHeartbeat          Kind = "heartbeat"
	KindGeofence           Kind = "geofence"
	KindProviderChange     Kind = "providerchange"
	KindEnabledChange      Kind = "enabledchange"
	KindNotificationAction Kind = "notificationaction"
	KindScheduled          Kind = "scheduled"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindLocation, KindMotionChange, KindActivityChange, KindHeartbeat, KindGeofence,
	KindProviderChange, KindEnabledChange, KindNotificationAction, KindScheduled,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// LocationBearing reports whether records of this kind carry a *Location
// payload built from a fix.
func (k Kind) LocationBearing() bool {
	switch k {
	case KindLocation, KindMotionChange, KindActivityChange, KindHeartbeat, KindScheduled:
		return true
	}
	return false
}

// Activity is a motion classification with a confidence of 0-100.
type Activity struct {
	Type       string `json:"type"`
	Confidence int    `json:"confidence"`
}

// Unknown activity type reported before any classification arrives.
const ActivityUnknown = "unknown"

// Motion is the motion state attached to a fix.
type Motion struct {
	Moving   bool
	Activity Activity
}

// Fix is one position sample. It is a value type; use WithMotion to derive a
// copy with a different motion state.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // meters
	Speed     float64 // m/s
	Heading   float64 // degrees
	Altitude  float64 // meters
	Timestamp time.Time
	Motion    Motion
}

// WithMotion returns a copy of f carrying m.
func (f Fix) WithMotion(m Motion) Fix {
	f.Motion = m
	return f
}

// Validate rejects non-finite values and coordinates outside the WGS84
// range.
func (f Fix) Validate() error {
	for _, v := range []struct {
		name string
		val  float64
	}{
		{"latitude", f.Latitude},
		{"longitude", f.Longitude},
		{"accuracy", f.Accuracy},
		{"speed", f.Speed},
		{"heading", f.Heading},
		{"altitude", f.Altitude},
	} {
		if math.IsNaN(v.val) || math.IsInf(v.val, 0) {
			return fmt.Errorf("%s is not finite", v.name)
		}
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", f.Longitude)
	}
	return nil
}

// Coords returns the coordinate block of f.
func (f Fix) Coords() Coords {
	return Coords{
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Accuracy:  f.Accuracy,
		Speed:     f.Speed,
		Heading:   f.Heading,
		Altitude:  f.Altitude,
	}
}
