package event

// Payload is the kind-specific body of a Record. The set of implementations
// is closed: Location, Geofence, ProviderChange, EnabledChange and
// NotificationAction.
type Payload interface {
	payload()
}

// Coords is the position block of a location payload.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Altitude  float64 `json:"altitude"`
}

// Location is carried by location, motionchange, activitychange, heartbeat
// and scheduled records.
type Location struct {
	Coords   Coords    `json:"coords"`
	Activity *Activity `json:"activity,omitempty"`
	IsMoving bool      `json:"is_moving"`
	Odometer float64   `json:"odometer"`
}

// Region describes a monitored geofence.
type Region struct {
	Identifier string  `json:"identifier"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
	Radius     float64 `json:"radius,omitempty"`
}

// Geofence is carried by geofence records. Location is set only when the
// trigger reported where the device was.
type Geofence struct {
	Action      string    `json:"action"`
	Identifiers []string  `json:"identifiers"`
	Region      Region    `json:"geofence"`
	Location    *Location `json:"location,omitempty"`
}

// ProviderChange reports location provider availability.
type ProviderChange struct {
	Enabled bool   `json:"enabled"`
	Status  string `json:"status"`
	GPS     bool   `json:"gps"`
	Network bool   `json:"network"`
}

// EnabledChange reports a tracking start or stop.
type EnabledChange struct {
	Enabled bool `json:"enabled"`
}

// NotificationAction reports a tap on a notification button.
type NotificationAction struct {
	Action string `json:"action"`
}

func (*Location) payload()           {}
func (*Geofence) payload()           {}
func (*ProviderChange) payload()     {}
func (*EnabledChange) payload()      {}
func (*NotificationAction) payload() {}

// newPayload returns an empty payload of the type records of kind k carry.
func newPayload(k Kind) Payload {
	switch {
	case k.LocationBearing():
		return &Location{}
	case k == KindGeofence:
		return &Geofence{}
	case k == KindProviderChange:
		return &ProviderChange{}
	case k == KindEnabledChange:
		return &EnabledChange{}
	case k == KindNotificationAction:
		return &NotificationAction{}
	}
	return nil
}
