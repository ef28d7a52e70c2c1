package units

import (
	"fmt"
	"sync"
	"time"
)

var (
	zoneMu    sync.Mutex
	zoneCache = map[string]*time.Location{}
)

// LoadZone resolves an IANA zone name. An empty name or "Local" is the
// process zone. Lookups are cached since schedule checks run every minute.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	zoneMu.Lock()
	defer zoneMu.Unlock()
	if loc, ok := zoneCache[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", name, err)
	}
	zoneCache[name] = loc
	return loc, nil
}

// IsTimezoneValid reports whether tz names a zone in the tz database.
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := LoadZone(tz)
	return err == nil
}

// MinuteOfDay returns the minutes elapsed since local midnight of t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
