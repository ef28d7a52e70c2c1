// Package schedule decides from time-of-day windows whether tracking should
// be running, and re-checks that decision on a fixed interval.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/locus/internal/units"
)

// Window is a daily interval in minutes since midnight. End before Start
// means the window wraps past midnight. The end minute is exclusive.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseMinutes(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: start: %w", s, err)
	}
	end, err := parseMinutes(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: end: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseMinutes(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	if !twoDigits(parts[0]) || !twoDigits(parts[1]) {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("hour %q: %w", parts[0], err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("minute %q: %w", parts[1], err)
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %d out of range 0-23", h)
	}
	if m < 0 || m > 59 {
		return 0, fmt.Errorf("minute %d out of range 0-59", m)
	}
	return h*60 + m, nil
}

func twoDigits(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

// Contains reports whether minute falls inside the window. A window whose
// start equals its end is empty.
func (w Window) Contains(minute int) bool {
	if w.End < w.Start {
		return minute >= w.Start || minute < w.End
	}
	return minute >= w.Start && minute < w.End
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// Matches reports whether t, taken in its own location, falls in any of the
// windows. Malformed entries never match.
func Matches(windows []string, t time.Time) bool {
	now := units.MinuteOfDay(t)
	for _, s := range windows {
		w, err := ParseWindow(s)
		if err != nil {
			continue
		}
		if w.Contains(now) {
			return true
		}
	}
	return false
}
