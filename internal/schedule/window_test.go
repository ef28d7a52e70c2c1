package schedule

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 6, 1, h, m, 0, 0, time.UTC)
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in      string
		want    Window
		wantErr bool
	}{
		{"09:00-17:00", Window{Start: 540, End: 1020}, false},
		{" 22:00 - 06:00 ", Window{Start: 1320, End: 360}, false},
		{"00:00-23:59", Window{Start: 0, End: 1439}, false},
		{"abc", Window{}, true},
		{"09:00", Window{}, true},
		{"09:00-17:00-18:00", Window{}, true},
		{"9-17", Window{}, true},
		{"aa:00-17:00", Window{}, true},
		{"09:xx-17:00", Window{}, true},
		{"24:00-01:00", Window{}, true},
		{"09:60-10:00", Window{}, true},
		{"-1:00-02:00", Window{}, true},
		{"+9:05-17:00", Window{}, true},
		{"9:00-17:00", Window{}, true},
		{"09:5-17:00", Window{}, true},
		{"09:00-17:+5", Window{}, true},
		{"009:00-17:00", Window{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWindow(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWindow(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseWindow(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		windows []string
		now     time.Time
		want    bool
	}{
		{"overnight at 23:00", []string{"22:00-06:00"}, at(23, 0), true},
		{"overnight at 05:00", []string{"22:00-06:00"}, at(5, 0), true},
		{"overnight at 12:00", []string{"22:00-06:00"}, at(12, 0), false},
		{"overnight end is exclusive", []string{"22:00-06:00"}, at(6, 0), false},
		{"overnight start is inclusive", []string{"22:00-06:00"}, at(22, 0), true},
		{"daytime at 12:00", []string{"09:00-17:00"}, at(12, 0), true},
		{"daytime at 20:00", []string{"09:00-17:00"}, at(20, 0), false},
		{"daytime last minute", []string{"09:00-17:00"}, at(16, 59), true},
		{"malformed never matches", []string{"abc"}, at(12, 0), false},
		{"malformed alongside valid", []string{"abc", "11:00-13:00"}, at(12, 0), true},
		{"any window matches", []string{"01:00-02:00", "11:00-13:00"}, at(12, 30), true},
		{"empty window", []string{"10:00-10:00"}, at(10, 0), false},
		{"no windows", nil, at(10, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.windows, tt.now); got != tt.want {
				t.Errorf("Matches(%v, %s) = %v, want %v", tt.windows, tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestWindowString(t *testing.T) {
	w := Window{Start: 22 * 60, End: 6*60 + 5}
	if w.String() != "22:00-06:05" {
		t.Errorf("String() = %q", w.String())
	}
}
