// Package gnss turns NMEA 0183 output from a serial GNSS receiver into
// location fixes.
package gnss

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/locus/internal/units"
)

var (
	ErrMalformed = errors.New("malformed NMEA sentence")
	ErrChecksum  = errors.New("NMEA checksum mismatch")
)

// Sentence is a checksum-verified NMEA sentence split into its fields.
type Sentence struct {
	Talker string // e.g. "GP", "GN"
	Type   string // e.g. "RMC", "GGA"
	Fields []string
}

// ParseSentence validates the framing and checksum of line. Sentences
// without a checksum are rejected.
func ParseSentence(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, fmt.Errorf("%w: missing '$'", ErrMalformed)
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || len(line)-star != 3 {
		return Sentence{}, fmt.Errorf("%w: missing checksum", ErrMalformed)
	}
	body := line[1:star]
	want, err := strconv.ParseUint(line[star+1:], 16, 8)
	if err != nil {
		return Sentence{}, fmt.Errorf("%w: bad checksum digits %q", ErrMalformed, line[star+1:])
	}
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	if sum != byte(want) {
		return Sentence{}, fmt.Errorf("%w: got %02X want %02X", ErrChecksum, sum, want)
	}

	fields := strings.Split(body, ",")
	addr := fields[0]
	if len(addr) != 5 {
		return Sentence{}, fmt.Errorf("%w: address %q", ErrMalformed, addr)
	}
	return Sentence{Talker: addr[:2], Type: addr[2:], Fields: fields[1:]}, nil
}

// RMC is the recommended minimum navigation sentence.
type RMC struct {
	Time   time.Time
	Valid  bool
	Lat    float64
	Lon    float64
	Speed  float64 // m/s
	Course float64 // degrees true
}

// GGA carries fix quality, dilution and altitude.
type GGA struct {
	Quality    int
	Satellites int
	HDOP       float64
	Altitude   float64 // meters above mean sea level
	Lat        float64
	Lon        float64
}

// ParseRMC decodes the fields of an RMC sentence.
func ParseRMC(s Sentence) (RMC, error) {
	f := s.Fields
	if len(f) < 9 {
		return RMC{}, fmt.Errorf("%w: RMC has %d fields", ErrMalformed, len(f))
	}
	var r RMC
	switch f[1] {
	case "A":
		r.Valid = true
	case "V":
	default:
		return RMC{}, fmt.Errorf("%w: RMC status %q", ErrMalformed, f[1])
	}
	if !r.Valid {
		return r, nil
	}

	ts, err := parseDateTime(f[8], f[0])
	if err != nil {
		return RMC{}, err
	}
	r.Time = ts
	if r.Lat, err = parseCoord(f[2], f[3], 2); err != nil {
		return RMC{}, err
	}
	if r.Lon, err = parseCoord(f[4], f[5], 3); err != nil {
		return RMC{}, err
	}
	knots, err := parseOptionalFloat(f[6])
	if err != nil {
		return RMC{}, err
	}
	r.Speed = knots * units.KnotsToMPS
	if r.Course, err = parseOptionalFloat(f[7]); err != nil {
		return RMC{}, err
	}
	return r, nil
}

// ParseGGA decodes the fields of a GGA sentence. Position fields are only
// parsed when the quality indicator reports a fix.
func ParseGGA(s Sentence) (GGA, error) {
	f := s.Fields
	if len(f) < 9 {
		return GGA{}, fmt.Errorf("%w: GGA has %d fields", ErrMalformed, len(f))
	}
	var g GGA
	var err error
	if g.Quality, err = strconv.Atoi(f[5]); err != nil {
		return GGA{}, fmt.Errorf("%w: GGA quality %q", ErrMalformed, f[5])
	}
	if g.Quality == 0 {
		return g, nil
	}
	if g.Lat, err = parseCoord(f[1], f[2], 2); err != nil {
		return GGA{}, err
	}
	if g.Lon, err = parseCoord(f[3], f[4], 3); err != nil {
		return GGA{}, err
	}
	if f[6] != "" {
		if g.Satellites, err = strconv.Atoi(f[6]); err != nil {
			return GGA{}, fmt.Errorf("%w: GGA satellites %q", ErrMalformed, f[6])
		}
	}
	if g.HDOP, err = parseOptionalFloat(f[7]); err != nil {
		return GGA{}, err
	}
	if g.Altitude, err = parseOptionalFloat(f[8]); err != nil {
		return GGA{}, err
	}
	return g, nil
}

// parseCoord converts (d)ddmm.mmmm plus hemisphere into signed decimal
// degrees. degDigits is 2 for latitude and 3 for longitude.
func parseCoord(v, hemi string, degDigits int) (float64, error) {
	if len(v) < degDigits+2 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, v)
	}
	deg, err := strconv.Atoi(v[:degDigits])
	if err != nil || strings.IndexFunc(v[:degDigits], notDigit) >= 0 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, v)
	}
	minutes, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil || !finite(minutes) || minutes < 0 || minutes >= 60 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, v)
	}
	out := float64(deg) + minutes/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrMalformed, hemi)
	}
	return out, nil
}

func parseOptionalFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || !finite(f) {
		return 0, fmt.Errorf("%w: number %q", ErrMalformed, v)
	}
	return f, nil
}

func notDigit(r rune) bool { return r < '0' || r > '9' }

// finite rejects the NaN and Inf spellings strconv accepts.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// parseDateTime combines the ddmmyy date and hhmmss(.sss) time fields into
// a UTC timestamp.
func parseDateTime(date, clock string) (time.Time, error) {
	ts, err := time.ParseInLocation("020106 150405", date+" "+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date/time %q %q", ErrMalformed, date, clock)
	}
	return ts, nil
}
