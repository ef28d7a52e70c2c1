package event

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseActivity parses the "type,confidence" form activity classifiers
// report, e.g. "walking,80".
func ParseActivity(raw string) (Activity, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return Activity{}, fmt.Errorf("activity %q: want \"type,confidence\"", raw)
	}
	typ := strings.TrimSpace(parts[0])
	if typ == "" {
		return Activity{}, fmt.Errorf("activity %q: empty type", raw)
	}
	conf, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Activity{}, fmt.Errorf("activity %q: bad confidence: %w", raw, err)
	}
	if conf < 0 || conf > 100 {
		return Activity{}, fmt.Errorf("activity %q: confidence %d out of range 0-100", raw, conf)
	}
	return Activity{Type: typ, Confidence: conf}, nil
}
