package outbox

import "time"

// Backoff returns the delay before attempt retry+1: base doubled for every
// failure after the first, capped at max.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	d := base
	for i := 1; i < retry; i++ {
		if max > 0 && d >= max {
			break
		}
		if d > time.Duration(1<<62)/2 {
			d = time.Duration(1<<62)
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
