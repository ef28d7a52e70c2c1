// Package odometer accumulates the distance travelled between successive fixes.
package odometer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/units"
)

// ErrInvalidDistance is returned by SetDistance for negative or non-finite values.
var ErrInvalidDistance = errors.New("odometer distance must be a finite non-negative number")

// Store persists the cumulative distance.
type Store interface {
	LoadOdometer(ctx context.Context) (float64, error)
	SaveOdometer(ctx context.Context, meters float64) error
}

// Odometer holds the persisted total and the last fix it was updated with.
// The reference fix is never persisted, so the first fix after a restart
// only establishes a baseline.
type Odometer struct {
	store Store
	cfg   config.Source

	mu       sync.Mutex
	distance float64
	last     *event.Fix
}

// New loads the persisted total from store.
func New(ctx context.Context, store Store, cfg config.Source) (*Odometer, error) {
	if cfg == nil {
		cfg = config.Static{}
	}
	o := &Odometer{store: store, cfg: cfg}
	if store != nil {
		d, err := store.LoadOdometer(ctx)
		if err != nil {
			return nil, fmt.Errorf("load odometer: %w", err)
		}
		o.distance = d
	}
	return o, nil
}

// Distance returns the cumulative distance in meters.
func (o *Odometer) Distance() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.distance
}

// Update folds fix into the total and returns it. The first fix after
// construction or SetDistance adds nothing.
//
// With odometer_max_jump set, a delta larger than the cap is discarded but the
// reference still moves to fix, so a single bad sample costs one segment
// rather than poisoning every update after it.
func (o *Odometer) Update(ctx context.Context, fix event.Fix) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	last := o.last
	o.last = &fix
	if last == nil {
		return o.distance
	}

	delta := units.Haversine(last.Latitude, last.Longitude, fix.Latitude, fix.Longitude)
	if math.IsNaN(delta) || delta <= 0 {
		return o.distance
	}
	if limit := o.cfg.Current().GetOdometerMaxJump(); limit > 0 && delta > limit {
		monitoring.Warnf("odometer: discarding %.0fm jump (limit %.0fm)", delta, limit)
		return o.distance
	}

	o.distance += delta
	o.persist(ctx)
	return o.distance
}

// SetDistance overwrites the total and clears the reference fix.
func (o *Odometer) SetDistance(ctx context.Context, meters float64) error {
	if meters < 0 || math.IsNaN(meters) || math.IsInf(meters, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidDistance, meters)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.distance = meters
	o.last = nil
	o.persist(ctx)
	return nil
}

// persist writes the total; failures are logged and the in-memory value kept.
func (o *Odometer) persist(ctx context.Context) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveOdometer(ctx, o.distance); err != nil {
		monitoring.Warnf("odometer: persist failed: %v", err)
	}
}
