package gnss

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/serialmux"
	"github.com/banshee-data/locus/internal/timeutil"
	"github.com/banshee-data/locus/internal/tracking"
)

const (
	// DefaultStationaryInterval is the minimum spacing between fixes handed
	// on while the device is stationary.
	DefaultStationaryInterval = 30 * time.Second
	// DefaultUERE is the user equivalent range error, in meters, multiplied
	// by HDOP to estimate horizontal accuracy.
	DefaultUERE = 5.0
)

// Provider status strings reported through ProviderChange.Status.
const (
	StatusUnavailable = "unavailable"
	StatusSearching   = "searching"
	StatusAvailable   = "available"
)

// LineSource is the part of a serial mux the receiver reads from.
type LineSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

var _ LineSource = (serialmux.SerialMuxInterface)(nil)

type Options struct {
	Lines              LineSource
	Clock              timeutil.Clock
	StationaryInterval time.Duration
	UERE               float64
}

// Receiver decodes RMC and GGA sentences into fixes. It is both the
// tracking.LocationSource and, through Providers, the
// tracking.ProviderMonitor for a serial receiver.
//
// Run consumes sentences for the life of the process. Start and Stop only
// gate whether fixes reach the listener.
type Receiver struct {
	lines              LineSource
	clock              timeutil.Clock
	stationaryInterval time.Duration
	uere               float64

	mu       sync.Mutex
	listener tracking.LocationListener
	started  bool
	moving   bool
	lastSent time.Time
	lastGGA  *GGA
	seen     bool
	hasFix   bool
	skipped  int

	providers *Providers
}

func NewReceiver(opts Options) (*Receiver, error) {
	if opts.Lines == nil {
		return nil, errors.New("gnss: line source is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.StationaryInterval <= 0 {
		opts.StationaryInterval = DefaultStationaryInterval
	}
	if opts.UERE <= 0 {
		opts.UERE = DefaultUERE
	}
	r := &Receiver{
		lines:              opts.Lines,
		clock:              opts.Clock,
		stationaryInterval: opts.StationaryInterval,
		uere:               opts.UERE,
	}
	r.providers = &Providers{r: r}
	return r, nil
}

var _ tracking.LocationSource = (*Receiver)(nil)

func (r *Receiver) SetListener(l tracking.LocationListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		r.started = true
		r.lastSent = time.Time{}
	}
	return nil
}

func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
}

// UpdateRequest switches cadence. Moving hands on every fix; stationary
// throttles to one per stationary interval. Becoming moving lets the next
// fix through immediately.
func (r *Receiver) UpdateRequest(moving bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if moving && !r.moving {
		r.lastSent = time.Time{}
	}
	r.moving = moving
}

// HasPermission is always true: access to the serial device was granted
// when it was opened.
func (r *Receiver) HasPermission() bool { return true }

// Providers returns the provider monitor view of the receiver.
func (r *Receiver) Providers() *Providers { return r.providers }

// Skipped reports how many lines were dropped as malformed.
func (r *Receiver) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Run consumes lines until ctx is done or the source closes the channel.
func (r *Receiver) Run(ctx context.Context) error {
	id, ch := r.lines.Subscribe()
	defer r.lines.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-ch:
			if !ok {
				return nil
			}
			r.HandleLine(line)
		}
	}
}

// HandleLine processes one raw sentence. Sentences other than RMC and GGA
// are ignored; malformed ones are counted and skipped.
func (r *Receiver) HandleLine(line string) {
	s, err := ParseSentence(line)
	if err != nil {
		r.skip(line, err)
		return
	}
	switch s.Type {
	case "GGA":
		g, err := ParseGGA(s)
		if err != nil {
			r.skip(line, err)
			return
		}
		r.onGGA(g)
	case "RMC":
		rmc, err := ParseRMC(s)
		if err != nil {
			r.skip(line, err)
			return
		}
		r.onRMC(rmc)
	default:
		r.markSeen()
	}
}

func (r *Receiver) skip(line string, err error) {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
	monitoring.Debugf("gnss: skipping %q: %v", line, err)
}

func (r *Receiver) markSeen() {
	r.setStatus(func() { r.seen = true })
}

func (r *Receiver) onGGA(g GGA) {
	r.setStatus(func() {
		r.seen = true
		if g.Quality > 0 {
			r.lastGGA = &g
		} else {
			r.lastGGA = nil
			r.hasFix = false
		}
	})
}

func (r *Receiver) onRMC(rmc RMC) {
	r.setStatus(func() {
		r.seen = true
		r.hasFix = rmc.Valid
	})
	if !rmc.Valid {
		return
	}

	r.mu.Lock()
	fix := event.Fix{
		Latitude:  rmc.Lat,
		Longitude: rmc.Lon,
		Speed:     rmc.Speed,
		Heading:   rmc.Course,
		Timestamp: rmc.Time,
	}
	if r.lastGGA != nil {
		fix.Altitude = r.lastGGA.Altitude
		fix.Accuracy = r.lastGGA.HDOP * r.uere
	}
	now := r.clock.Now()
	deliver := r.started && r.listener.OnFix != nil &&
		(r.moving || r.lastSent.IsZero() || now.Sub(r.lastSent) >= r.stationaryInterval)
	if deliver {
		r.lastSent = now
	}
	onFix := r.listener.OnFix
	r.mu.Unlock()

	if deliver {
		onFix(fix)
	}
}

// setStatus applies mutate and notifies the provider listener if the
// reported status changed as a result.
func (r *Receiver) setStatus(mutate func()) {
	r.mu.Lock()
	before := r.statusLocked()
	mutate()
	after := r.statusLocked()
	r.mu.Unlock()

	if before != after {
		r.providers.notify()
	}
}

func (r *Receiver) statusLocked() event.ProviderChange {
	switch {
	case r.hasFix:
		return event.ProviderChange{Enabled: true, Status: StatusAvailable, GPS: true}
	case r.seen:
		return event.ProviderChange{Enabled: true, Status: StatusSearching}
	default:
		return event.ProviderChange{Status: StatusUnavailable}
	}
}

// Providers reports receiver availability: unavailable until the first
// sentence, searching until a valid fix, then available.
type Providers struct {
	r *Receiver

	mu       sync.Mutex
	listener func()
	started  bool
}

var _ tracking.ProviderMonitor = (*Providers)(nil)

func (p *Providers) SetListener(onChange func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = onChange
}

func (p *Providers) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *Providers) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}

func (p *Providers) Status() event.ProviderChange {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.r.statusLocked()
}

func (p *Providers) notify() {
	p.mu.Lock()
	fn := p.listener
	if !p.started {
		fn = nil
	}
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}
