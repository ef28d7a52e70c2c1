package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/stat"
)

// accuracyWindow is the number of recent fixes averaged for the accuracy gauge.
const accuracyWindow = 50

// Metrics holds the tracking pipeline's Prometheus collectors. All methods
// are safe on a nil receiver so components can run without instrumentation.
type Metrics struct {
	trackingStarts  prometheus.Counter
	trackingStops   prometheus.Counter
	motionChanges   *prometheus.CounterVec
	locationUpdates prometheus.Counter
	events          *prometheus.CounterVec
	outboxEnqueued  prometheus.Counter
	outboxDelivered prometheus.Counter
	outboxFailed    prometheus.Counter
	outboxDropped   prometheus.Counter
	accuracyMean    prometheus.Gauge
	accuracyStdDev  prometheus.Gauge

	mu       sync.Mutex
	accuracy []float64
	next     int
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		trackingStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_tracking_starts_total",
			Help: "Number of times tracking was started",
		}),
		trackingStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_tracking_stops_total",
			Help: "Number of times tracking was stopped",
		}),
		motionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_motion_changes_total",
			Help: "Motion state transitions by resulting state",
		}, []string{"moving"}),
		locationUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_location_updates_total",
			Help: "Fixes received while tracking",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_events_total",
			Help: "Events dispatched through the pipeline by kind",
		}, []string{"kind"}),
		outboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_outbox_enqueued_total",
			Help: "Entries written to the retry queue",
		}),
		outboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_outbox_delivered_total",
			Help: "Entries acknowledged by the remote endpoint",
		}),
		outboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_outbox_failed_total",
			Help: "Delivery attempts that left an entry queued for retry",
		}),
		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_outbox_dropped_total",
			Help: "Entries dropped after exhausting their retries",
		}),
		accuracyMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "locus_fix_accuracy_mean_meters",
			Help: "Mean horizontal accuracy over recent fixes",
		}),
		accuracyStdDev: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "locus_fix_accuracy_stddev_meters",
			Help: "Standard deviation of horizontal accuracy over recent fixes",
		}),
		accuracy: make([]float64, 0, accuracyWindow),
	}
	if reg != nil {
		reg.MustRegister(
			m.trackingStarts, m.trackingStops, m.motionChanges, m.locationUpdates,
			m.events, m.outboxEnqueued, m.outboxDelivered, m.outboxFailed,
			m.outboxDropped, m.accuracyMean, m.accuracyStdDev,
		)
	}
	return m
}

func (m *Metrics) TrackingStarted() {
	if m != nil {
		m.trackingStarts.Inc()
	}
}

func (m *Metrics) TrackingStopped() {
	if m != nil {
		m.trackingStops.Inc()
	}
}

func (m *Metrics) MotionChanged(moving bool) {
	if m == nil {
		return
	}
	label := "false"
	if moving {
		label = "true"
	}
	m.motionChanges.WithLabelValues(label).Inc()
}

func (m *Metrics) EventDispatched(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) OutboxEnqueued() {
	if m != nil {
		m.outboxEnqueued.Inc()
	}
}

func (m *Metrics) OutboxDelivered(n int) {
	if m != nil && n > 0 {
		m.outboxDelivered.Add(float64(n))
	}
}

func (m *Metrics) OutboxFailed(n int) {
	if m != nil && n > 0 {
		m.outboxFailed.Add(float64(n))
	}
}

func (m *Metrics) OutboxDropped() {
	if m != nil {
		m.outboxDropped.Inc()
	}
}

// LocationUpdated counts a fix and folds its accuracy into the sliding window.
// Non-positive accuracies are counted but not averaged.
func (m *Metrics) LocationUpdated(accuracy float64) {
	if m == nil {
		return
	}
	m.locationUpdates.Inc()
	if accuracy <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.accuracy) < accuracyWindow {
		m.accuracy = append(m.accuracy, accuracy)
	} else {
		m.accuracy[m.next] = accuracy
		m.next = (m.next + 1) % accuracyWindow
	}
	mean, std := stat.MeanStdDev(m.accuracy, nil)
	m.accuracyMean.Set(mean)
	if len(m.accuracy) > 1 {
		m.accuracyStdDev.Set(std)
	}
}
