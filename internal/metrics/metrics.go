// ABOUTME: Prometheus collectors for turn and stream activity
// ABOUTME: Nil-safe instrument methods so wiring is optional everywhere

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Turn status labels.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Metrics exposes Prometheus collectors that report gateway activity. A nil
// *Metrics is valid and turns every method into a no-op, so components take
// one without caring whether metrics are enabled.
type Metrics struct {
	turnDuration  *prometheus.HistogramVec
	turnFailures  *prometheus.CounterVec
	fragmentsSent prometheus.Counter
	streamsActive prometheus.Gauge
}

// MustNew constructs a Metrics instance using the provided registerer, or
// the default registerer when reg is nil. Collectors that are already
// registered are reused, so repeated construction against the same registry
// is safe. Any other registration error panics, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parley",
			Subsystem: "gateway",
			Name:      "turn_duration_seconds",
			Help:      "Duration of conversation turns by transport mode and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode", "status"},
	)
	turnFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "gateway",
			Name:      "turn_failures_total",
			Help:      "Total failed turns by the stage that failed.",
		},
		[]string{"stage"},
	)
	fragmentsSent := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "gateway",
			Name:      "stream_fragments_total",
			Help:      "Total reply fragments relayed to streaming clients.",
		},
	)
	streamsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "gateway",
			Name:      "streams_active",
			Help:      "Number of streaming connections currently open.",
		},
	)

	collectors := []prometheus.Collector{turnDuration, turnFailures, fragmentsSent, streamsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when one is already registered.
				switch collector.(type) {
				case *prometheus.HistogramVec:
					turnDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					turnFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Gauge:
					streamsActive = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					fragmentsSent = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		turnDuration:  turnDuration,
		turnFailures:  turnFailures,
		fragmentsSent: fragmentsSent,
		streamsActive: streamsActive,
	}
}

// ObserveTurn records a finished turn with its transport mode and outcome.
func (m *Metrics) ObserveTurn(mode, status string, duration time.Duration) {
	if m == nil || m.turnDuration == nil {
		return
	}
	m.turnDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
}

// IncTurnFailure increments the failure counter for the given stage.
func (m *Metrics) IncTurnFailure(stage string) {
	if m == nil || m.turnFailures == nil {
		return
	}
	m.turnFailures.WithLabelValues(stage).Inc()
}

// IncFragmentRelayed counts one reply fragment delivered to a client.
func (m *Metrics) IncFragmentRelayed() {
	if m == nil || m.fragmentsSent == nil {
		return
	}
	m.fragmentsSent.Inc()
}

// IncActiveStreams marks a streaming connection as open.
func (m *Metrics) IncActiveStreams() {
	if m == nil || m.streamsActive == nil {
		return
	}
	m.streamsActive.Inc()
}

// DecActiveStreams marks a streaming connection as closed.
func (m *Metrics) DecActiveStreams() {
	if m == nil || m.streamsActive == nil {
		return
	}
	m.streamsActive.Dec()
}
