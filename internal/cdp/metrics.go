package cdp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a Client. A nil *Metrics records nothing.
type Metrics struct {
	commands      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	inFlight      prometheus.Gauge
	latency       prometheus.Histogram
	events        prometheus.Counter
	handlerPanics prometheus.Counter
	malformed     prometheus.Counter
}

// NewMetrics registers the client collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpdriver",
			Name:      "commands_sent_total",
			Help:      "CDP commands written to the connection, by kind.",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpdriver",
			Name:      "command_failures_total",
			Help:      "CDP commands that resolved with an error, by error class.",
		}, []string{"class"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdpdriver",
			Name:      "commands_in_flight",
			Help:      "Entries in the in-flight command table.",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cdpdriver",
			Name:      "command_duration_seconds",
			Help:      "Time from send to collected response.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		events: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cdpdriver",
			Name:      "events_dispatched_total",
			Help:      "CDP events handed to the dispatcher.",
		}),
		handlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cdpdriver",
			Name:      "event_handler_panics_total",
			Help:      "Event handlers that panicked.",
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cdpdriver",
			Name:      "malformed_frames_total",
			Help:      "Incoming frames that could not be parsed.",
		}),
	}
}

func (m *Metrics) commandSent(kind string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind).Inc()
}

func (m *Metrics) commandFailed(err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(errorClass(err)).Inc()
}

func (m *Metrics) commandDone(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) eventDispatched() {
	if m == nil {
		return
	}
	m.events.Inc()
}

func (m *Metrics) handlerPanicked() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}
