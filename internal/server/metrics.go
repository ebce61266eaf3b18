package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relay"

// Metrics holds the Prometheus collectors for the hub. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	activeConnections prometheus.Gauge
	sessionsTotal     prometheus.Counter
	broadcastsTotal   *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
	deliveriesTotal   prometheus.Counter
	deliveryFailures  *prometheus.CounterVec
	framesReceived    prometheus.Counter
	framesRejected    *prometheus.CounterVec
}

// NewMetrics registers the hub collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of connections currently in the registry",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions registered with the hub",
		}),

		broadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts by envelope type",
		}, []string{"type"}),

		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent fanning a broadcast out to its recipients",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),

		deliveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Total number of frames queued to recipients",
		}),

		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_failures_total",
			Help:      "Total number of failed deliveries by reason",
		}, []string{"reason"}),

		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Total number of inbound frames read from clients",
		}),

		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_rejected_total",
			Help:      "Total number of inbound frames rejected by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.activeConnections.Set(float64(n))
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.sessionsTotal.Inc()
	}
}

func (m *Metrics) broadcastDone(kind string, seconds float64, delivered int) {
	if m != nil {
		m.broadcastsTotal.WithLabelValues(kind).Inc()
		m.broadcastDuration.Observe(seconds)
		m.deliveriesTotal.Add(float64(delivered))
	}
}

func (m *Metrics) deliveryFailed(err error) {
	if m != nil {
		m.deliveryFailures.WithLabelValues(failureReason(err)).Inc()
	}
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) frameRejected(reason string) {
	if m != nil {
		m.framesRejected.WithLabelValues(reason).Inc()
	}
}

// failureReason keeps the failure label set small.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSendQueueFull):
		return "queue_full"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	default:
		return "write_error"
	}
}
