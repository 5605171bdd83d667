package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCall         prometheus.Gauge
	CallOutcomes       *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	SignalsReceived    *prometheus.CounterVec
	WatchdogDemotions  prometheus.Counter
	TransportReconnect *prometheus.CounterVec
	BusyRejections     prometheus.Counter
	CallDuration       prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCall: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_call",
			Help:      "1 while a call session exists, 0 otherwise.",
		}),
		CallOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Concluded call attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Call state machine transitions by target state.",
		}, []string{"to"}),
		SignalsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Out-of-band control signals received by type.",
		}, []string{"type"}),
		WatchdogDemotions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_demotions_total",
			Help:      "Times the media watchdog demoted a connected call.",
		}),
		TransportReconnect: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Transport reconnect attempts by result.",
		}, []string{"result"}),
		BusyRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_incoming_total",
			Help:      "Incoming call offers ignored because a session was active.",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of connected calls in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
}

func (m *Metrics) ObserveCallDuration(d time.Duration) {
	m.CallDuration.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
