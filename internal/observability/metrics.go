package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ConnectionState     prometheus.Gauge
	Reconnects          prometheus.Counter
	DroppedFrames       *prometheus.CounterVec
	DispatchedEnvelopes *prometheus.CounterVec
	TrackedTasks        prometheus.Gauge
	PollFetches         *prometheus.CounterVec
	TaskEvents          *prometheus.CounterVec
	StreamProxies       prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Realtime channel state (0 idle, 1 connecting, 2 open, 3 reconnecting, 4 closed).",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after unexpected channel closes.",
		}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped by reason.",
		}, []string{"reason"}),
		DispatchedEnvelopes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_envelopes_total",
			Help:      "Envelopes handed to the dispatcher by event type.",
		}, []string{"type"}),
		TrackedTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_tasks",
			Help:      "Tasks currently tracked by the store.",
		}),
		PollFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_fetches_total",
			Help:      "Polling fetches by outcome.",
		}, []string{"outcome"}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		StreamProxies: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stream_proxies",
			Help:      "Currently open per-task stream proxy connections.",
		}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePollFetch(outcome string) {
	if m == nil {
		return
	}
	m.PollFetches.WithLabelValues(outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
