package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "subscriptions",
			Subsystem: "ws",
			Name:      "sessions_active",
			Help:      "Open graphql-ws sessions.",
		},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subscriptions",
			Subsystem: "ws",
			Name:      "messages_received_total",
			Help:      "Client messages received, by type.",
		},
		[]string{"type"},
	)
	operationsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "subscriptions",
			Subsystem: "ws",
			Name:      "operations_started_total",
			Help:      "Operations registered by start messages.",
		},
	)
	operationsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subscriptions",
			Subsystem: "ws",
			Name:      "operations_finished_total",
			Help:      "Operations removed from a session, by how they ended.",
		},
		[]string{"result"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "subscriptions",
			Subsystem: "ws",
			Name:      "operation_duration_seconds",
			Help:      "Time from start to removal of an operation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subscriptions",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "subscriptions",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			activeSessions, messagesReceived,
			operationsStarted, operationsFinished, operationDuration,
			httpRequests, httpDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}

// RecordMessage counts a received message. Types outside the protocol are
// folded into "invalid" to bound the label set.
func RecordMessage(typ string, valid bool) {
	RegisterMetrics()
	if !valid {
		typ = "invalid"
	}
	messagesReceived.WithLabelValues(typ).Inc()
}

func RecordOperationStarted() {
	RegisterMetrics()
	operationsStarted.Inc()
}

func RecordOperationFinished(result string, duration time.Duration) {
	RegisterMetrics()
	operationsFinished.WithLabelValues(result).Inc()
	operationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
