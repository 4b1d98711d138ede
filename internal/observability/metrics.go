package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chprops"

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Fan-out delivery results.
const (
	FanoutDelivered = "delivered"
	FanoutFailed    = "failed"
	FanoutDropped   = "dropped"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames read or written by session layers.",
		},
		[]string{"direction", "mtype"},
	)
	protocolFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_faults_total",
			Help:      "Frames routed to a fallback handler.",
		},
		[]string{"kind"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Open sessions by transport.",
		},
		[]string{"transport"},
	)
	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Client requests by outcome.",
		},
		[]string{"mtype", "status"},
	)
	clientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time from request send to reply or failure.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mtype"},
	)
	clientPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply across all clients.",
		},
	)
	fanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "fanout_updates_total",
			Help:      "Update deliveries attempted by server outboxes.",
		},
		[]string{"result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			protocolFaults,
			sessionsActive,
			clientRequests,
			clientRequestDuration,
			clientPending,
			fanoutTotal,
			httpRequests,
			httpDuration,
		)
	})
}

// RecordFrame counts one frame. Callers pass a bounded mtype label.
func RecordFrame(direction, mtype string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, mtype).Inc()
}

func RecordProtocolFault(kind string) {
	RegisterMetrics()
	protocolFaults.WithLabelValues(kind).Inc()
}

func SessionOpened(transport string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(transport).Inc()
}

func SessionClosed(transport string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(transport).Dec()
}

func RecordClientRequest(mtype, status string, duration time.Duration) {
	RegisterMetrics()
	clientRequests.WithLabelValues(mtype, status).Inc()
	clientRequestDuration.WithLabelValues(mtype).Observe(duration.Seconds())
}

func AddPendingRequests(delta int) {
	RegisterMetrics()
	clientPending.Add(float64(delta))
}

func RecordFanout(result string) {
	RegisterMetrics()
	fanoutTotal.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
