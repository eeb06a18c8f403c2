package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stanza",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stanza",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	inboundStanzas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stanza",
			Subsystem: "dispatcher",
			Name:      "inbound_total",
			Help:      "Inbound stanzas by envelope kind.",
		},
		[]string{"node", "kind"},
	)
	outboundStanzas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stanza",
			Subsystem: "dispatcher",
			Name:      "outbound_total",
			Help:      "Transmitted stanzas by element name.",
		},
		[]string{"node", "kind"},
	)
	synthesizedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stanza",
			Subsystem: "dispatcher",
			Name:      "error_replies_total",
			Help:      "Error replies produced by the dispatcher by condition.",
		},
		[]string{"node", "condition"},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stanza",
			Subsystem: "dispatcher",
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked.",
		},
		[]string{"node", "schema"},
	)
	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stanza",
			Subsystem: "dispatcher",
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "schema"},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stanza",
			Subsystem: "dispatcher",
			Name:      "pending_requests",
			Help:      "Outstanding requests awaiting a reply.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			inboundStanzas, outboundStanzas, synthesizedErrors,
			handlerFailures, handlerDuration, pendingRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// DispatcherMetrics records dispatcher events under a node label. It
// satisfies dispatcher.Metrics.
type DispatcherMetrics struct {
	Node string
}

func NewDispatcherMetrics(node string) DispatcherMetrics {
	RegisterMetrics()
	return DispatcherMetrics{Node: node}
}

func (m DispatcherMetrics) Inbound(kind string) {
	inboundStanzas.WithLabelValues(m.Node, kind).Inc()
}

func (m DispatcherMetrics) Outbound(kind string) {
	outboundStanzas.WithLabelValues(m.Node, kind).Inc()
}

func (m DispatcherMetrics) Synthesized(condition string) {
	synthesizedErrors.WithLabelValues(m.Node, condition).Inc()
}

func (m DispatcherMetrics) HandlerFailure(schema string) {
	handlerFailures.WithLabelValues(m.Node, schema).Inc()
}

func (m DispatcherMetrics) HandlerDuration(schema string, d time.Duration) {
	handlerDuration.WithLabelValues(m.Node, schema).Observe(d.Seconds())
}

func (m DispatcherMetrics) Pending(n int) {
	pendingRequests.WithLabelValues(m.Node).Set(float64(n))
}
