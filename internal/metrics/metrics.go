package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the routing engine and its processes.
var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total number of events appended to the durable log",
		},
		[]string{"channel"},
	)

	EventPublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publish_failures_total",
			Help: "Total number of publish attempts that failed",
		},
	)

	EventsHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_handled_total",
			Help: "Total number of consumer-group deliveries by outcome",
		},
		[]string{"group", "outcome"},
	)

	EventsRedeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_redelivered_total",
			Help: "Total number of pending entries reclaimed for redelivery",
		},
		[]string{"group"},
	)

	CallStateConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callstate_version_conflicts_total",
			Help: "Total number of optimistic call state writes that lost a race and retried",
		},
	)

	FlowStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_steps_total",
			Help: "Total number of executed flow nodes",
		},
		[]string{"node_type", "action"},
	)

	FlowStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flow_step_duration_seconds",
			Help:    "Duration of a single flow node execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlowLoadFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_load_failures_total",
			Help: "Total number of rejected flow documents by error kind",
		},
		[]string{"kind"},
	)

	RoutingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_decisions_total",
			Help: "Total number of buyer selections by mode and tier",
		},
		[]string{"mode", "tier"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Register registers all Prometheus metrics with the default registry.
// Call once per process.
func Register() {
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventPublishFailuresTotal)
	prometheus.MustRegister(EventsHandledTotal)
	prometheus.MustRegister(EventsRedeliveredTotal)
	prometheus.MustRegister(CallStateConflictsTotal)
	prometheus.MustRegister(FlowStepsTotal)
	prometheus.MustRegister(FlowStepDuration)
	prometheus.MustRegister(FlowLoadFailuresTotal)
	prometheus.MustRegister(RoutingDecisionsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// GinMiddleware records request latency per route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
