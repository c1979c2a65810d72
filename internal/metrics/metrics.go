package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subscription"

// Collector holds the service's Prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	Operations      *prometheus.CounterVec
	OperationTime   *prometheus.HistogramVec
	Drift           *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	GatewayCalls    *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPRequestTime *prometheus.HistogramVec
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by name and outcome",
		}, []string{"operation", "outcome"}),
		OperationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of lifecycle operations including remote calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_total",
			Help:      "Local writes that failed after the provider accepted the change",
		}, []string{"operation"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider events by type and acknowledgement",
		}, []string{"type", "result"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Remote billing calls by method and outcome",
		}, []string{"method", "outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.Operations, c.OperationTime, c.Drift, c.WebhookEvents, c.GatewayCalls,
		c.HTTPRequests, c.HTTPRequestTime,
	)
	return c
}

// ObserveOperation records one lifecycle operation. All recording methods accept a nil
// Collector.
func (c *Collector) ObserveOperation(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.Operations.WithLabelValues(op, outcome(err)).Inc()
	c.OperationTime.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// RecordDrift counts a remote change the local record failed to capture.
func (c *Collector) RecordDrift(op string) {
	if c == nil {
		return
	}
	c.Drift.WithLabelValues(op).Inc()
}

// RecordWebhook counts one processed provider event.
func (c *Collector) RecordWebhook(eventType, result string) {
	if c == nil {
		return
	}
	c.WebhookEvents.WithLabelValues(eventType, result).Inc()
}

// RecordGatewayCall counts one remote call.
func (c *Collector) RecordGatewayCall(method string, err error) {
	if c == nil {
		return
	}
	c.GatewayCalls.WithLabelValues(method, outcome(err)).Inc()
}

// Middleware records request counts and latencies by route template.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.HTTPRequests.WithLabelValues(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.HTTPRequestTime.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
