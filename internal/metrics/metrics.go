// Package metrics holds the Prometheus collectors for dispatch and the HTTP
// surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadcast"

type Metrics struct {
	reg *prometheus.Registry

	DispatchRuns    prometheus.Counter
	PostsProcessed  *prometheus.CounterVec
	AccountOutcomes *prometheus.CounterVec
	PostDuration    prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on a private registry, plus the Go and
// process collectors.
func New(version string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		DispatchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_runs_total",
			Help:      "Dispatch runs started.",
		}),
		PostsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_processed_total",
			Help:      "Posts that reached a final status, by status.",
		}, []string{"status"}),
		AccountOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_outcomes_total",
			Help:      "Per-account chain outcomes: posted, failed, partial or reused.",
		}, []string{"outcome"}),
		PostDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "post_duration_seconds",
			Help:      "Wall time spent broadcasting one post.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	info.Set(1)

	m.reg.MustRegister(
		m.DispatchRuns, m.PostsProcessed, m.AccountOutcomes, m.PostDuration,
		m.httpRequests, m.httpDuration, info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.DispatchRuns.Inc()
}

func (m *Metrics) PostFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PostsProcessed.WithLabelValues(status).Inc()
	if d > 0 {
		m.PostDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AccountOutcome(outcome string) {
	if m == nil {
		return
	}
	m.AccountOutcomes.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Status(404) }
	}
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
