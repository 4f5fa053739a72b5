// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	quotaRejections  prometheus.Counter
	shareRedemptions *prometheus.CounterVec
	auditDropped     prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudvault_processing_jobs_total",
			Help: "Processing jobs handled, by outcome.",
		}, []string{"outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudvault_processing_job_duration_seconds",
			Help:    "Time spent on one processing job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		quotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "cloudvault_quota_rejections_total",
			Help: "Reservations rejected for exceeding quota.",
		}),
		shareRedemptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudvault_share_redemptions_total",
			Help: "Share link redemptions, by result.",
		}, []string{"result"}),
		auditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "cloudvault_audit_dropped_total",
			Help: "Audit events that no sink accepted.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudvault_http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudvault_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) ObserveJob(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

func (m *Metrics) ShareRedeemed(result string) {
	if m == nil {
		return
	}
	m.shareRedemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// GinMiddleware records request count and latency by route template, which
// keeps ids out of the label values.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
