package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveJob("ready", 20*time.Millisecond)
	m.ObserveJob("ready", 10*time.Millisecond)
	m.QuotaRejected()
	m.ShareRedeemed("limit_reached")
	m.AuditDropped()

	body := scrape(t, m)
	assert.Contains(t, body, `cloudvault_processing_jobs_total{outcome="ready"} 2`)
	assert.Contains(t, body, `cloudvault_processing_job_duration_seconds_count{outcome="ready"} 2`)
	assert.Contains(t, body, "cloudvault_quota_rejections_total 1")
	assert.Contains(t, body, `cloudvault_share_redemptions_total{result="limit_reached"} 1`)
	assert.Contains(t, body, "cloudvault_audit_dropped_total 1")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveJob("ready", time.Second)
	m.QuotaRejected()
	m.ShareRedeemed("ok")
	m.AuditDropped()
}

func TestHandlerAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(prometheus.NewRegistry())

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/files/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/abc", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Contains(t, scrape(t, m), `cloudvault_http_requests_total{method="GET",path="/files/:id",status="204"} 1`)
}
