package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/tollgate/internal/logging"
)

func gatherValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metric:
		for _, metric := range fam.GetMetric() {
			for k, v := range labels {
				if !metricHasLabel(metric, k, v) {
					continue metric
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			if metric.GetGauge() != nil {
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func metricHasLabel(metric *dto.Metric, key, value string) bool {
	for _, label := range metric.GetLabel() {
		if label.GetName() == key && label.GetValue() == value {
			return true
		}
	}
	return false
}

func TestMetrics_RecordDecision(t *testing.T) {
	m := NewMetrics("tollgate")

	m.RecordDecision("allowed", "")
	m.RecordDecision("denied", "minute-requests")
	m.RecordDecision("denied", "minute-requests")

	assert.Equal(t, 1.0, gatherValue(t, m, "tollgate_admission_decisions_total", map[string]string{"outcome": "allowed"}))
	assert.Equal(t, 2.0, gatherValue(t, m, "tollgate_admission_decisions_total", map[string]string{"outcome": "denied", "check": "minute-requests"}))
}

func TestMetrics_RecordSweep(t *testing.T) {
	m := NewMetrics("tollgate")

	m.RecordSweep("success", 7)
	m.RecordSweep("success", 0)

	assert.Equal(t, 2.0, gatherValue(t, m, "tollgate_sweep_runs_total", map[string]string{"status": "success"}))
	assert.Equal(t, 7.0, gatherValue(t, m, "tollgate_sweep_deleted_rows_total", nil))
}

func TestMetrics_ConcurrencyGauges(t *testing.T) {
	m := NewMetrics("tollgate")

	m.RecordConcurrencyAcquire("success")
	m.SetConcurrencyInFlight("user-1", 3)
	m.RecordConcurrencyRelease()

	assert.Equal(t, 1.0, gatherValue(t, m, "tollgate_concurrency_acquires_total", map[string]string{"status": "success"}))
	assert.Equal(t, 3.0, gatherValue(t, m, "tollgate_concurrency_in_flight", map[string]string{"principal_id": "user-1"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "tollgate_concurrency_releases_total", nil))
}

func TestMiddleware_InstrumentsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics("tollgate")
	logger := logging.NewLogger(logging.WithOutput(io.Discard))

	router := gin.New()
	router.Use(Middleware(m, logger))
	router.POST("/v1/admit", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/admit", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, gatherValue(t, m, "tollgate_http_requests_total", map[string]string{"endpoint": "/v1/admit", "method": "POST"}))

	// Scrape traffic never counts itself.
	assert.Equal(t, 0.0, gatherValue(t, m, "tollgate_http_requests_total", map[string]string{"endpoint": "/metrics"}))
}

func TestMetrics_RemoveConcurrencyInFlight(t *testing.T) {
	m := NewMetrics("tollgate")

	m.SetConcurrencyInFlight("user-1", 2)
	require.Equal(t, 2.0, gatherValue(t, m, "tollgate_concurrency_in_flight", map[string]string{"principal_id": "user-1"}))

	m.RemoveConcurrencyInFlight("user-1")
	assert.Equal(t, 0.0, gatherValue(t, m, "tollgate_concurrency_in_flight", map[string]string{"principal_id": "user-1"}))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("tollgate")
	m.RecordStoreError("reserve")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tollgate_store_errors_total")
}
