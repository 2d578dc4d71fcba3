package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/jobs/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/jobs/:id", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/jobs/job_123", nil))
	require.Equal(t, http.StatusOK, w.Code)

	after := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/jobs/:id", "2xx"))
	assert.Equal(t, before+1, after, "path label uses the route pattern, not the raw URL")
}

func TestPipelineCountersRegistered(t *testing.T) {
	before := counterValue(t, AlertsCreatedTotal.WithLabelValues("high"))
	AlertsCreatedTotal.WithLabelValues("high").Inc()
	assert.Equal(t, before+1, counterValue(t, AlertsCreatedTotal.WithLabelValues("high")))
}

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "2xx", statusBucket(200))
	assert.Equal(t, "3xx", statusBucket(302))
	assert.Equal(t, "4xx", statusBucket(404))
	assert.Equal(t, "5xx", statusBucket(503))
}
