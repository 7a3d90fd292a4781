package metrics

import (
	"errors"
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

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestObserveExternal(t *testing.T) {
	okBefore := counterValue(t, ExternalCallsTotal.WithLabelValues("facilitator", "submit", "ok"))
	errBefore := counterValue(t, ExternalCallsTotal.WithLabelValues("facilitator", "submit", "error"))

	ObserveExternal("facilitator", "submit", nil)
	ObserveExternal("facilitator", "submit", errors.New("boom"))
	ObserveExternal("facilitator", "submit", errors.New("boom"))

	assert.Equal(t, okBefore+1, counterValue(t, ExternalCallsTotal.WithLabelValues("facilitator", "submit", "ok")))
	assert.Equal(t, errBefore+2, counterValue(t, ExternalCallsTotal.WithLabelValues("facilitator", "submit", "error")))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	OrdersTotal.WithLabelValues("completed").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "trustmesh_active_websocket_clients")
	assert.Contains(t, body, "trustmesh_orders_total")
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/agents/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/agents/:id", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/agents/agt_1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, before+1, counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/agents/:id", "2xx")))
}
