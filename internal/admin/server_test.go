package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tsingest/bucketworker/internal/httpx"
)

func TestHandleHealth_Unhealthy(t *testing.T) {
	monitor := &ConsumerMonitor{}
	srv := NewServer(":0", monitor, prometheus.NewRegistry(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp.Status)
	require.False(t, resp.Monitor.Healthy)
}

func TestHandleHealth_Healthy(t *testing.T) {
	monitor := &ConsumerMonitor{}
	monitor.RecordOutcome("ack", nil)
	srv := NewServer(":0", monitor, prometheus.NewRegistry(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
}

func TestMetricsEndpoint_ServesRegisteredMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := NewServer(":0", &ConsumerMonitor{}, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "test_total 1")
}

func TestFeedRoute_OmittedWhenHubNil(t *testing.T) {
	srv := NewServer(":0", &ConsumerMonitor{}, prometheus.NewRegistry(), nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/feed", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)

	var resp httpx.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Message)
}
