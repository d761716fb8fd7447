package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-service/internal/aggregate"
	"telemetry-service/internal/anomaly"
	"telemetry-service/internal/config"
	"telemetry-service/internal/handler"
	"telemetry-service/internal/ingest"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/memory"
	"telemetry-service/internal/session"
)

type testEnv struct {
	router  http.Handler
	store   *memory.Store
	gateway *ingest.Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	logger := zap.NewNop()

	gateway := ingest.NewGateway(store, config.IngestConfig{
		QueueCapacity:        256,
		MaxRetries:           1,
		RetryBackoff:         time.Millisecond,
		MaxRetryBackoff:      time.Millisecond,
		AppendTimeout:        time.Second,
		SlowQueryThresholdMs: 500,
	}, logger)
	gateway.Start()
	t.Cleanup(gateway.Stop)

	detector := anomaly.NewDetector(store, nil, config.AnomalyConfig{
		Window:    10 * time.Minute,
		Threshold: 3,
	}, logger)

	tracker := session.NewTracker(store, config.SweepConfig{
		Interval:            time.Minute,
		InactivityThreshold: 10 * time.Minute,
	}, logger)

	engine := aggregate.NewEngine(store, store, 5*time.Second, logger)

	metricsHandler := handler.NewMetricsHandler(gateway, detector, tracker, engine, nil, logger)
	router := handler.NewRouter(metricsHandler, gateway, tracker, false, logger)

	return &testEnv{router: router, store: store, gateway: gateway}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) handler.Response {
	t.Helper()
	var resp handler.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRecordTransactionAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/metrics/transactions", map[string]interface{}{
		"transaction_type": "sale",
		"amount":           "19.99",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decodeResponse(t, rec).Success)
}

func TestRecordTransactionRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/metrics/transactions", map[string]interface{}{
		"transaction_type": "refund",
		"amount":           "19.99",
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeResponse(t, rec)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestRecordFailedLoginRequiresIP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/metrics/failed-logins", map[string]interface{}{
		"username": "alice",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/metrics/failed-logins", map[string]interface{}{
		"ip_address": "10.0.0.1",
		"username":   "alice",
		"reason":     "bad_password",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRecordSlowQueryBelowThresholdRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/metrics/slow-queries", map[string]interface{}{
		"table_name":  "orders",
		"duration_ms": 200,
		"query_shape": "SELECT * FROM orders",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTransactionReportsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/metrics/transactions", map[string]interface{}{
			"transaction_type": "sale",
			"amount":           "10.00",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	// The gateway persists asynchronously.
	require.Eventually(t, func() bool {
		return env.gateway.Stats().Persisted >= 3
	}, 2*time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/v1/reports/transactions/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Data["sale"])

	rec = env.do(t, http.MethodGet, "/api/v1/reports/transactions/total?type=sale", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var totalResp struct {
		Data struct {
			Total string `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totalResp))
	assert.Equal(t, "30", totalResp.Data.Total)
}

func TestSessionTouchAndGet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/u-1/touch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data model.ActiveUserMetric `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u-1", resp.Data.UserID)
	assert.True(t, resp.Data.IsActive)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/active/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var countResp struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &countResp))
	assert.Equal(t, int64(1), countResp.Data["active"])
}

func TestSessionMiddlewareTouchesHeaderUser(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingest/stats", nil)
	req.Header.Set("X-User-ID", "header-user")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := env.do(t, http.MethodGet, "/api/v1/sessions/header-user", nil)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestSuspiciousEndpoint(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/metrics/failed-logins", map[string]interface{}{
			"ip_address": "10.0.0.9",
			"reason":     "bad_password",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	require.Eventually(t, func() bool {
		return env.gateway.Stats().Persisted >= 5
	}, 2*time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/v1/security/attempts/10.0.0.9", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Attempts   int64 `json:"attempts"`
			Suspicious bool  `json:"suspicious"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Data.Attempts)
	assert.True(t, resp.Data.Suspicious)
}

func TestIngestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/ingest/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data ingest.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 256, resp.Data.QueueCapacity)
}

func TestSearchWithoutIndexUnavailable(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/search/slow-queries?q=SELECT", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestUnknownRouteReturns404(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestInvalidWindowParameters(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/reports/network/bytes?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryFilterRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	for i, ip := range []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"} {
		rec := env.do(t, http.MethodPost, "/api/v1/metrics/failed-logins", map[string]interface{}{
			"metric_id":  fmt.Sprintf("f%d", i),
			"ip_address": ip,
			"username":   "alice",
			"reason":     "bad_password",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	require.Eventually(t, func() bool {
		return env.gateway.Stats().Persisted >= 3
	}, 2*time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/v1/metrics/failed-logins?ip_address=10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []model.FailedLoginAttemptMetric `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}
