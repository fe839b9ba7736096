package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/observability"
	"github.com/bonded-wms/stockbalance/jobs"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testRouter(ping Pinger) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(RouterParams{
		Logger:     logger,
		Config:     &Config{AppEnv: "test"},
		JobHandler: jobs.NewHandler(nil, logger),
		Metrics:    observability.NewMetrics(),
		Database:   ping,
	})
}

func TestHealthzReportsDatabase(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(pingFunc(func(context.Context) error { return nil })).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))

	rec = httptest.NewRecorder()
	testRouter(pingFunc(func(context.Context) error { return errors.New("down") })).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterServesMetricsAndJobs(t *testing.T) {
	router := testRouter(nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), jobs.QueueCritical)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "stockbalance_http_requests_total"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stock/snapshots", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{RecalcMode: RecalcModeQueue, RecalcConcurrency: 1, RecalcMaxAttempts: 3, MovementWriteTimeout: 1}
	require.NoError(t, cfg.Validate())

	cfg.RecalcMode = "cron"
	require.Error(t, cfg.Validate())

	cfg.RecalcMode = RecalcModeAsync
	cfg.RecalcMaxAttempts = 0
	require.Error(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RECALC_MODE", "asynq")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, RecalcModeAsynq, cfg.RecalcMode)
	require.Equal(t, 3, cfg.RecalcMaxAttempts)
	require.Equal(t, "30s", cfg.MovementWriteTimeout.String())
	require.True(t, cfg.RecalcForwardCheck)
}
