package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewAppRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewApp(nil, zap.NewNop())
	require.Error(t, err)
}

func TestAppBuildWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RPS = 5
	cfg.RateLimit.Burst = 10

	app, err := NewApp(&cfg, zap.NewNop())
	require.NoError(t, err)
	app.registerer = prometheus.NewRegistry()
	require.NoError(t, app.build(context.Background()))

	require.ElementsMatch(t, []string{"producer", "liveness", "upload_sweep"}, app.dispatch.Tasks())
	require.Nil(t, app.publisher)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, app.producer.Reset(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func TestAppBuildFailsOnBadLease(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Lease.Backend = "file"

	app, err := NewApp(&cfg, zap.NewNop())
	require.NoError(t, err)
	app.registerer = prometheus.NewRegistry()
	require.Error(t, app.build(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}
