package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/logging"
	"github.com/universesync/core/internal/metrics"
)

func TestMetricsClient(t *testing.T) {
	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, logging.Config{})
	_ = logger

	client, err := metrics.New(ctx, metrics.Config{
		ServiceName: "universesync-test",
		Port:        9102,
	})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, client.Close())
}

func TestMetricsDefaults(t *testing.T) {
	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, logging.Config{})
	_ = logger

	client, err := metrics.New(ctx, metrics.Config{})
	assert.NoError(t, err)
	defer client.Close()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerWithoutRegistry(t *testing.T) {
	var client metrics.Client
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
