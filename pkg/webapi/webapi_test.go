package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchbaselabs/fsmcluster/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func serve(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndTopology(t *testing.T) {
	var current *cluster.Topology

	w := NewWebServer(WebServerOptions{
		Logger: zaptest.NewLogger(t),
		Topology: func() *cluster.Topology {
			return current
		},
	})
	handler := w.Handler()

	rec := serve(t, handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/topology", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	current = &cluster.Topology{
		Kind:       "sharded",
		State:      "initializing",
		EntryPoint: "localhost:20006",
	}

	rec = serve(t, handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "initializing")

	current = &cluster.Topology{
		Kind:       "sharded",
		State:      "ready",
		EntryPoint: "localhost:20006",
		Routers:    []string{"localhost:20006", "localhost:20007"},
		DataNodes:  []string{"localhost:20000", "localhost:20003"},
	}

	rec = serve(t, handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var decoded cluster.Topology
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, *current, decoded)
}

func TestLogLevelEndpoint(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)

	w := NewWebServer(WebServerOptions{LogLevel: &level})
	handler := w.Handler()

	rec := serve(t, handler, http.MethodPut, "/loglevel", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zap.DebugLevel, level.Level())

	rec = serve(t, handler, http.MethodGet, "/loglevel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "debug")
}

func TestRootAndMetrics(t *testing.T) {
	handler := NewWebServer(WebServerOptions{}).Handler()

	rec := serve(t, handler, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fsmcluster")

	rec = serve(t, handler, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
