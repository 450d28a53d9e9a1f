package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelmux/modelmux/internal/infrastructure/cache"
	"github.com/modelmux/modelmux/internal/infrastructure/classifier"
	"github.com/modelmux/modelmux/internal/infrastructure/lifecycle"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/modelmux/modelmux/internal/infrastructure/monitoring"
	"github.com/modelmux/modelmux/internal/interfaces/http/handlers"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	logger := zap.NewNop()
	registry := llm.NewRegistry(nil, logger)
	memCache := cache.NewMemory(cache.MemoryConfig{Enabled: true}, logger)
	t.Cleanup(memCache.Close)
	monitor := monitoring.NewMonitor(logger)

	client, err := classifier.NewClient(classifier.Config{Enabled: false}, logger)
	require.NoError(t, err)
	tiers := cache.NewTwoTier(nil, cache.TwoTierConfig{Enabled: false}, logger)

	deps := Deps{
		Chat:    handlers.NewChatHandler(registry, memCache, lifecycle.NewRegistry(), monitor, logger),
		Models:  handlers.NewModelHandler(registry, classifier.NewCachedClient(client, tiers), memCache, logger),
		System:  handlers.NewSystemHandler("1.2.3"),
		Monitor: monitor,
	}
	return NewServer(Config{Port: 0, Production: true}, deps, logger)
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Health(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "OK", out["status"])
	require.Equal(t, "1.2.3", out["version"])
}

func TestRoutes_Version(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "1.2.3", out["version"])
	require.Equal(t, "v1", out["apiVersion"])
	require.NotEmpty(t, out["timestamp"])
}

func TestRoutes_RequestIDGenerated(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/status")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRoutes_RequestIDEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Request-ID", "client-id-42")
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, "client-id-42", rec.Header().Get("X-Request-ID"))
}

// Fixed model routes must win over the :providerName wildcard.
func TestRoutes_CategoriesNotShadowedByWildcard(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/models/categories")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "fallback", out["source"])
}

func TestRoutes_Metrics(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "modelmux_requests_total")
}
