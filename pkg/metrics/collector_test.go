package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/store"
)

func newTestStore(t *testing.T) (*store.Store, *config.Config, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Host = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.Redis.Port = port
	cfg.DataDir = t.TempDir()

	s, err := store.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, cfg, mr
}

// TestCollectMirrorsCounters reads the store hashes into the gauges
func TestCollectMirrorsCounters(t *testing.T) {
	s, cfg, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CountRequest(ctx, "one.example.com", 200, "GET", "/"))
	require.NoError(t, s.CountRequest(ctx, "one.example.com", 200, "GET", "/"))
	require.NoError(t, s.CountRequest(ctx, "one.example.com", 404, "GET", "/missing"))
	require.NoError(t, s.CountRequest(ctx, "two.example.com", 200, "POST", "/api"))

	c := NewCollector(s, cfg.Metrics)
	require.NoError(t, c.Collect(ctx))

	require.Equal(t, float64(2), testutil.ToFloat64(RequestsTotal.WithLabelValues("one.example.com", "200")))
	require.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("one.example.com", "404")))
	require.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("two.example.com", "200")))
	require.Equal(t, float64(3), testutil.ToFloat64(RequestsByMethod.WithLabelValues("one.example.com", "GET")))
	require.Equal(t, float64(1), testutil.ToFloat64(RequestsByMethod.WithLabelValues("two.example.com", "POST")))
}

// TestCollectStoreDown surfaces the store failure to the caller
func TestCollectStoreDown(t *testing.T) {
	s, cfg, mr := newTestStore(t)
	mr.Close()

	c := NewCollector(s, cfg.Metrics)
	require.Error(t, c.Collect(context.Background()))
}

// TestScrapeEndpoint answers the exposition on /metrics and 503 when
// the store is down
func TestScrapeEndpoint(t *testing.T) {
	s, cfg, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CountRequest(ctx, "scrape.example.com", 200, "GET", "/"))

	srv := NewServer(cfg.Metrics, s)

	rec := httptest.NewRecorder()
	srv.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `http_requests_total{code="200",host="scrape.example.com"}`)

	mr.Close()
	rec = httptest.NewRecorder()
	srv.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestListenerServesOnlyMetrics answers 404 for everything that is not
// GET /metrics
func TestListenerServesOnlyMetrics(t *testing.T) {
	s, cfg, _ := newTestStore(t)
	srv := NewServer(cfg.Metrics, s)
	router := srv.router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	for _, path := range []string{"/health", "/ready", "/livez", "/"} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
