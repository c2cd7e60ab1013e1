package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deviant-guru/reliw/pkg/types"
)

// upstreamMeta points a forwarder at an httptest server.
func upstreamMeta(t *testing.T, ts *httptest.Server) *types.ProxyMeta {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &types.ProxyMeta{Target: u.Hostname(), Scheme: u.Scheme, Port: port}
}

// TestRequestHeaderRewrites verifies Host, Origin, Referer, and the
// forwarding headers on the upstream leg
func TestRequestHeaderRewrites(t *testing.T) {
	var seen http.Header
	var seenHost string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f, err := New(upstreamMeta(t, ts), Options{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://public.example/app", nil)
	req.RemoteAddr = "203.0.113.9:4711"
	req.Header.Set("x-client-ip", "203.0.113.9")
	req.Header.Set("Origin", "http://public.example")
	req.Header.Set("Referer", "http://public.example/app/page")

	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	upstreamHost := strings.TrimPrefix(ts.URL, "http://")
	require.Equal(t, upstreamHost, seenHost)
	require.Equal(t, "http://"+upstreamHost, seen.Get("Origin"))
	require.Equal(t, fmt.Sprintf("http://%s/app/page", upstreamHost), seen.Get("Referer"))
	require.Equal(t, "public.example", seen.Get("X-Forwarded-Host"))
	require.Equal(t, "http", seen.Get("X-Forwarded-Proto"))
	require.Equal(t, "203.0.113.9", seen.Get("X-Forwarded-For"))
}

// TestCORSOriginRewrittenBack rewrites the upstream allow-origin to
// the caller's origin
func TestCORSOriginRewrittenBack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "http://internal.backend")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f, err := New(upstreamMeta(t, ts), Options{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://public.example/api", nil)
	req.Header.Set("Origin", "http://public.example")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, "http://public.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestSetCookieGainsSecure forces Secure onto upstream cookies
func TestSetCookieGainsSecure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "sid=abc; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "theme=dark; Path=/; Secure")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f, err := New(upstreamMeta(t, ts), Options{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://public.example/", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	cookies := rec.Header().Values("Set-Cookie")
	require.Len(t, cookies, 2)
	for _, c := range cookies {
		require.Contains(t, c, "Secure")
	}
	// An already-Secure cookie is not doubled up.
	require.Equal(t, "theme=dark; Path=/; Secure", cookies[1])
}

// TestUpstreamFailureIs502 maps connect failure to Bad Gateway
func TestUpstreamFailureIs502(t *testing.T) {
	// A port nothing listens on.
	f, err := New(&types.ProxyMeta{Target: "127.0.0.1", Scheme: "http", Port: 1}, Options{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://public.example/", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

// TestMissingTarget rejects empty proxy metadata
func TestMissingTarget(t *testing.T) {
	_, err := New(&types.ProxyMeta{}, Options{})
	require.Error(t, err)
}
