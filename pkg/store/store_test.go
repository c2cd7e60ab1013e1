package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/types"
)

// newTestStore runs an embedded Redis and connects a Store to it.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Host = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.Redis.Port = port
	cfg.DataDir = t.TempDir()

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, mr
}

// TestRateLimitWindow tests the counter/TTL semantics of one window
func TestRateLimitWindow(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	period := 10 * time.Second

	// First request opens the window at 1 and sets the TTL.
	count, err := s.CheckRateLimit(ctx, "example.com", "GET", "/api", "10.0.0.1", period)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	key := s.keyLimit("example.com", "GET", "/api", "10.0.0.1")
	require.Equal(t, period, mr.TTL(key))

	// Subsequent requests count up without touching the TTL.
	for i := int64(2); i <= 5; i++ {
		count, err = s.CheckRateLimit(ctx, "example.com", "GET", "/api", "10.0.0.1", period)
		require.NoError(t, err)
		require.Equal(t, i, count)
	}
	require.Equal(t, period, mr.TTL(key))

	// After the window expires the counter restarts at 1.
	mr.FastForward(period + time.Second)
	count, err = s.CheckRateLimit(ctx, "example.com", "GET", "/api", "10.0.0.1", period)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

// TestRateLimitKeysAreIndependent ensures distinct tuples get distinct
// windows
func TestRateLimitKeysAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	count, err := s.CheckRateLimit(ctx, "example.com", "GET", "/a", "10.0.0.1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = s.CheckRateLimit(ctx, "example.com", "GET", "/b", "10.0.0.1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = s.CheckRateLimit(ctx, "example.com", "GET", "/a", "10.0.0.2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

// TestRoutesOrderPreserved tests that the route table keeps its
// provisioning order
func TestRoutesOrderPreserved(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	want := []types.RouteEntry{
		{Pattern: "/admin", ID: "admin"},
		{Pattern: "/", ID: "root", Exact: true},
		{Pattern: "*", ID: "fallback"},
	}
	require.NoError(t, s.SetRoutes(ctx, "example.com", want))

	got, err := s.Routes(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// TestRoutesMissingHost verifies a host without a table is ErrNotFound
func TestRoutesMissingHost(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Routes(context.Background(), "absent.example")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestEntryMetaRequiresMethods tests load-time metadata validation
func TestEntryMetaRequiresMethods(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	meta := &types.EntryMeta{Methods: map[string]bool{"GET": true}, File: "index.html"}
	require.NoError(t, s.SetEntryMeta(ctx, "example.com", "root", meta))

	got, err := s.EntryMeta(ctx, "example.com", "root")
	require.NoError(t, err)
	require.Equal(t, "index.html", got.File)
	require.True(t, got.Methods["GET"])

	// An entry provisioned without methods is rejected at load.
	mr.Set(s.keyEntry("example.com", "broken"), `{"file":"x.html"}`)
	_, err = s.EntryMeta(ctx, "example.com", "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

// TestSessionLifecycle tests issue, lookup, logout, and TTL expiry
func TestSessionLifecycle(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StartSession(ctx, "example.com", "tok1", "alice", time.Minute))

	user, err := s.Session(ctx, "example.com", "tok1")
	require.NoError(t, err)
	require.Equal(t, "alice", user)

	// Explicit logout.
	require.NoError(t, s.DeleteSession(ctx, "example.com", "tok1"))
	_, err = s.Session(ctx, "example.com", "tok1")
	require.ErrorIs(t, err, ErrNotFound)

	// TTL expiry.
	require.NoError(t, s.StartSession(ctx, "example.com", "tok2", "alice", time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err = s.Session(ctx, "example.com", "tok2")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestUserRoundTrip tests the user table accessors
func TestUserRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	u := &types.User{Pass: "deadbeef", Salt: "0123"}
	require.NoError(t, s.PutUser(ctx, "example.com", "alice", u))

	got, err := s.User(ctx, "example.com", "alice")
	require.NoError(t, err)
	require.Equal(t, u, got)

	require.NoError(t, s.DeleteUser(ctx, "example.com", "alice"))
	_, err = s.User(ctx, "example.com", "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestWAFRuleScopes tests global vs per-host rule loading
func TestWAFRuleScopes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWAFRules(ctx, WAFGlobalScope, &types.WAFRuleSet{Query: []string{"/etc/passwd"}}))
	require.NoError(t, s.SetWAFRules(ctx, "example.com", &types.WAFRuleSet{
		Headers: map[string][]string{"User-Agent": {"^sqlmap"}},
	}))

	global, perHost, err := s.WAFRules(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, global)
	require.Equal(t, []string{"/etc/passwd"}, global.Query)
	require.NotNil(t, perHost)
	require.Equal(t, []string{"^sqlmap"}, perHost.Headers["User-Agent"])

	// A host without its own rules still sees the global scope.
	global, perHost, err = s.WAFRules(ctx, "other.example")
	require.NoError(t, err)
	require.NotNil(t, global)
	require.Nil(t, perHost)
}

// TestProxyMetaDefaults tests scheme defaulting on decode
func TestProxyMetaDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetProxyMeta(ctx, "app.example", &types.ProxyMeta{Target: "10.1.0.5", Port: 8080}))

	meta, err := s.ProxyMeta(ctx, "app.example")
	require.NoError(t, err)
	require.Equal(t, "http", meta.Scheme)
	require.Equal(t, "10.1.0.5", meta.Target)

	_, err = s.ProxyMeta(ctx, "local.example")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestCountRequestAndScan tests the metrics counters and the SCAN
// reader the metrics listener uses
func TestCountRequestAndScan(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CountRequest(ctx, "example.com", 200, "GET", "/"))
	require.NoError(t, s.CountRequest(ctx, "example.com", 200, "GET", "/"))
	require.NoError(t, s.CountRequest(ctx, "example.com", 404, "POST", "/missing"))
	require.NoError(t, s.CountRequest(ctx, "other.example", 200, "GET", "/x"))

	totals, err := s.ScanMetrics(ctx, "total", 100, 0)
	require.NoError(t, err)
	require.Len(t, totals, 2)

	byHost := make(map[string]map[string]int64)
	for _, hm := range totals {
		byHost[hm.Host] = hm.Counts
	}
	require.Equal(t, int64(2), byHost["example.com"]["200"])
	require.Equal(t, int64(1), byHost["example.com"]["404"])
	require.Equal(t, int64(1), byHost["other.example"]["200"])

	methods, err := s.ScanMetrics(ctx, "by_method", 100, 0)
	require.NoError(t, err)
	byHost = make(map[string]map[string]int64)
	for _, hm := range methods {
		byHost[hm.Host] = hm.Counts
	}
	require.Equal(t, int64(2), byHost["example.com"]["GET"])
	require.Equal(t, int64(1), byHost["example.com"]["POST"])
}

// TestDNSChallengeRoundTrip tests the ACME challenge record accessors
func TestDNSChallengeRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetDNSChallenge(ctx, "example.com", "txt-record-value", time.Hour))

	record, err := s.DNSChallenge(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, "txt-record-value", record)

	require.NoError(t, s.DeleteDNSChallenge(ctx, "example.com"))
	_, err = s.DNSChallenge(ctx, "example.com")
	require.ErrorIs(t, err, ErrNotFound)
}
