package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
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

	return NewManager(s), s
}

func provisionUser(t *testing.T, s *store.Store, host, name, password string) {
	t.Helper()
	u, err := NewUser(password)
	require.NoError(t, err)
	require.NoError(t, s.PutUser(context.Background(), host, name, u))
}

func cookieHeader(setCookie string) http.Header {
	h := http.Header{}
	// Reuse only the name=value pair of the Set-Cookie string.
	h.Set("Cookie", strings.SplitN(setCookie, ";", 2)[0])
	return h
}

// TestLogin tests credential validation
func TestLogin(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	provisionUser(t, s, "example.com", "alice", "s3cret")

	require.NoError(t, m.Login(ctx, "example.com", "alice", "s3cret"))

	// Wrong password and unknown user fail identically.
	require.ErrorIs(t, m.Login(ctx, "example.com", "alice", "wrong"), ErrUnauthenticated)
	require.ErrorIs(t, m.Login(ctx, "example.com", "nobody", "s3cret"), ErrUnauthenticated)
}

// TestPasswordHashing verifies the stored digest is keyed by the salt
func TestPasswordHashing(t *testing.T) {
	d1, err := HashPassword("salt-a", "password")
	require.NoError(t, err)
	d2, err := HashPassword("salt-b", "password")
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)

	again, err := HashPassword("salt-a", "password")
	require.NoError(t, err)
	require.Equal(t, d1, again)
}

// TestSessionFlow tests issue, lookup, and logout
func TestSessionFlow(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	provisionUser(t, s, "example.com", "alice", "s3cret")

	cookie, err := m.StartSession(ctx, "example.com", "alice", time.Hour)
	require.NoError(t, err)
	require.Contains(t, cookie, "Secure")
	require.Contains(t, cookie, "HttpOnly")
	require.NotContains(t, cookie, "SameSite")

	headers := cookieHeader(cookie)
	user, err := m.SessionUser(ctx, "example.com", headers)
	require.NoError(t, err)
	require.Equal(t, "alice", user)

	require.NoError(t, m.Logout(ctx, "example.com", headers))
	_, err = m.SessionUser(ctx, "example.com", headers)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

// TestStaleSessionRejected rejects a session whose user was deleted
// even though the session key has not expired
func TestStaleSessionRejected(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	provisionUser(t, s, "example.com", "alice", "s3cret")

	cookie, err := m.StartSession(ctx, "example.com", "alice", time.Hour)
	require.NoError(t, err)
	headers := cookieHeader(cookie)

	// The session resolves while the user exists.
	user, err := m.SessionUser(ctx, "example.com", headers)
	require.NoError(t, err)
	require.Equal(t, "alice", user)

	// Removing the user invalidates the still-live session.
	require.NoError(t, s.DeleteUser(ctx, "example.com", "alice"))
	_, err = m.SessionUser(ctx, "example.com", headers)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

// TestAuthorized tests literal allow-list membership
func TestAuthorized(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	provisionUser(t, s, "example.com", "alice", "s3cret")

	cookie, err := m.StartSession(ctx, "example.com", "alice", time.Hour)
	require.NoError(t, err)
	headers := cookieHeader(cookie)

	ok, err := m.Authorized(ctx, "example.com", headers, []string{"bob", "alice"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Authorized(ctx, "example.com", headers, []string{"bob"})
	require.NoError(t, err)
	require.False(t, ok)

	// No wildcard support: "*" is a literal username.
	ok, err = m.Authorized(ctx, "example.com", headers, []string{"*"})
	require.NoError(t, err)
	require.False(t, ok)

	// No session at all.
	ok, err = m.Authorized(ctx, "example.com", http.Header{}, []string{"alice"})
	require.NoError(t, err)
	require.False(t, ok)
}
