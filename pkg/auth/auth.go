// Package auth implements login, session issuance and lookup, and
// allow-list authorization on top of the store's user and session
// tables.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/deviant-guru/reliw/pkg/store"
	"github.com/deviant-guru/reliw/pkg/types"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "RELIW_SESSION"

// ErrUnauthenticated is the single generic failure for bad
// credentials, unknown users, and stale or missing sessions. Never
// reveals which check failed.
var ErrUnauthenticated = fmt.Errorf("auth: unauthenticated")

// Manager validates credentials and manages sessions.
type Manager struct {
	store *store.Store
}

// NewManager creates an auth manager over the given store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// HashPassword computes the stored digest: blake2b-256 of the password
// keyed by the salt, hex encoded. The raw password is never stored.
func HashPassword(salt, password string) (string, error) {
	h, err := blake2b.New256([]byte(salt))
	if err != nil {
		return "", fmt.Errorf("failed to build password hash: %v", err)
	}
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewSalt generates a random salt for a new user record.
func NewSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %v", err)
	}
	return hex.EncodeToString(buf), nil
}

// Login checks credentials against the host's user table. A missing
// user and a wrong password are the same ErrUnauthenticated.
func (m *Manager) Login(ctx context.Context, host, user, pass string) error {
	record, err := m.store.User(ctx, host, user)
	if err != nil {
		if err == store.ErrNotFound {
			return ErrUnauthenticated
		}
		return err
	}

	digest, err := HashPassword(record.Salt, pass)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(digest), []byte(record.Pass)) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

// StartSession issues a fresh random token for a user and returns the
// Set-Cookie value. Secure and HttpOnly are always set; SameSite is
// deliberately left to the browser default.
func (m *Manager) StartSession(ctx context.Context, host, user string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %v", err)
	}
	token := hex.EncodeToString(buf)

	if err := m.store.StartSession(ctx, host, token, user, ttl); err != nil {
		return "", err
	}

	cookie := fmt.Sprintf("%s=%s; Path=/; Max-Age=%d; Secure; HttpOnly",
		SessionCookie, token, int(ttl.Seconds()))
	return cookie, nil
}

// ClearSessionCookie returns the Set-Cookie value that removes the
// session cookie from the client.
func ClearSessionCookie() string {
	return fmt.Sprintf("%s=; Path=/; Max-Age=0; Secure; HttpOnly", SessionCookie)
}

// Logout destroys the session referenced by the request, if any.
func (m *Manager) Logout(ctx context.Context, host string, headers http.Header) error {
	token := sessionToken(headers)
	if token == "" {
		return nil
	}
	return m.store.DeleteSession(ctx, host, token)
}

// SessionUser resolves the request's session cookie to a username. The
// referenced user must still exist in the host's user table: a session
// pointing at a deleted user is unauthenticated even though the
// session key itself has not expired.
func (m *Manager) SessionUser(ctx context.Context, host string, headers http.Header) (string, error) {
	token := sessionToken(headers)
	if token == "" {
		return "", ErrUnauthenticated
	}

	user, err := m.store.Session(ctx, host, token)
	if err != nil {
		if err == store.ErrNotFound {
			return "", ErrUnauthenticated
		}
		return "", err
	}

	if _, err := m.store.User(ctx, host, user); err != nil {
		if err == store.ErrNotFound {
			return "", ErrUnauthenticated
		}
		return "", err
	}
	return user, nil
}

// Authorized reports whether the request's session user is literally
// present in the allow-list. No wildcard or group support.
func (m *Manager) Authorized(ctx context.Context, host string, headers http.Header, allowed []string) (bool, error) {
	user, err := m.SessionUser(ctx, host, headers)
	if err != nil {
		if err == ErrUnauthenticated {
			return false, nil
		}
		return false, err
	}
	for _, name := range allowed {
		if name == user {
			return true, nil
		}
	}
	return false, nil
}

// NewUser builds a user record from a plaintext password with a fresh
// random salt. Provisioning only.
func NewUser(password string) (*types.User, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	digest, err := HashPassword(salt, password)
	if err != nil {
		return nil, err
	}
	return &types.User{Pass: digest, Salt: salt}, nil
}

// sessionToken extracts the session cookie value from a header set.
func sessionToken(headers http.Header) string {
	req := http.Request{Header: headers}
	cookie, err := req.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
