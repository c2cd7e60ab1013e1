package server

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/deviant-guru/reliw/pkg/auth"
	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/types"
)

// defaultSessionTTL applies when a login entry does not set one.
const defaultSessionTTL = 3600 * time.Second

const loginForm = `<!DOCTYPE html>
<html>
<head><title>Login</title></head>
<body>
<form method="post">
<input type="hidden" name="redirect" value="%s">
<label>User <input type="text" name="username" autocomplete="username"></label>
<label>Password <input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Login</button>
</form>
</body>
</html>
`

// handleAuth dispatches the entry's auth mode. It reports true when
// the response has been written and the pipeline must stop.
func (h *Handler) handleAuth(ctx context.Context, w http.ResponseWriter, r *http.Request, host, query string, meta *types.EntryMeta) bool {
	switch meta.Auth.Mode {
	case "login":
		h.handleLogin(ctx, w, r, host, meta)
		return true
	case "logout":
		if err := h.auth.Logout(ctx, host, r.Header); err != nil {
			log.Debug(fmt.Sprintf("Logout cleanup failed for %s: %v", host, err))
		}
		w.Header().Set("Set-Cookie", auth.ClearSessionCookie())
		redirect(w, "/")
		return true
	case "allow":
		ok, err := h.auth.Authorized(ctx, host, r.Header, meta.Auth.Allowed)
		if err != nil {
			h.respondError(w, meta, http.StatusInternalServerError)
			return true
		}
		if !ok {
			redirect(w, loginRedirectTarget(query))
			return true
		}
		return false
	default:
		log.Error(fmt.Sprintf("Unknown auth mode %q for %s%s", meta.Auth.Mode, host, query))
		h.respondError(w, meta, http.StatusInternalServerError)
		return true
	}
}

// handleLogin renders the form on GET and validates credentials on
// POST. A failed login is always a generic 401; the response never
// distinguishes an unknown user from a wrong password.
func (h *Handler) handleLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, host string, meta *types.EntryMeta) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, loginForm, html.EscapeString(r.URL.Query().Get("redirect")))
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			h.respondError(w, meta, http.StatusUnauthorized)
			return
		}
		user := r.PostForm.Get("username")
		pass := r.PostForm.Get("password")
		if err := h.auth.Login(ctx, host, user, pass); err != nil {
			h.respondError(w, meta, http.StatusUnauthorized)
			return
		}

		ttl := defaultSessionTTL
		if meta.Auth.TTL > 0 {
			ttl = time.Duration(meta.Auth.TTL) * time.Second
		}
		cookie, err := h.auth.StartSession(ctx, host, user, ttl)
		if err != nil {
			h.respondError(w, meta, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Set-Cookie", cookie)

		target := r.PostForm.Get("redirect")
		if target == "" || target[0] != '/' {
			target = "/"
		}
		redirect(w, target)
	default:
		h.respondError(w, meta, http.StatusMethodNotAllowed)
	}
}
