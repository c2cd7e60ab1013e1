package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/deviant-guru/reliw/pkg/auth"
	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/pattern"
	"github.com/deviant-guru/reliw/pkg/proxy"
	"github.com/deviant-guru/reliw/pkg/store"
	"github.com/deviant-guru/reliw/pkg/types"
	"github.com/deviant-guru/reliw/pkg/waf"
)

// BlockedSink is the fixed local URL WAF-blocked requests are
// redirected to.
const BlockedSink = "/blocked"

// LoginPath is where unauthenticated allow-list access is redirected,
// carrying the original query for the post-login redirect.
const LoginPath = "/login"

// Handler runs the request pipeline: validation, WAF, proxy
// short-circuit, routing, method/rate-limit/auth checks, content load,
// conditional-response semantics, and the metrics update.
type Handler struct {
	cfg     *config.Config
	store   *store.Store
	auth    *auth.Manager
	dynamic *DynamicRegistry
	process string
}

// NewHandler wires the pipeline over one shared store.
func NewHandler(cfg *config.Config, s *store.Store, process string) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   s,
		auth:    auth.NewManager(s),
		dynamic: NewDynamicRegistry(),
		process: process,
	}
}

// Dynamic exposes the dynamic content registry for handler
// registration at startup.
func (h *Handler) Dynamic() *DynamicRegistry {
	return h.dynamic
}

// SetProcess relabels the pipeline's process identity. Only called
// between listener generations, after in-flight requests have drained.
func (h *Handler) SetProcess(id string) {
	h.process = id
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	ctx := r.Context()

	host := hostOnly(r.Host)
	query := r.URL.EscapedPath()

	// The metrics counters and the access log record every outcome,
	// including early terminations.
	defer func() {
		if err := h.store.CountRequest(ctx, host, sw.status, r.Method, query); err != nil {
			log.Debug(fmt.Sprintf("Metrics update failed for %s: %v", host, err))
		}
		h.logAccess(r, host, query, sw, start)
	}()

	// Stage 1: client IP normalization. The socket peer always wins
	// over whatever the client sent in x-client-ip.
	peer := peerIP(r.RemoteAddr)
	r.Header.Set("x-client-ip", peer)
	if r.Header.Get("x-real-ip") == "" {
		r.Header.Set("x-real-ip", peer)
	}

	// Stage 2: host validation.
	if err := ValidateHost(r.Host); err != nil {
		log.Debug(fmt.Sprintf("Rejected host %q: %v", r.Host, err))
		h.respondError(sw, nil, http.StatusBadRequest)
		return
	}

	// Stage 3: query validation.
	if err := ValidateQuery(query); err != nil {
		log.Debug(fmt.Sprintf("Rejected query %q: %v", query, err))
		h.respondError(sw, nil, http.StatusBadRequest)
		return
	}

	// Stage 4: WAF. The rules read is the first store operation of the
	// request; a backend failure here means the store is unavailable.
	global, perHost, err := h.store.WAFRules(ctx, host)
	if err != nil {
		h.respondError(sw, nil, http.StatusServiceUnavailable)
		return
	}
	if match := waf.Evaluate(global, perHost, host, query, r.Header); match != nil {
		log.Warn(fmt.Sprintf("WAF blocked %s %s%s (scope=%s kind=%s rule=%q)",
			peer, host, query, match.Scope, match.Kind, match.Rule))
		h.store.PublishBlocked(ctx, peer)
		sw.Header().Set("Location", BlockedSink)
		sw.WriteHeader(http.StatusMovedPermanently)
		return
	}

	// Stage 5: proxy short-circuit.
	proxyMeta, err := h.store.ProxyMeta(ctx, host)
	if err != nil && err != store.ErrNotFound {
		h.respondError(sw, nil, http.StatusServiceUnavailable)
		return
	}
	if proxyMeta != nil {
		h.forward(sw, r, proxyMeta)
		return
	}

	// Stage 6: route resolution.
	routes, err := h.store.Routes(ctx, host)
	if err != nil {
		if err == store.ErrNotFound {
			h.respondError(sw, nil, http.StatusNotFound)
		} else {
			h.respondError(sw, nil, http.StatusServiceUnavailable)
		}
		return
	}
	entry := resolveRoute(routes, query)
	if entry == nil {
		h.respondError(sw, nil, http.StatusNotFound)
		return
	}

	meta, err := h.store.EntryMeta(ctx, host, entry.ID)
	if err != nil {
		log.Error(fmt.Sprintf("Entry metadata %s/%s unusable: %v", host, entry.ID, err))
		h.respondError(sw, nil, http.StatusInternalServerError)
		return
	}

	// Stage 7: method check.
	if !meta.Methods[r.Method] {
		h.respondError(sw, meta, http.StatusMethodNotAllowed)
		return
	}

	// Stage 8: auth.
	if meta.Auth != nil {
		if done := h.handleAuth(ctx, sw, r, host, query, meta); done {
			return
		}
	}

	// Stage 9: rate limit. A limiter backend failure fails open: the
	// request proceeds rather than turning a limiter outage into a
	// service outage.
	if rl, ok := meta.RateLimit[r.Method]; ok && rl.Max > 0 {
		period := time.Duration(rl.Period) * time.Second
		count, err := h.store.CheckRateLimit(ctx, host, r.Method, query, peer, period)
		if err != nil {
			log.Warn(fmt.Sprintf("Rate limit check failed for %s, failing open: %v", host, err))
		} else if count > rl.Max {
			h.respondError(sw, meta, http.StatusTooManyRequests)
			return
		}
	}

	// Stage 10: content load.
	content, err := h.loadContent(ctx, r, host, query, entry, meta)
	if err != nil {
		if err == store.ErrNotFound {
			h.respondError(sw, meta, http.StatusNotFound)
		} else {
			log.Error(fmt.Sprintf("Content load failed for %s%s: %v", host, query, err))
			h.respondError(sw, meta, http.StatusInternalServerError)
		}
		return
	}

	// Stage 11: conditional response.
	h.respondContent(sw, r, meta, content)
}

// forward delegates the request to the reverse proxy; all remaining
// pipeline stages are skipped for proxied hosts.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, meta *types.ProxyMeta) {
	f, err := proxy.New(meta, proxy.Options{
		DialTimeout:         h.cfg.RequestHeader(),
		TLSHandshakeTimeout: h.cfg.TLSHandshake(),
		ResponseTimeout:     h.cfg.RequestBody(),
	})
	if err != nil {
		log.Error(fmt.Sprintf("Bad proxy metadata for %s: %v", r.Host, err))
		h.respondError(w, nil, http.StatusBadGateway)
		return
	}
	f.ServeHTTP(w, r)
}

// resolveRoute walks the ordered route table. Exact entries compare
// the query literally; the rest use the pattern dialect. First match
// wins.
func resolveRoute(routes []types.RouteEntry, query string) *types.RouteEntry {
	for i := range routes {
		e := &routes[i]
		if e.Exact {
			if e.Pattern == query {
				return e
			}
			continue
		}
		if pattern.Match(e.Pattern, query) {
			return e
		}
	}
	return nil
}

// loadContent fetches static or dynamic content, falling back to the
// direct user-data blob for entries that name no file and derive none
// from the filesystem.
func (h *Handler) loadContent(ctx context.Context, r *http.Request, host, query string, entry *types.RouteEntry, meta *types.EntryMeta) (*types.Content, error) {
	content, err := h.store.FetchContent(ctx, host, query, meta)
	if err == store.ErrNotFound && meta.File == "" && meta.Index == "" {
		data, derr := h.store.UserData(ctx, host, entry.ID)
		if derr != nil {
			return nil, err
		}
		return &types.Content{
			Body: data,
			Hash: store.ContentDigest(data),
			Size: int64(len(data)),
			Mime: http.DetectContentType(data),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if content.Mime == store.MimeDynamic {
		handler, ok := h.dynamic.Lookup(content.Hash)
		if !ok {
			return nil, fmt.Errorf("no dynamic handler registered for %s%s", host, query)
		}
		body, mime, herr := handler(r, content)
		if herr != nil {
			return nil, fmt.Errorf("dynamic handler failed: %v", herr)
		}
		return &types.Content{
			Body: body,
			Hash: store.ContentDigest(body),
			Size: int64(len(body)),
			Mime: mime,
		}, nil
	}
	return content, nil
}

// respondContent writes the body with ETag semantics: a GET whose
// If-None-Match equals the content digest short-circuits to 304 with
// an empty body, a HEAD carries the full header set and no body, and
// every other method always gets the body.
func (h *Handler) respondContent(w http.ResponseWriter, r *http.Request, meta *types.EntryMeta, c *types.Content) {
	etag := `"` + c.Hash + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", c.Mime)
	if meta.CacheControl != "" {
		w.Header().Set("Cache-Control", meta.CacheControl)
	}

	if r.Method == http.MethodGet && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(c.Size, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(c.Body)
}

// respondError writes an error status, honoring the entry's body
// overrides when present.
func (h *Handler) respondError(w http.ResponseWriter, meta *types.EntryMeta, status int) {
	body := http.StatusText(status)
	if meta != nil {
		if override, ok := meta.Errors[strconv.Itoa(status)]; ok {
			body = override
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, body)
}

// hostOnly strips the port from a request host.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// peerIP extracts the IP of the socket peer.
func peerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// statusWriter records the status and size the access log and metrics
// need.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
	wrote  bool
}

func (s *statusWriter) WriteHeader(status int) {
	if !s.wrote {
		s.status = status
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	s.wrote = true
	n, err := s.ResponseWriter.Write(b)
	s.size += int64(n)
	return n, err
}

// redirect sends a 302 with the given location.
func redirect(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

// loginRedirectTarget preserves the original query for the post-login
// redirect.
func loginRedirectTarget(query string) string {
	return LoginPath + "?redirect=" + url.QueryEscape(query)
}
