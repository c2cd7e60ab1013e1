package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/deviant-guru/reliw/pkg/log"
)

// logAccess emits one structured line per request, successful or not.
func (h *Handler) logAccess(r *http.Request, host, query string, sw *statusWriter, start time.Time) {
	logger := log.WithComponent("access")
	event := logger.Info()
	if sw.status >= http.StatusInternalServerError {
		event = logger.Error()
	}

	event = event.
		Str("vhost", host).
		Str("method", r.Method).
		Str("query", query).
		Int("status", sw.status).
		Str("process", h.process).
		Int64("size", sw.size).
		Dur("time", time.Since(start)).
		Str("client_ip", r.Header.Get("x-client-ip"))

	for _, name := range h.cfg.LogHeaders {
		if v := r.Header.Get(name); v != "" {
			event = event.Str(headerField(name), v)
		}
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		event = event.Str("forwarded_for", v)
	}
	if v := r.Header.Get("x-real-ip"); v != "" {
		event = event.Str("forwarded_real_ip", v)
	}

	event.Msg("request")
}

// headerField turns a header name into a log field name.
func headerField(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}
