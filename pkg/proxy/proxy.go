// Package proxy forwards requests for proxied hosts to their upstream,
// rewriting identity headers on the way in and normalizing CORS and
// cookie attributes on the way out.
package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/types"
)

// Options bounds the upstream connection phases. The listener owns the
// client-side timeouts; these cover only the upstream leg.
type Options struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration
}

// Forwarder proxies requests to one upstream host. The transport is
// shared; the ReverseProxy itself is assembled per request so the
// response rewrite can close over the caller's origin.
type Forwarder struct {
	target    *url.URL
	transport *http.Transport
}

// New builds a forwarder for the given upstream description. The
// transport decodes chunked response bodies (chunk extensions
// included) and re-derives Content-Length before the response is
// written back.
func New(meta *types.ProxyMeta, opts Options) (*Forwarder, error) {
	if meta.Target == "" {
		return nil, fmt.Errorf("proxy metadata has no target")
	}
	scheme := meta.Scheme
	if scheme == "" {
		scheme = "http"
	}
	hostport := meta.Target
	if meta.Port != 0 {
		hostport = net.JoinHostPort(meta.Target, fmt.Sprintf("%d", meta.Port))
	}
	target := &url.URL{Scheme: scheme, Host: hostport}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.DialTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseTimeout,
	}
	if scheme == "https" {
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Only when the operator explicitly provisioned the
			// upstream as insecure.
			InsecureSkipVerify: meta.Insecure,
		}
	}

	return &Forwarder{target: target, transport: transport}, nil
}

// ServeHTTP forwards the request. Connect, handshake, and read
// failures surface as 502; there is no retry against a second
// upstream.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r)

	rp := &httputil.ReverseProxy{
		Transport: f.transport,
		Director:  f.director,
		ModifyResponse: func(resp *http.Response) error {
			normalizeResponse(resp, origin)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error(fmt.Sprintf("Upstream %s failed: %v", f.target.Host, err))
			http.Error(w, "Bad gateway", http.StatusBadGateway)
		},
	}

	rp.ServeHTTP(w, r)
}

// director rewrites the outbound request for the upstream: Host,
// Origin, and Referer point at the upstream origin, and the standard
// forwarding headers identify the original client.
func (f *Forwarder) director(req *http.Request) {
	originalHost := req.Host
	originalProto := "http"
	if req.TLS != nil {
		originalProto = "https"
	}

	req.URL.Scheme = f.target.Scheme
	req.URL.Host = f.target.Host
	req.Host = f.target.Host

	upstreamOrigin := f.target.Scheme + "://" + f.target.Host
	if req.Header.Get("Origin") != "" {
		req.Header.Set("Origin", upstreamOrigin)
	}
	if ref := req.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil {
			u.Scheme = f.target.Scheme
			u.Host = f.target.Host
			req.Header.Set("Referer", u.String())
		}
	}

	req.Header.Set("X-Forwarded-Host", originalHost)
	req.Header.Set("X-Forwarded-Proto", originalProto)
	// ReverseProxy appends the peer address to X-Forwarded-For after the
	// director runs; setting it here would double the entry.
}

// normalizeResponse rewrites the CORS allow-origin back to the caller
// and forces Secure onto every upstream cookie.
func normalizeResponse(resp *http.Response, origin string) {
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		resp.Header.Set("Access-Control-Allow-Origin", origin)
	}

	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return
	}
	rewritten := make([]string, 0, len(cookies))
	for _, c := range cookies {
		rewritten = append(rewritten, ensureSecure(c))
	}
	resp.Header.Del("Set-Cookie")
	for _, c := range rewritten {
		resp.Header.Add("Set-Cookie", c)
	}
}

// ensureSecure appends the Secure attribute when missing.
func ensureSecure(cookie string) string {
	for _, attr := range strings.Split(cookie, ";") {
		if strings.EqualFold(strings.TrimSpace(attr), "Secure") {
			return cookie
		}
	}
	return cookie + "; Secure"
}

// requestOrigin reconstructs the origin of the inbound request, used
// to rewrite upstream CORS headers back to the caller.
func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	return proto + "://" + r.Host
}
