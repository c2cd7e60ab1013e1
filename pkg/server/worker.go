package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/log"
)

// Worker serves one listen address. It runs the handler in listener
// generations: after requests_per_fork requests the current server
// drains gracefully and a fresh generation takes over under a new
// process identity, the in-process equivalent of replacing a forked
// worker.
type Worker struct {
	cfg     *config.Config
	handler *Handler
	addr    string
	tlsConf *tls.Config

	// sem spans generations so requests still draining from the
	// previous one count against fork_limit.
	sem chan struct{}

	mu     sync.Mutex
	srv    *http.Server
	served int64
}

// NewWorker creates a worker for one listen address. A nil tlsConf
// serves plain HTTP.
func NewWorker(cfg *config.Config, h *Handler, addr string, tlsConf *tls.Config) *Worker {
	return &Worker{
		cfg:     cfg,
		handler: h,
		addr:    addr,
		tlsConf: tlsConf,
		sem:     make(chan struct{}, cfg.ForkLimit),
	}
}

// Run serves until ctx is canceled, restarting a fresh generation each
// time the recycle threshold drains the previous one.
func (w *Worker) Run(ctx context.Context) error {
	for {
		process := uuid.New().String()[:8]
		w.handler.SetProcess(process)
		atomic.StoreInt64(&w.served, 0)

		err := w.serveGeneration(ctx, process)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		log.Info(fmt.Sprintf("Worker %s on %s recycled after %d requests", process, w.addr, w.cfg.RequestsPerFork))
	}
}

func (w *Worker) serveGeneration(ctx context.Context, process string) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", w.addr, err)
	}

	limited := netutil.LimitListener(ln, w.cfg.Backlog)
	if w.tlsConf != nil {
		limited = tls.NewListener(limited, w.tlsConf)
	}

	srv := &http.Server{
		Handler:           w.wrap(w.handler),
		ReadHeaderTimeout: w.cfg.RequestHeader(),
		ReadTimeout:       w.cfg.RequestHeader() + w.cfg.RequestBody(),
		IdleTimeout:       w.cfg.KeepaliveIdle(),
		MaxHeaderBytes:    w.cfg.RequestLineLimit,
	}

	w.mu.Lock()
	w.srv = srv
	w.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	log.Info(fmt.Sprintf("Worker %s listening on %s", process, w.addr))
	err = srv.Serve(limited)

	// Serve returns as soon as the listener closes; wait for in-flight
	// requests to drain before the next generation relabels the handler.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(drainCtx)

	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// wrap bounds concurrency to fork_limit, caps the request body,
// recovers per-request panics, and counts requests toward the recycle
// threshold.
func (w *Worker) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.sem <- struct{}{}
		defer func() { <-w.sem }()

		defer func() {
			if rec := recover(); rec != nil {
				log.Error(fmt.Sprintf("Panic serving %s %s%s: %v", r.Method, r.Host, r.URL.Path, rec))
				http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		if w.cfg.MaxBodySize > 0 {
			r.Body = http.MaxBytesReader(rw, r.Body, w.cfg.MaxBodySize)
		}
		next.ServeHTTP(rw, r)

		if atomic.AddInt64(&w.served, 1) == w.cfg.RequestsPerFork {
			go w.recycle()
		}
	})
}

// recycle drains the current generation; Run starts the next one.
func (w *Worker) recycle() {
	w.mu.Lock()
	srv := w.srv
	w.mu.Unlock()
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
