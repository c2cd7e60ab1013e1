package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/store"
)

// Server is the metrics listener. It binds its own address, separate
// from the serving workers, and refreshes the gauges from the store on
// every scrape.
type Server struct {
	cfg       config.MetricsConfig
	store     *store.Store
	collector *Collector
}

// NewServer creates the metrics listener over the shared store.
func NewServer(cfg config.MetricsConfig, s *store.Store) *Server {
	return &Server{
		cfg:       cfg,
		store:     s,
		collector: NewCollector(s, cfg),
	}
}

// router exposes GET /metrics and nothing else; any other path or
// method is a 404.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.MethodNotAllowedHandler = http.NotFoundHandler()
	return r
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.IP, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info(fmt.Sprintf("Metrics listener on %s", addr))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("metrics listener failed: %v", err)
	}
	return nil
}

// handleMetrics refreshes the gauges from the store, then renders the
// Prometheus exposition. A scrape with the store down answers 503.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		UpdateComponent("store", false, err.Error())
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	UpdateComponent("store", true, "")

	if err := s.collector.Collect(ctx); err != nil {
		log.Errorf("Metrics collection failed: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	Handler().ServeHTTP(w, r)
}
