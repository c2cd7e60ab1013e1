package process

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deviant-guru/reliw/pkg/acme"
	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/dns"
	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/metrics"
	"github.com/deviant-guru/reliw/pkg/server"
	"github.com/deviant-guru/reliw/pkg/store"
)

// Manager supervises the serving processes: one HTTP worker per listen
// address, the metrics listener, and the certificate manager. Any
// member failing brings the group down; the store connection is shared
// by all of them.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	handlers []*server.Handler
}

// NewManager connects the store; an unreachable store at boot is fatal.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	s, err := store.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	metrics.RegisterComponent("store", true, "")
	return &Manager{cfg: cfg, store: s}, nil
}

// RegisterDynamic binds a dynamic content handler in every worker.
func (m *Manager) RegisterDynamic(digest string, h server.DynamicHandler) {
	for _, handler := range m.handlers {
		handler.Dynamic().Register(digest, h)
	}
}

// Run supervises until ctx is canceled or a member fails.
func (m *Manager) Run(ctx context.Context) error {
	defer m.store.Close()

	tlsConf, managed, err := buildTLSConfig(m.cfg.SSL)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, addr := range m.cfg.ListenAddrs() {
		handler := server.NewHandler(m.cfg, m.store, uuid.New().String()[:8])
		m.handlers = append(m.handlers, handler)
		worker := server.NewWorker(m.cfg, handler, addr, tlsConf)
		g.Go(func() error {
			return worker.Run(ctx)
		})
	}
	metrics.RegisterComponent("worker", true, "")

	if !m.cfg.Metrics.Disabled {
		metricsSrv := metrics.NewServer(m.cfg.Metrics, m.store)
		g.Go(func() error {
			return metricsSrv.Run(ctx)
		})
	}

	if m.cfg.SSL != nil && m.cfg.SSL.ACME != nil {
		certs, err := acme.NewManager(ctx, m.cfg.SSL.ACME, m.store)
		if err != nil {
			return fmt.Errorf("failed to start certificate manager: %v", err)
		}
		g.Go(func() error {
			return certs.Run(ctx)
		})

		if m.cfg.SSL.ACME.DNSListen != "" {
			responder := dns.NewResponder(m.store, m.cfg.SSL.ACME.DNSListen)
			g.Go(func() error {
				return responder.Run(ctx)
			})
		}
	}

	g.Go(func() error {
		m.watchControl(ctx, managed)
		return nil
	})

	return g.Wait()
}

// watchControl follows the control channel. RESTART is recognized but
// reserved; a certificate readiness announcement drops the TLS cache so
// renewed pairs load on the next handshake.
func (m *Manager) watchControl(ctx context.Context, managed *managedCerts) {
	for msg := range m.store.SubscribeControl(ctx) {
		switch msg {
		case store.ControlRestart:
			log.Info("Restart requested on control channel (not actioned)")
		case store.ControlCertsReady:
			log.Info("Certificates announced ready")
			if managed != nil {
				managed.invalidate()
			}
		default:
			log.Debug(fmt.Sprintf("Ignoring control message %q", msg))
		}
	}
}
