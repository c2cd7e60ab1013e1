package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/metrics"
	"github.com/deviant-guru/reliw/pkg/store"
)

// challengeTTL bounds how long a published DNS challenge record stays
// in the store for the DNS responder to serve.
const challengeTTL = time.Hour

// state is one domain's position in the issuance lifecycle.
type state int

const (
	stateNone state = iota
	stateOrderRequested
	stateAuthorized
	stateCSRSent
	stateFetched
)

func (s state) String() string {
	switch s {
	case stateNone:
		return "none"
	case stateOrderRequested:
		return "order_requested"
	case stateAuthorized:
		return "authorized"
	case stateCSRSent:
		return "csr_sent"
	case stateFetched:
		return "fetched"
	}
	return "unknown"
}

// directoryClient is the slice of the ACME client the manager drives.
type directoryClient interface {
	AuthorizeOrder(ctx context.Context, ids []acme.AuthzID, opts ...acme.OrderOption) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	DNS01ChallengeRecord(token string) (string, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) ([][]byte, string, error)
}

// domain tracks one name's issuance state across loop iterations.
type domain struct {
	name      string
	state     state
	order     *acme.Order
	authzURLs []string
	certKey   *ecdsa.PrivateKey
	chain     [][]byte
	expiry    time.Time
}

// Manager drives certificate issuance and renewal for the configured
// domains. Each loop iteration advances every domain at most one state;
// the DNS challenge records are published through the store for an
// external DNS responder to serve.
type Manager struct {
	cfg    *config.ACMEConfig
	store  *store.Store
	client directoryClient

	domains   []*domain
	rng       *mrand.Rand
	streak    int
	announced bool
}

// NewManager registers (or reuses) the ACME account and prepares the
// per-domain state.
func NewManager(ctx context.Context, cfg *config.ACMEConfig, s *store.Store) (*Manager, error) {
	if err := os.MkdirAll(cfg.CertDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cert dir %s: %v", cfg.CertDir, err)
	}

	accounts, err := OpenAccountStore(cfg.CertDir)
	if err != nil {
		return nil, err
	}
	defer accounts.Close()

	key, err := accounts.Key()
	if err != nil {
		return nil, err
	}

	directory := cfg.Directory
	if directory == "" {
		directory = acme.LetsEncryptURL
	}
	client := &acme.Client{Key: key, DirectoryURL: directory}
	if err := register(ctx, client, accounts, cfg.Email); err != nil {
		return nil, err
	}

	return newManager(cfg, s, client), nil
}

func newManager(cfg *config.ACMEConfig, s *store.Store, client directoryClient) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  s,
		client: client,
		rng:    mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
	for _, name := range cfg.Domains {
		m.domains = append(m.domains, &domain{name: name})
	}
	return m
}

// Run loops until ctx is canceled. While any domain is mid-issuance the
// loop polls on a short randomized delay; once every certificate is
// fetched it announces readiness on the control channel and sleeps a
// randomized fraction of the time left before the earliest renewal.
func (m *Manager) Run(ctx context.Context) error {
	logger := log.WithComponent("acme")
	for {
		incomplete := false
		for _, d := range m.domains {
			before := d.state
			if err := m.step(ctx, d); err != nil {
				logger.Warn().Str("domain", d.name).Str("state", d.state.String()).
					Msgf("Certificate step failed: %v", err)
				metrics.UpdateComponent("certs", false, err.Error())
				incomplete = true
				continue
			}
			if d.state != before {
				logger.Info().Str("domain", d.name).
					Str("from", before.String()).Str("to", d.state.String()).
					Msg("Certificate state advanced")
			}
			if d.state != stateFetched || m.needsRenewal(d.expiry) {
				incomplete = true
			}
		}

		var delay time.Duration
		if incomplete {
			m.streak = 0
			delay = pollDelay(m.rng)
		} else {
			m.streak++
			metrics.UpdateComponent("certs", true, "")
			// Announce only once the full set has been stable for two
			// consecutive iterations.
			if !m.announced && m.streak >= 2 {
				if err := m.store.PublishControl(ctx, store.ControlCertsReady); err != nil {
					logger.Warn().Msgf("Failed to announce certificates: %v", err)
				} else {
					m.announced = true
				}
			}
			if m.streak < 2 {
				delay = pollDelay(m.rng)
			} else {
				delay = renewalDelay(m.rng, time.Until(m.earliestExpiry())-m.renewWindow())
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// step advances one domain by at most one state.
func (m *Manager) step(ctx context.Context, d *domain) error {
	switch d.state {
	case stateNone:
		if d.expiry.IsZero() {
			if expiry, err := m.loadExisting(d.name); err == nil && !m.needsRenewal(expiry) {
				d.expiry = expiry
				d.state = stateFetched
				metrics.CertExpiryDays.WithLabelValues(d.name).Set(time.Until(expiry).Hours() / 24)
				return nil
			}
		}
		return m.beginOrder(ctx, d)

	case stateOrderRequested:
		for _, u := range d.authzURLs {
			authz, err := m.client.WaitAuthorization(ctx, u)
			if err != nil {
				d.state = stateNone
				return fmt.Errorf("authorization failed: %v", err)
			}
			if authz.Status != acme.StatusValid {
				d.state = stateNone
				return fmt.Errorf("authorization ended in status %s", authz.Status)
			}
		}
		d.state = stateAuthorized
		return nil

	case stateAuthorized:
		return m.finalize(ctx, d)

	case stateCSRSent:
		return m.install(ctx, d)

	case stateFetched:
		if m.needsRenewal(d.expiry) {
			d.state = stateNone
			d.expiry = time.Time{}
		}
		return nil
	}
	return nil
}

// beginOrder opens a new order and publishes the DNS challenge records.
func (m *Manager) beginOrder(ctx context.Context, d *domain) error {
	order, err := m.client.AuthorizeOrder(ctx, []acme.AuthzID{{Type: "dns", Value: d.name}})
	if err != nil {
		return fmt.Errorf("failed to request order: %v", err)
	}
	d.order = order
	d.authzURLs = append([]string(nil), order.AuthzURLs...)

	for _, u := range d.authzURLs {
		authz, err := m.client.GetAuthorization(ctx, u)
		if err != nil {
			return fmt.Errorf("failed to read authorization: %v", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		chal := dns01Challenge(authz)
		if chal == nil {
			return fmt.Errorf("no dns-01 challenge offered for %s", d.name)
		}
		record, err := m.client.DNS01ChallengeRecord(chal.Token)
		if err != nil {
			return fmt.Errorf("failed to derive challenge record: %v", err)
		}
		if err := m.store.SetDNSChallenge(ctx, d.name, record, challengeTTL); err != nil {
			return fmt.Errorf("failed to publish challenge record: %v", err)
		}
		if _, err := m.client.Accept(ctx, chal); err != nil {
			return fmt.Errorf("failed to accept challenge: %v", err)
		}
	}
	d.state = stateOrderRequested
	return nil
}

// finalize submits the CSR once the order is ready.
func (m *Manager) finalize(ctx context.Context, d *domain) error {
	order, err := m.client.WaitOrder(ctx, d.order.URI)
	if err != nil {
		d.state = stateNone
		return fmt.Errorf("order did not become ready: %v", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate certificate key: %v", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: d.name},
		DNSNames: []string{d.name},
	}, certKey)
	if err != nil {
		return fmt.Errorf("failed to build CSR: %v", err)
	}

	chain, _, err := m.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		d.state = stateNone
		return fmt.Errorf("failed to finalize order: %v", err)
	}
	d.certKey = certKey
	d.chain = chain
	d.state = stateCSRSent
	return nil
}

// install writes the fetched chain and key to the certificate directory
// and retires the DNS challenge record.
func (m *Manager) install(ctx context.Context, d *domain) error {
	leaf, err := x509.ParseCertificate(d.chain[0])
	if err != nil {
		d.state = stateNone
		return fmt.Errorf("failed to parse issued certificate: %v", err)
	}

	if err := writeCert(m.certPath(d.name), d.chain); err != nil {
		return err
	}
	if err := writeKey(m.keyPath(d.name), d.certKey); err != nil {
		return err
	}
	if err := m.store.DeleteDNSChallenge(ctx, d.name); err != nil {
		log.Debug(fmt.Sprintf("Failed to retire challenge record for %s: %v", d.name, err))
	}

	d.expiry = leaf.NotAfter
	d.chain = nil
	d.certKey = nil
	d.state = stateFetched
	metrics.CertRenewals.Inc()
	metrics.CertExpiryDays.WithLabelValues(d.name).Set(time.Until(leaf.NotAfter).Hours() / 24)
	log.Info(fmt.Sprintf("Certificate for %s installed, expires %s", d.name, leaf.NotAfter.Format(time.RFC3339)))
	return nil
}

// loadExisting reads an installed certificate's expiry, verifying the
// key file is present alongside it.
func (m *Manager) loadExisting(name string) (time.Time, error) {
	data, err := os.ReadFile(m.certPath(name))
	if err != nil {
		return time.Time{}, err
	}
	if _, err := os.Stat(m.keyPath(name)); err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, fmt.Errorf("certificate for %s is not PEM", name)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse certificate for %s: %v", name, err)
	}
	return cert.NotAfter, nil
}

// needsRenewal reports whether a certificate expiring at the given time
// is inside the renewal window.
func (m *Manager) needsRenewal(expiry time.Time) bool {
	return time.Until(expiry) <= m.renewWindow()
}

func (m *Manager) renewWindow() time.Duration {
	return time.Duration(m.cfg.RenewTime) * 24 * time.Hour
}

func (m *Manager) earliestExpiry() time.Time {
	var earliest time.Time
	for _, d := range m.domains {
		if earliest.IsZero() || d.expiry.Before(earliest) {
			earliest = d.expiry
		}
	}
	return earliest
}

func (m *Manager) certPath(name string) string {
	return filepath.Join(m.cfg.CertDir, name+".crt")
}

func (m *Manager) keyPath(name string) string {
	return filepath.Join(m.cfg.CertDir, name+".key")
}

// pollDelay is the randomized wait between iterations while any domain
// is mid-issuance: one to fifteen seconds, so a fleet of processes does
// not hammer the directory in lockstep.
func pollDelay(rng *mrand.Rand) time.Duration {
	return time.Duration(1+rng.Intn(15)) * time.Second
}

// renewalDelay is the randomized wait once every certificate is ready:
// between 80% and 100% of the time left until the earliest renewal is
// due.
func renewalDelay(rng *mrand.Rand, budget time.Duration) time.Duration {
	if budget <= time.Second {
		return time.Second
	}
	low := budget * 8 / 10
	return low + time.Duration(rng.Int63n(int64(budget-low)+1))
}

func dns01Challenge(authz *acme.Authorization) *acme.Challenge {
	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			return c
		}
	}
	return nil
}

func writeCert(path string, chain [][]byte) error {
	var buf []byte
	for _, der := range chain {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate %s: %v", path, err)
	}
	return nil
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate key: %v", err)
	}
	buf := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write key %s: %v", path, err)
	}
	return nil
}
