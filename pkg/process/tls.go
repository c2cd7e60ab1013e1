package process

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/deviant-guru/reliw/pkg/config"
)

// buildTLSConfig assembles the listener's certificate selection: exact
// per-host pairs first, then certificates installed by the certificate
// manager, then the default pair. A nil SSL section means plain HTTP.
// The returned managedCerts cache is invalidated when the certificate
// manager announces a fresh set.
func buildTLSConfig(ssl *config.SSLConfig) (*tls.Config, *managedCerts, error) {
	if ssl == nil {
		return nil, nil, nil
	}

	var defaultCert *tls.Certificate
	if ssl.Default != nil {
		cert, err := tls.LoadX509KeyPair(ssl.Default.Cert, ssl.Default.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load default certificate: %v", err)
		}
		defaultCert = &cert
	}

	hostCerts := make(map[string]*tls.Certificate, len(ssl.Hosts))
	for name, files := range ssl.Hosts {
		cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load certificate for %s: %v", name, err)
		}
		hostCerts[name] = &cert
	}

	var acmeDir string
	if ssl.ACME != nil {
		acmeDir = ssl.ACME.CertDir
	}
	managed := &managedCerts{dir: acmeDir}

	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if cert, ok := hostCerts[hello.ServerName]; ok {
				return cert, nil
			}
			if cert := managed.get(hello.ServerName); cert != nil {
				return cert, nil
			}
			if defaultCert != nil {
				return defaultCert, nil
			}
			return nil, fmt.Errorf("no certificate for %q", hello.ServerName)
		},
	}
	return conf, managed, nil
}

// managedCerts loads certificates the certificate manager installs
// under its directory, caching successful loads until invalidated.
type managedCerts struct {
	dir string

	mu    sync.RWMutex
	certs map[string]*tls.Certificate
}

func (m *managedCerts) get(name string) *tls.Certificate {
	if m.dir == "" || name == "" {
		return nil
	}

	m.mu.RLock()
	cert := m.certs[name]
	m.mu.RUnlock()
	if cert != nil {
		return cert
	}

	loaded, err := tls.LoadX509KeyPair(
		filepath.Join(m.dir, name+".crt"),
		filepath.Join(m.dir, name+".key"),
	)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	if m.certs == nil {
		m.certs = make(map[string]*tls.Certificate)
	}
	m.certs[name] = &loaded
	m.mu.Unlock()
	return &loaded
}

// invalidate drops the cache so renewed pairs reload.
func (m *managedCerts) invalidate() {
	m.mu.Lock()
	m.certs = nil
	m.mu.Unlock()
}
