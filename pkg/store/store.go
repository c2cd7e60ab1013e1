// Package store provides typed accessors over the Redis backend: route
// tables, entry metadata, the file cache, users, sessions, WAF rules,
// rate-limit counters, metrics counters, and the two broadcast
// channels. It is the only shared mutable state in the system; every
// mutation is a single-key atomic operation.
package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deviant-guru/reliw/pkg/config"
)

// ErrNotFound is returned when a key, hash field, or list is absent.
// Callers map it to 404; any other error means the backend itself
// failed.
var ErrNotFound = errors.New("store: not found")

// FileCacheTTL is the lifetime of lazily created file cache entries.
const FileCacheTTL = 3600 * time.Second

// Store wraps one Redis client plus the namespace prefix and the
// filesystem settings content resolution needs. Connection pooling is
// the client's; a single Store is shared by every worker goroutine.
type Store struct {
	rdb          *redis.Client
	ns           string
	dataDir      string
	cacheMaxSize int64
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	opts := &redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Auth,
		DB:           cfg.Redis.DB,
		DialTimeout:  time.Duration(cfg.Redis.Timeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.Redis.Timeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Redis.Timeout) * time.Second,
	}
	if cfg.Redis.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %v", cfg.Redis.Addr(), err)
	}

	return &Store{
		rdb:          rdb,
		ns:           cfg.Redis.Prefix,
		dataDir:      cfg.DataDir,
		cacheMaxSize: cfg.CacheMaxSize,
	}, nil
}

// Ping probes backend reachability. The pipeline maps a failure at
// request start to 503.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key builders. Every key lives under the configured namespace prefix.

func (s *Store) keyRoutes(host string) string {
	return s.ns + ":API:" + host
}

func (s *Store) keyEntry(host, id string) string {
	return s.ns + ":API:" + host + ":" + id
}

func (s *Store) keyFile(host, filename string) string {
	return s.ns + ":FILES:" + host + ":" + filename
}

func (s *Store) keyTitles(host string) string {
	return s.ns + ":TITLES:" + host
}

func (s *Store) keyUsers(host string) string {
	return s.ns + ":USERS:" + host
}

func (s *Store) keySession(host, token string) string {
	return s.ns + ":SESSIONS:" + host + ":" + token
}

func (s *Store) keyProxy(host string) string {
	return s.ns + ":PROXY:" + host
}

func (s *Store) keyWAF() string {
	return s.ns + ":WAF"
}

func (s *Store) keyLimit(host, method, query, ip string) string {
	return s.ns + ":LIMITS:" + host + ":" + method + ":" + query + ":" + ip
}

func (s *Store) keyMetrics(host, kind string) string {
	return s.ns + ":METRICS:" + host + ":" + kind
}

func (s *Store) keyChallenge(domain string) string {
	return s.ns + ":ACME:" + domain
}

// WaffersChannel is the broadcast channel carrying WAF-blocked IPs.
func (s *Store) WaffersChannel() string {
	return s.ns + ":WAFFERS"
}

// ControlChannel carries control messages between processes.
func (s *Store) ControlChannel() string {
	return s.ns + ":CTL"
}

// notFound translates the client's nil reply into ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}
