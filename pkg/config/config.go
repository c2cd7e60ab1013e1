package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// EnvConfigPath is the environment variable overriding the config file
// location.
const EnvConfigPath = "RELIW_CONFIG"

// DefaultConfigPath is used when EnvConfigPath is not set.
const DefaultConfigPath = "/etc/reliw/config.json"

// RedisConfig holds the key/value store connection settings.
type RedisConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DB      int    `json:"db"`
	Prefix  string `json:"prefix"`
	Timeout int    `json:"timeout"` // seconds
	SSL     bool   `json:"ssl"`
	Auth    string `json:"auth"`
}

// Addr returns the host:port the Redis client dials.
func (r *RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, fmt.Sprintf("%d", r.Port))
}

// MetricsConfig holds the metrics listener settings.
type MetricsConfig struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Disabled  bool   `json:"disabled"`
	ScanCount int64  `json:"scan_count"`
	ScanLimit int    `json:"scan_limit"`
}

// CertFiles points at one host's PEM certificate and key.
type CertFiles struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// ACMEConfig enables automatic certificate issuance.
type ACMEConfig struct {
	Email     string   `json:"email"`
	Directory string   `json:"directory"`
	Domains   []string `json:"domains"`
	RenewTime int      `json:"renew_time"` // days before expiry
	CertDir   string   `json:"cert_dir"`

	// DNSListen starts the embedded dns-01 challenge responder on this
	// address. Empty leaves challenge serving to an external responder
	// reading the same store.
	DNSListen string `json:"dns_listen,omitempty"`
}

// SSLConfig holds the TLS listener settings.
type SSLConfig struct {
	Default *CertFiles           `json:"default,omitempty"`
	Hosts   map[string]CertFiles `json:"hosts,omitempty"`
	ACME    *ACMEConfig          `json:"acme,omitempty"`
}

// Config is the full server configuration, loaded from a JSON file.
type Config struct {
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	IPv6             string `json:"ipv6,omitempty"`
	DataDir          string `json:"data_dir"`
	CacheMaxSize     int64  `json:"cache_max_size"`
	Backlog          int    `json:"backlog"`
	ForkLimit        int    `json:"fork_limit"`
	RequestsPerFork  int64  `json:"requests_per_fork"`
	MaxBodySize      int64  `json:"max_body_size"`
	RequestLineLimit int    `json:"request_line_limit"`

	// Phase timeouts in seconds; enforced by the listener, not the
	// pipeline.
	KeepaliveIdleTimeout int `json:"keepalive_idle_timeout"`
	RequestHeaderTimeout int `json:"request_header_timeout"`
	RequestBodyTimeout   int `json:"request_body_timeout"`
	TLSHandshakeTimeout  int `json:"tls_handshake_timeout"`

	LogLevel   string   `json:"log_level"`
	LogHeaders []string `json:"log_headers,omitempty"`

	// Compression is parsed for config compatibility but not acted on.
	Compression bool `json:"compression"`

	Redis   RedisConfig   `json:"redis"`
	Metrics MetricsConfig `json:"metrics"`
	SSL     *SSLConfig    `json:"ssl,omitempty"`
}

// Load reads the configuration from path. An empty path resolves via
// the RELIW_CONFIG environment variable, then the default location.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a config populated with the documented defaults.
func Default() *Config {
	return &Config{
		IP:                   "127.0.0.1",
		Port:                 8080,
		DataDir:              "/var/lib/reliw",
		CacheMaxSize:         512 * 1024,
		Backlog:              256,
		ForkLimit:            64,
		RequestsPerFork:      4096,
		MaxBodySize:          4 * 1024 * 1024,
		RequestLineLimit:     8192,
		KeepaliveIdleTimeout: 65,
		RequestHeaderTimeout: 10,
		RequestBodyTimeout:   30,
		TLSHandshakeTimeout:  10,
		LogLevel:             "info",
		Redis: RedisConfig{
			Host:    "127.0.0.1",
			Port:    6379,
			Prefix:  "RLW",
			Timeout: 5,
		},
		Metrics: MetricsConfig{
			IP:        "127.0.0.1",
			Port:      9101,
			ScanCount: 100,
			ScanLimit: 10000,
		},
	}
}

// Validate checks the loaded configuration for values the server
// cannot run with.
func (c *Config) Validate() error {
	if net.ParseIP(c.IP) == nil {
		return fmt.Errorf("invalid listen ip: %q", c.IP)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Port)
	}
	if c.IPv6 != "" {
		ip := net.ParseIP(c.IPv6)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("invalid ipv6 listen address: %q", c.IPv6)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.CacheMaxSize < 0 {
		return fmt.Errorf("cache_max_size must not be negative")
	}
	if c.ForkLimit <= 0 {
		return fmt.Errorf("fork_limit must be positive")
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("backlog must be positive")
	}
	if c.RequestsPerFork <= 0 {
		return fmt.Errorf("requests_per_fork must be positive")
	}
	if c.Redis.Prefix == "" {
		return fmt.Errorf("redis.prefix must be set")
	}
	if c.SSL != nil && c.SSL.ACME != nil {
		a := c.SSL.ACME
		if a.Email == "" {
			return fmt.Errorf("ssl.acme.email must be set")
		}
		if len(a.Domains) == 0 {
			return fmt.Errorf("ssl.acme.domains must not be empty")
		}
		if a.RenewTime <= 0 {
			a.RenewTime = 30
		}
		if a.CertDir == "" {
			a.CertDir = c.DataDir + "/certs"
		}
	}
	return nil
}

// ListenAddrs returns the configured listen addresses, IPv4 first.
func (c *Config) ListenAddrs() []string {
	addrs := []string{net.JoinHostPort(c.IP, fmt.Sprintf("%d", c.Port))}
	if c.IPv6 != "" {
		addrs = append(addrs, net.JoinHostPort(c.IPv6, fmt.Sprintf("%d", c.Port)))
	}
	return addrs
}

// Timeout helpers; the zero default never reaches here because Default
// seeds every phase timeout.

func (c *Config) KeepaliveIdle() time.Duration {
	return time.Duration(c.KeepaliveIdleTimeout) * time.Second
}

func (c *Config) RequestHeader() time.Duration {
	return time.Duration(c.RequestHeaderTimeout) * time.Second
}

func (c *Config) RequestBody() time.Duration {
	return time.Duration(c.RequestBodyTimeout) * time.Second
}

func (c *Config) TLSHandshake() time.Duration {
	return time.Duration(c.TLSHandshakeTimeout) * time.Second
}
