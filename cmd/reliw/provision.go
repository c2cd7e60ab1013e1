package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/deviant-guru/reliw/pkg/auth"
	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/store"
	"github.com/deviant-guru/reliw/pkg/types"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Write a site manifest into the store",
	Long: `Provision routes, entry metadata, users, WAF rules, and proxy
targets from a YAML manifest.

The serving pipeline reads this data on every request, so provisioning
takes effect immediately without restarting anything. Passwords in the
manifest are hashed with fresh random salts before they are written.

Examples:
  # Provision one or more hosts
  reliw provision -f sites.yaml`,
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().StringP("file", "f", "", "YAML manifest to provision (required)")
	provisionCmd.Flags().StringP("config", "c", "", "Config file path")
	_ = provisionCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(provisionCmd)
}

// Manifest is the operator-facing provisioning document.
type Manifest struct {
	Hosts  map[string]HostManifest `yaml:"hosts"`
	WAF    *WAFManifest            `yaml:"waf,omitempty"`
	Titles map[string]string       `yaml:"titles,omitempty"`
}

// HostManifest describes one virtual host.
type HostManifest struct {
	Proxy  *ProxyManifest    `yaml:"proxy,omitempty"`
	Routes []RouteManifest   `yaml:"routes,omitempty"`
	Users  map[string]string `yaml:"users,omitempty"`
	WAF    *WAFManifest      `yaml:"waf,omitempty"`
	Titles map[string]string `yaml:"titles,omitempty"`
	Data   map[string]string `yaml:"data,omitempty"`
}

type ProxyManifest struct {
	Target   string `yaml:"target"`
	Scheme   string `yaml:"scheme,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

type RouteManifest struct {
	Pattern string       `yaml:"pattern"`
	ID      string       `yaml:"id"`
	Exact   bool         `yaml:"exact,omitempty"`
	Meta    MetaManifest `yaml:"meta"`
}

type MetaManifest struct {
	Methods       []string                 `yaml:"methods"`
	File          string                   `yaml:"file,omitempty"`
	Index         string                   `yaml:"index,omitempty"`
	TryExtensions bool                     `yaml:"try_extensions,omitempty"`
	Gsub          *GsubManifest            `yaml:"gsub,omitempty"`
	Title         string                   `yaml:"title,omitempty"`
	CSSFile       string                   `yaml:"css_file,omitempty"`
	FaviconFile   string                   `yaml:"favicon_file,omitempty"`
	CacheControl  string                   `yaml:"cache_control,omitempty"`
	Auth          *AuthManifest            `yaml:"auth,omitempty"`
	RateLimit     map[string]LimitManifest `yaml:"rate_limit,omitempty"`
	Errors        map[string]string        `yaml:"errors,omitempty"`
}

type GsubManifest struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type AuthManifest struct {
	Mode    string   `yaml:"mode"`
	Allowed []string `yaml:"allowed,omitempty"`
	TTL     int      `yaml:"ttl,omitempty"`
}

type LimitManifest struct {
	Max    int64 `yaml:"max"`
	Period int   `yaml:"period"`
}

type WAFManifest struct {
	Query   []string            `yaml:"query,omitempty"`
	Headers map[string][]string `yaml:"headers,omitempty"`
}

func runProvision(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	configPath, _ := cmd.Flags().GetString("config")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %v", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := store.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if manifest.WAF != nil {
		if err := s.SetWAFRules(ctx, store.WAFGlobalScope, manifest.WAF.ruleSet()); err != nil {
			return err
		}
		fmt.Println("✓ Global WAF rules written")
	}

	for host, hm := range manifest.Hosts {
		if err := provisionHost(ctx, s, host, hm); err != nil {
			return fmt.Errorf("host %s: %v", host, err)
		}
	}
	return nil
}

func provisionHost(ctx context.Context, s *store.Store, host string, hm HostManifest) error {
	if hm.Proxy != nil {
		err := s.SetProxyMeta(ctx, host, &types.ProxyMeta{
			Target:   hm.Proxy.Target,
			Scheme:   hm.Proxy.Scheme,
			Port:     hm.Proxy.Port,
			Insecure: hm.Proxy.Insecure,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s proxied to %s\n", host, hm.Proxy.Target)
	}

	if len(hm.Routes) > 0 {
		entries := make([]types.RouteEntry, 0, len(hm.Routes))
		for _, r := range hm.Routes {
			if r.ID == "" {
				return fmt.Errorf("route %q has no id", r.Pattern)
			}
			entries = append(entries, types.RouteEntry{Pattern: r.Pattern, ID: r.ID, Exact: r.Exact})
			if err := s.SetEntryMeta(ctx, host, r.ID, r.Meta.entryMeta()); err != nil {
				return err
			}
		}
		if err := s.SetRoutes(ctx, host, entries); err != nil {
			return err
		}
		fmt.Printf("✓ %s: %d routes written\n", host, len(entries))
	}

	for name, password := range hm.Users {
		u, err := auth.NewUser(password)
		if err != nil {
			return err
		}
		if err := s.PutUser(ctx, host, name, u); err != nil {
			return err
		}
		fmt.Printf("✓ %s: user %s written\n", host, name)
	}

	if hm.WAF != nil {
		if err := s.SetWAFRules(ctx, host, hm.WAF.ruleSet()); err != nil {
			return err
		}
		fmt.Printf("✓ %s: WAF rules written\n", host)
	}

	for filename, title := range hm.Titles {
		if err := s.SetTitle(ctx, host, filename, title); err != nil {
			return err
		}
	}

	for id, blob := range hm.Data {
		if err := s.SetUserData(ctx, host, id, []byte(blob)); err != nil {
			return err
		}
	}

	return nil
}

func (m MetaManifest) entryMeta() *types.EntryMeta {
	methods := make(map[string]bool, len(m.Methods))
	for _, method := range m.Methods {
		methods[method] = true
	}
	meta := &types.EntryMeta{
		Methods:       methods,
		File:          m.File,
		Index:         m.Index,
		TryExtensions: m.TryExtensions,
		Title:         m.Title,
		CSSFile:       m.CSSFile,
		FaviconFile:   m.FaviconFile,
		CacheControl:  m.CacheControl,
		Errors:        m.Errors,
	}
	if m.Gsub != nil {
		meta.Gsub = &types.GsubRule{Pattern: m.Gsub.Pattern, Replacement: m.Gsub.Replacement}
	}
	if m.Auth != nil {
		meta.Auth = &types.AuthMeta{Mode: m.Auth.Mode, Allowed: m.Auth.Allowed, TTL: m.Auth.TTL}
	}
	if len(m.RateLimit) > 0 {
		meta.RateLimit = make(map[string]types.RateLimit, len(m.RateLimit))
		for method, l := range m.RateLimit {
			meta.RateLimit[method] = types.RateLimit{Max: l.Max, Period: l.Period}
		}
	}
	return meta
}

func (w WAFManifest) ruleSet() *types.WAFRuleSet {
	return &types.WAFRuleSet{Query: w.Query, Headers: w.Headers}
}
