package types

import "encoding/json"

// RouteEntry is one element of a host's ordered route table.
// Entries are evaluated in list order; the first match wins.
type RouteEntry struct {
	Pattern string `json:"pattern"`
	ID      string `json:"id"`
	Exact   bool   `json:"exact,omitempty"`
}

// GsubRule is a literal pattern/replacement remap applied to a query
// path when the resolved file does not exist.
type GsubRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// RateLimit describes one request-rate window for a method.
type RateLimit struct {
	Max    int64 `json:"max"`
	Period int   `json:"period"` // seconds
}

// EntryMeta is the metadata object describing one route's behavior.
// Methods is the only required field; everything else has a documented
// default (absent = disabled).
type EntryMeta struct {
	Methods       map[string]bool      `json:"methods"`
	File          string               `json:"file,omitempty"`
	Index         string               `json:"index,omitempty"`
	TryExtensions bool                 `json:"try_extensions,omitempty"`
	Gsub          *GsubRule            `json:"gsub,omitempty"`
	Title         string               `json:"title,omitempty"`
	CSSFile       string               `json:"css_file,omitempty"`
	FaviconFile   string               `json:"favicon_file,omitempty"`
	CacheControl  string               `json:"cache_control,omitempty"`
	Auth          *AuthMeta            `json:"auth,omitempty"`
	RateLimit     map[string]RateLimit `json:"rate_limit,omitempty"`
	Errors        map[string]string    `json:"error,omitempty"`
}

// AuthMeta selects one of the three entry-level auth modes.
type AuthMeta struct {
	// Mode is "login", "logout", or "allow".
	Mode string `json:"mode"`
	// Allowed is the literal user allow-list for mode "allow".
	Allowed []string `json:"allowed,omitempty"`
	// TTL is the session lifetime in seconds issued by a login entry.
	TTL int `json:"ttl,omitempty"`
}

// Content is a resolved response body plus the metadata the file cache
// carries alongside it.
type Content struct {
	Body  []byte
	Hash  string // hex digest of Body
	Size  int64
	Mime  string
	Title string
}

// User is one record of a host's user table. Pass is a hex keyed hash
// of Salt and the password, never the raw password.
type User struct {
	Pass string `json:"pass"`
	Salt string `json:"salt"`
}

// ProxyMeta describes the upstream a host is reverse-proxied to. Its
// presence for a host short-circuits all local routing.
type ProxyMeta struct {
	Target   string `json:"target"`
	Scheme   string `json:"scheme"`
	Port     int    `json:"port"`
	Insecure bool   `json:"insecure,omitempty"`
}

// WAFRuleSet holds the query and header patterns of one rule scope
// (global or per-host).
type WAFRuleSet struct {
	Query   []string            `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// WAFMatch reports the rule that blocked a request.
type WAFMatch struct {
	Scope  string // "global" or the host name
	Kind   string // "query" or "header"
	Header string // header name for kind "header"
	Rule   string // the pattern that matched
}

// DecodeRuleSet parses a stored WAF rule JSON blob.
func DecodeRuleSet(data []byte) (*WAFRuleSet, error) {
	var rs WAFRuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}
