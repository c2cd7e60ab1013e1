package server

import (
	"testing"
)

// TestValidateHost covers the accepted and rejected host shapes
func TestValidateHost(t *testing.T) {
	tests := []struct {
		name  string
		host  string
		valid bool
	}{
		{"dns name", "example.com", true},
		{"dns name with port", "example.com:8080", true},
		{"subdomain", "api.v2.example.com", true},
		{"localhost", "localhost", true},
		{"localhost with port", "localhost:3000", true},
		{"ipv4", "192.168.1.10", true},
		{"ipv4 with port", "192.168.1.10:8443", true},
		{"bracketed ipv6", "[2001:db8::1]", true},
		{"bracketed ipv6 with port", "[2001:db8::1]:443", true},
		{"hyphenated label", "my-site.example.com", true},

		{"empty", "", false},
		{"host list", "a.example.com,b.example.com", false},
		{"unbracketed ipv6", "2001:db8::1", false},
		{"port zero", "example.com:0", false},
		{"port too large", "example.com:70000", false},
		{"port not a number", "example.com:http", false},
		{"empty port", "example.com:", false},
		{"control character", "exam\x01ple.com", false},
		{"space", "examp le.com", false},
		{"empty label", "example..com", false},
		{"label starts with hyphen", "-bad.example.com", false},
		{"unterminated bracket", "[2001:db8::1", false},
		{"garbage after bracket", "[2001:db8::1]x", false},
		{"ipv4 in brackets", "[192.168.1.1]", false},
		{"underscore in label", "bad_host.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHost(tt.host)
			if tt.valid && err != nil {
				t.Errorf("ValidateHost(%q) = %v, want nil", tt.host, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateHost(%q) = nil, want error", tt.host)
			}
		})
	}
}

// TestValidateQuery covers query sanitation and traversal rejection
func TestValidateQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		valid bool
	}{
		{"root", "/", true},
		{"plain path", "/blog/post.html", true},
		{"single dot segment", "/a/./b", true},
		{"percent-encoded space", "/a%20b", true},
		{"trailing slash", "/dir/", true},

		{"no leading slash", "blog/post.html", false},
		{"control character", "/a\x00b", false},
		{"tab", "/a\tb", false},
		{"backslash", "/a\\b", false},
		{"encoded dot lower", "/%2e%2e/etc", false},
		{"encoded dot upper", "/%2E%2E/etc", false},
		{"encoded slash", "/a%2Fb", false},
		{"encoded backslash", "/a%5Cb", false},
		{"plain traversal", "/../etc/passwd", false},
		{"nested traversal", "/a/../../etc", false},
		{"traversal after decoding", "/a/%2e./b", false},
		{"broken percent encoding", "/a%zz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuery(tt.query)
			if tt.valid && err != nil {
				t.Errorf("ValidateQuery(%q) = %v, want nil", tt.query, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateQuery(%q) = nil, want error", tt.query)
			}
		})
	}
}
