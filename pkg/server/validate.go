package server

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidateHost accepts DNS names, localhost, IPv4, and bracketed IPv6,
// with an optional well-formed port. Comma-separated host lists,
// control characters, malformed ports, and unbracketed IPv6 are all
// rejected; the pipeline answers 400.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("empty host")
	}
	for i := 0; i < len(host); i++ {
		if host[i] < 0x21 || host[i] == 0x7f {
			return fmt.Errorf("control character in host")
		}
	}
	if strings.Contains(host, ",") {
		return fmt.Errorf("host list not allowed")
	}

	name := host
	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6, optionally with a port.
		end := strings.Index(host, "]")
		if end < 0 {
			return fmt.Errorf("unterminated IPv6 bracket")
		}
		addr := host[1:end]
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("invalid IPv6 address %q", addr)
		}
		rest := host[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return fmt.Errorf("garbage after IPv6 bracket")
			}
			return validatePort(rest[1:])
		}
		return nil
	}

	if i := strings.IndexByte(host, ':'); i >= 0 {
		if strings.Contains(host[i+1:], ":") {
			// A second colon means an unbracketed IPv6 address.
			return fmt.Errorf("unbracketed IPv6 address")
		}
		if err := validatePort(host[i+1:]); err != nil {
			return err
		}
		name = host[:i]
	}

	if name == "localhost" {
		return nil
	}
	if ip := net.ParseIP(name); ip != nil {
		if ip.To4() == nil {
			return fmt.Errorf("unbracketed IPv6 address")
		}
		return nil
	}
	return validateDNSName(name)
}

func validatePort(port string) error {
	if port == "" {
		return fmt.Errorf("empty port")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("malformed port %q", port)
	}
	return nil
}

func validateDNSName(name string) error {
	if len(name) > 253 {
		return fmt.Errorf("host name too long")
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid host label")
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			ok := c >= 'a' && c <= 'z' ||
				c >= 'A' && c <= 'Z' ||
				c >= '0' && c <= '9' ||
				c == '-'
			if !ok {
				return fmt.Errorf("invalid character in host label")
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("host label starts or ends with hyphen")
		}
	}
	return nil
}

// ValidateQuery rejects queries that could smuggle path separators or
// traverse above the content root: missing leading slash, control
// characters, backslashes, percent-encoded separator variants, and
// any ".." segment left after percent-decoding.
func ValidateQuery(query string) error {
	if !strings.HasPrefix(query, "/") {
		return fmt.Errorf("query must start with /")
	}
	for i := 0; i < len(query); i++ {
		if query[i] < 0x20 || query[i] == 0x7f {
			return fmt.Errorf("control character in query")
		}
		if query[i] == '\\' {
			return fmt.Errorf("backslash in query")
		}
	}

	lower := strings.ToLower(query)
	for _, enc := range []string{"%2e", "%2f", "%5c"} {
		if strings.Contains(lower, enc) {
			return fmt.Errorf("encoded path separator %s in query", enc)
		}
	}

	decoded, err := url.PathUnescape(query)
	if err != nil {
		return fmt.Errorf("malformed percent encoding in query")
	}
	for _, segment := range strings.Split(decoded, "/") {
		if segment == ".." {
			return fmt.Errorf("path traversal in query")
		}
	}
	return nil
}
