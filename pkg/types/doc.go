/*
Package types defines the core data structures shared across the
serving layer.

This package contains the domain model the store persists and the
pipeline consumes: route tables, entry metadata, user records, proxy
targets, and WAF rule sets. Every other package depends on it; it
depends on nothing but the standard library.

# Core Types

Routing:
  - RouteEntry: one element of a host's ordered route table
  - EntryMeta: per-route behavior (methods, file resolution, auth,
    rate limits, error body overrides)
  - GsubRule: literal query remapping during file resolution

Content:
  - Content: a resolved body with its digest, size, MIME type, and
    optional title

Access control:
  - User: salted keyed-hash credential record
  - AuthMeta: login, logout, or allow-list mode selection
  - RateLimit: per-method window definition

Delegation and filtering:
  - ProxyMeta: upstream target short-circuiting local routing
  - WAFRuleSet, WAFMatch: pattern rules and the match report

All persisted types carry JSON tags matching the hash fields the
provisioning tool writes, so a record read back from the store decodes
into the same value that was written.
*/
package types
