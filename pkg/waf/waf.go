// Package waf matches request queries and headers against the
// operator-authored rule sets. Rules use the restricted dialect from
// pkg/pattern; there is deliberately no regex engine here.
package waf

import (
	"fmt"
	"net/http"

	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/pattern"
	"github.com/deviant-guru/reliw/pkg/types"
)

// ScopeGlobal names the rule scope applied to every host.
const ScopeGlobal = "global"

// Evaluate tests a request against the global and per-host rule sets.
// Order is fixed: global query rules, global header rules, per-host
// query rules, per-host header rules. The first match at any stage
// short-circuits. Nil means no rule matched; nil rule sets on both
// scopes disable the WAF for this request entirely.
func Evaluate(global, perHost *types.WAFRuleSet, host, query string, headers http.Header) *types.WAFMatch {
	if global != nil {
		if m := evaluateSet(global, ScopeGlobal, query, headers); m != nil {
			return m
		}
	}
	if perHost != nil {
		if m := evaluateSet(perHost, host, query, headers); m != nil {
			return m
		}
	}
	return nil
}

// evaluateSet runs one scope: query rules first, then header rules.
func evaluateSet(rules *types.WAFRuleSet, scope, query string, headers http.Header) *types.WAFMatch {
	for _, rule := range rules.Query {
		if matchRule(rule, query) {
			return &types.WAFMatch{Scope: scope, Kind: "query", Rule: rule}
		}
	}
	for name, patterns := range rules.Headers {
		value := headers.Get(name)
		if value == "" {
			continue
		}
		for _, rule := range patterns {
			if matchRule(rule, value) {
				return &types.WAFMatch{Scope: scope, Kind: "header", Header: name, Rule: rule}
			}
		}
	}
	return nil
}

// matchRule compiles and applies one rule. A malformed rule never
// matches and is logged so the operator can fix it.
func matchRule(rule, subject string) bool {
	p, err := pattern.Compile(rule)
	if err != nil {
		log.Warn(fmt.Sprintf("Skipping malformed WAF rule %q: %v", rule, err))
		return false
	}
	return p.Matches(subject)
}
