package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deviant-guru/reliw/pkg/types"
)

// Routes returns a host's ordered route table. ErrNotFound means the
// host has no table at all.
func (s *Store) Routes(ctx context.Context, host string) ([]types.RouteEntry, error) {
	raw, err := s.rdb.LRange(ctx, s.keyRoutes(host), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read route table for %s: %v", host, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	entries := make([]types.RouteEntry, 0, len(raw))
	for _, item := range raw {
		var e types.RouteEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode route entry for %s: %v", host, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SetRoutes replaces a host's route table. Provisioning only; the
// serving path never writes routes.
func (s *Store) SetRoutes(ctx context.Context, host string, entries []types.RouteEntry) error {
	key := s.keyRoutes(host)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode route entry: %v", err)
		}
		pipe.RPush(ctx, key, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write route table for %s: %v", host, err)
	}
	return nil
}

// EntryMeta loads and validates one route entry's metadata.
func (s *Store) EntryMeta(ctx context.Context, host, id string) (*types.EntryMeta, error) {
	data, err := s.rdb.Get(ctx, s.keyEntry(host, id)).Result()
	if err != nil {
		if nerr := notFound(err); nerr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read entry metadata %s/%s: %v", host, id, err)
	}

	var meta types.EntryMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode entry metadata %s/%s: %v", host, id, err)
	}
	if len(meta.Methods) == 0 {
		return nil, fmt.Errorf("entry metadata %s/%s has no methods", host, id)
	}
	return &meta, nil
}

// SetEntryMeta writes one route entry's metadata. Provisioning only.
func (s *Store) SetEntryMeta(ctx context.Context, host, id string, meta *types.EntryMeta) error {
	if len(meta.Methods) == 0 {
		return fmt.Errorf("entry metadata %s/%s must declare methods", host, id)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode entry metadata: %v", err)
	}
	if err := s.rdb.Set(ctx, s.keyEntry(host, id), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write entry metadata %s/%s: %v", host, id, err)
	}
	return nil
}

// ProxyMeta returns the upstream description for a host, or ErrNotFound
// when the host is served locally.
func (s *Store) ProxyMeta(ctx context.Context, host string) (*types.ProxyMeta, error) {
	data, err := s.rdb.Get(ctx, s.keyProxy(host)).Result()
	if err != nil {
		if nerr := notFound(err); nerr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read proxy metadata for %s: %v", host, err)
	}

	var meta types.ProxyMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode proxy metadata for %s: %v", host, err)
	}
	if meta.Scheme == "" {
		meta.Scheme = "http"
	}
	return &meta, nil
}

// SetProxyMeta writes a host's upstream description. Provisioning only.
func (s *Store) SetProxyMeta(ctx context.Context, host string, meta *types.ProxyMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode proxy metadata: %v", err)
	}
	if err := s.rdb.Set(ctx, s.keyProxy(host), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write proxy metadata for %s: %v", host, err)
	}
	return nil
}

// WAFGlobalScope is the hash field holding the rule set applied to
// every host. No valid hostname collides with it.
const WAFGlobalScope = "__"

// WAFRules loads the global and the per-host rule sets in one round
// trip. Either (or both) may be nil.
func (s *Store) WAFRules(ctx context.Context, host string) (global, perHost *types.WAFRuleSet, err error) {
	vals, err := s.rdb.HMGet(ctx, s.keyWAF(), WAFGlobalScope, host).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read WAF rules: %v", err)
	}

	if len(vals) > 0 && vals[0] != nil {
		if str, ok := vals[0].(string); ok {
			global, err = types.DecodeRuleSet([]byte(str))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode global WAF rules: %v", err)
			}
		}
	}
	if len(vals) > 1 && vals[1] != nil {
		if str, ok := vals[1].(string); ok {
			perHost, err = types.DecodeRuleSet([]byte(str))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode WAF rules for %s: %v", host, err)
			}
		}
	}
	return global, perHost, nil
}

// SetWAFRules writes one rule scope: a hostname, or WAFGlobalScope for
// the rules applied to every host. Provisioning only.
func (s *Store) SetWAFRules(ctx context.Context, scope string, rules *types.WAFRuleSet) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to encode WAF rules: %v", err)
	}
	if err := s.rdb.HSet(ctx, s.keyWAF(), scope, data).Err(); err != nil {
		return fmt.Errorf("failed to write WAF rules for scope %s: %v", scope, err)
	}
	return nil
}
