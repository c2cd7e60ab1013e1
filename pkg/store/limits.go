package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CheckRateLimit atomically increments the window counter for the
// (host, method, query, ip) tuple and returns the post-increment
// count. The TTL is set only on the first increment of a window, so a
// busy window never has its expiry pushed out. A backend failure
// returns the error; the pipeline treats that as fail-open.
func (s *Store) CheckRateLimit(ctx context.Context, host, method, query, ip string, period time.Duration) (int64, error) {
	key := s.keyLimit(host, method, query, ip)

	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %v", err)
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, period).Err(); err != nil {
			return count, fmt.Errorf("failed to set rate limit window: %v", err)
		}
	}
	return count, nil
}

// CountRequest increments the three per-host metrics counters. Counters
// only ever grow; nothing in the serving path resets them.
func (s *Store) CountRequest(ctx context.Context, host string, status int, method, query string) error {
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.keyMetrics(host, "total"), strconv.Itoa(status), 1)
	pipe.HIncrBy(ctx, s.keyMetrics(host, "by_method"), method, 1)
	pipe.HIncrBy(ctx, s.keyMetrics(host, "by_request"), query, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update metrics for %s: %v", host, err)
	}
	return nil
}

// HostMetrics is one host's counter hash of the given kind.
type HostMetrics struct {
	Host   string
	Counts map[string]int64
}

// ScanMetrics walks the metrics keys of one kind ("total" or
// "by_method") with SCAN, reading at most scanLimit keys. The metrics
// listener renders the result as Prometheus exposition.
func (s *Store) ScanMetrics(ctx context.Context, kind string, scanCount int64, scanLimit int) ([]HostMetrics, error) {
	match := s.ns + ":METRICS:*:" + kind
	prefix := s.ns + ":METRICS:"
	suffix := ":" + kind

	var out []HostMetrics
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics keys: %v", err)
		}
		for _, key := range keys {
			if scanLimit > 0 && len(out) >= scanLimit {
				return out, nil
			}
			fields, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read metrics key %s: %v", key, err)
			}
			host := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
			hm := HostMetrics{Host: host, Counts: make(map[string]int64, len(fields))}
			for field, val := range fields {
				n, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					continue
				}
				hm.Counts[field] = n
			}
			out = append(out, hm)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
