package metrics

import (
	"context"
	"time"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/store"
)

// Collector mirrors the store's request counter hashes into the
// registered Prometheus gauges. It runs once per scrape; the counters
// in the store are the source of truth and survive worker restarts.
type Collector struct {
	store *store.Store
	cfg   config.MetricsConfig
}

// NewCollector creates a collector over the shared store.
func NewCollector(s *store.Store, cfg config.MetricsConfig) *Collector {
	return &Collector{store: s, cfg: cfg}
}

// Collect reads both counter kinds and updates the gauges.
func (c *Collector) Collect(ctx context.Context) error {
	started := time.Now()
	defer func() {
		ScrapeDuration.Observe(time.Since(started).Seconds())
	}()

	if err := c.collectTotals(ctx); err != nil {
		ScrapeErrors.Inc()
		return err
	}
	if err := c.collectByMethod(ctx); err != nil {
		ScrapeErrors.Inc()
		return err
	}
	return nil
}

func (c *Collector) collectTotals(ctx context.Context) error {
	hosts, err := c.store.ScanMetrics(ctx, "total", c.cfg.ScanCount, c.cfg.ScanLimit)
	if err != nil {
		return err
	}
	for _, hm := range hosts {
		for code, count := range hm.Counts {
			RequestsTotal.WithLabelValues(hm.Host, code).Set(float64(count))
		}
	}
	return nil
}

func (c *Collector) collectByMethod(ctx context.Context) error {
	hosts, err := c.store.ScanMetrics(ctx, "by_method", c.cfg.ScanCount, c.cfg.ScanLimit)
	if err != nil {
		return err
	}
	for _, hm := range hosts {
		for method, count := range hm.Counts {
			RequestsByMethod.WithLabelValues(hm.Host, method).Set(float64(count))
		}
	}
	return nil
}
