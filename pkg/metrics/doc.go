/*
Package metrics provides Prometheus exposition for the serving layer.

The authoritative request counters live in the store as per-host hashes,
written by the workers on every request. This package does not count
anything itself: on each scrape the collector reads the hashes and
mirrors them into registered gauges, so restarting a worker never resets
a counter and several worker processes share one set of numbers.

	┌──────────── METRICS LISTENER ────────────┐
	│                                           │
	│  GET /metrics                             │
	│    ├─ Ping store (503 when down)          │
	│    ├─ SCAN counter hashes                 │
	│    ├─ Set gauges                          │
	│    └─ Prometheus exposition               │
	│                                           │
	│  anything else: 404                       │
	└───────────────────────────────────────────┘

The exposition comes from the package's own registry, so a scrape never
carries the Go runtime or process collectors.

# Metrics

Request metrics (mirrored from the store):
  - http_requests_total{host, code}
  - http_requests_by_method{host, method}

Scrape metrics:
  - reliw_metrics_scrape_errors_total
  - reliw_metrics_scrape_duration_seconds

Certificate metrics (set by the certificate manager):
  - reliw_cert_expiry_days{domain}
  - reliw_cert_renewals_total

# Monitoring

Prometheus Queries (PromQL):

Traffic:
  - Request rate per host: rate(http_requests_total[1m])
  - Error rate: rate(http_requests_total{code=~"5.."}[1m])
  - Blocked redirects: http_requests_total{code="301"}

Certificates:
  - Expiring soon: reliw_cert_expiry_days < 14
  - Renewal rate: rate(reliw_cert_renewals_total[1d])

The listener binds its own address, separate from the serving workers,
so scrapes never compete with client traffic for the backlog.
*/
package metrics
