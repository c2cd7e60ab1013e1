package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry is the listener's own registry; the exposition carries only
// the serving layer's series, never the process-global collectors.
var registry = prometheus.NewRegistry()

var (
	// Request metrics, mirrored from the store's counter hashes.
	RequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_total",
			Help: "Total number of requests by host and status code",
		},
		[]string{"host", "code"},
	)

	RequestsByMethod = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_by_method",
			Help: "Total number of requests by host and method",
		},
		[]string{"host", "method"},
	)

	// Scrape metrics
	ScrapeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reliw_metrics_scrape_errors_total",
			Help: "Total number of failed store reads during scrapes",
		},
	)

	ScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reliw_metrics_scrape_duration_seconds",
			Help:    "Time taken to read the counter hashes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Certificate metrics
	CertExpiryDays = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reliw_cert_expiry_days",
			Help: "Days until the certificate for a domain expires",
		},
		[]string{"domain"},
	)

	CertRenewals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reliw_cert_renewals_total",
			Help: "Total number of certificates issued or renewed",
		},
	)
)

func init() {
	// Register all metrics
	registry.MustRegister(RequestsTotal)
	registry.MustRegister(RequestsByMethod)
	registry.MustRegister(ScrapeErrors)
	registry.MustRegister(ScrapeDuration)
	registry.MustRegister(CertExpiryDays)
	registry.MustRegister(CertRenewals)
}

// Handler returns the Prometheus HTTP handler over the dedicated
// registry
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
