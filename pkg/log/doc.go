/*
Package log provides structured logging for the serving layer using
zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level for production
debugging.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then log through the helpers or a derived logger:

	log.Info("Worker started")
	log.Errorf("failed to connect to store: %v", err)

	logger := log.WithComponent("access")
	logger.Info().
		Str("vhost", "example.com").
		Int("status", 200).
		Msg("request")

# Derived Loggers

Component loggers attach a fixed field to every event:

  - WithComponent("acme") for the certificate manager
  - WithHost("example.com") for per-vhost context
  - WithProcess("a1b2c3d4") for per-worker context

The access log uses one event per request with the vhost, method,
query, status, process, size, time, and client_ip fields, plus any
headers the operator configured for capture.

# Output Formats

JSON format (production, one object per line):

	{"level":"info","component":"access","vhost":"example.com",
	 "status":200,"time":"2026-08-31T10:30:00Z","message":"request"}

Console format (development, human-readable):

	10:30AM INF request component=access vhost=example.com status=200

# Log Levels

  - debug: per-request details, cache decisions, challenge lookups
  - info: worker lifecycle, certificate state changes, provisioning
  - warn: WAF blocks, limiter failures (failing open), retried errors
  - error: store failures surfaced to clients, panics, bad metadata
*/
package log
