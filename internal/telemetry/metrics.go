// Package telemetry provides application-level observability for changetrail.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<CTR_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit entry counters: recorded, suppressed, shipped
//   - Retention purge counter and chain verification counter
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/entries/:id)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as object primary keys.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/changetrail/changetrail/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.AuditEntriesRecordedTotal.WithLabelValues(resource, action).Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/objects/:resource/:pk/history),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
//
// Example PromQL queries:
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//   - Average latency:                   rate(http_request_duration_seconds_sum[5m]) / rate(http_request_duration_seconds_count[5m])
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit entry metrics — recorded on the ingest path.
//
// AuditEntriesRecordedTotal is a CounterVec with labels {resource, action}
// incremented once per log entry persisted to the trail.  "action" is the
// entry kind ("create", "update", "delete").
//
// Example PromQL queries:
//   - Write rate by resource:  sum by (resource) (rate(audit_entries_recorded_total[1h]))
//   - Busiest resources:       topk(5, sum by (resource) (audit_entries_recorded_total))
//
// AuditEntriesSuppressedTotal is a CounterVec with label {reason} incremented
// whenever an incoming event is accepted but produces no entry.  Reasons:
// "disabled" (registry or event flag off), "empty_diff" (update with no field
// changes), "unsaved" (update or delete without a primary key).
//
// Example PromQL queries:
//   - Suppression rate by reason:  sum by (reason) (rate(audit_entries_suppressed_total[1h]))
//
// AuditEntriesShippedTotal counts entries successfully forwarded to external
// destinations by the shipping store.  A widening gap between recorded and
// shipped totals indicates a destination outage.
var (
	AuditEntriesRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_recorded_total",
			Help: "Total number of audit log entries persisted, by resource and action.",
		},
		[]string{"resource", "action"},
	)

	AuditEntriesSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_suppressed_total",
			Help: "Total number of audit events accepted but not recorded, by reason.",
		},
		[]string{"reason"},
	)

	AuditEntriesShippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_shipped_total",
			Help: "Total number of audit log entries successfully shipped to external destinations.",
		},
	)
)

// Maintenance metrics — recorded by background jobs and the verify endpoint.
//
// RetentionPurgedTotal counts rows removed by the retention job.  Each purge
// cycle adds the number of deleted entries, so increase() over a window gives
// the amount of history dropped in that window.
//
// Example PromQL queries:
//   - Rows purged per day:  increase(audit_retention_purged_total[24h])
//
// ChainVerificationsTotal is a CounterVec with label {result} ("intact" or
// "broken") incremented once per verification walk.  Any increase of the
// "broken" series is an incident; alert on it directly.
//
// Example PromQL queries:
//   - Alert expression:  increase(audit_chain_verifications_total{result="broken"}[1h]) > 0
var (
	RetentionPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_retention_purged_total",
			Help: "Total number of audit log entries deleted by the retention job.",
		},
	)

	ChainVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_verifications_total",
			Help: "Total number of hash chain verification walks, by result.",
		},
		[]string{"result"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <CTR_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
