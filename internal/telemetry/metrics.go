package telemetry

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/docuvault/docuvault/internal/safego"
)

var (
	// HTTPRequestsTotal counts HTTP requests.
	// PromQL: sum(rate(docuvault_http_requests_total[5m])) by (path, status)
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuvault_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request latency.
	// PromQL: histogram_quantile(0.95, rate(docuvault_http_request_duration_seconds_bucket[5m]))
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docuvault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// AuditEventsTotal counts audit events accepted by the service, by action
	// and outcome of the business operation (not of the append itself).
	// PromQL: sum(rate(docuvault_audit_events_total[5m])) by (action_type)
	AuditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuvault_audit_events_total",
		Help: "Total number of audit events recorded",
	}, []string{"action_type", "status"})

	// AuditAppendDuration tracks end-to-end append latency including retries.
	// PromQL: histogram_quantile(0.99, rate(docuvault_audit_append_duration_seconds_bucket[5m]))
	AuditAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docuvault_audit_append_duration_seconds",
		Help:    "Audit append duration in seconds, including retries",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// AuditAppendRetries counts individual retry attempts after transient
	// store failures.
	AuditAppendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docuvault_audit_append_retries_total",
		Help: "Total number of audit append retry attempts",
	})

	// AuditFallbackTotal counts events diverted to the fallback channel after
	// retries were exhausted. Any nonzero rate means the primary store is
	// losing writes.
	// PromQL: rate(docuvault_audit_fallback_total[5m]) > 0
	AuditFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docuvault_audit_fallback_total",
		Help: "Total number of audit events shipped to the fallback channel",
	})

	// AuditWormViolationsTotal counts rejected mutations of existing rows.
	// This should stay at zero; any increase is either a bug or tampering.
	AuditWormViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docuvault_audit_worm_violations_total",
		Help: "Total number of mutations rejected by the append-only store",
	})

	// AuditChainVerifyFailures counts integrity verifications that found a
	// hash mismatch.
	AuditChainVerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docuvault_audit_chain_verify_failures_total",
		Help: "Total number of integrity verifications that failed",
	})

	// DBOpenConnections gauges the connection pool.
	DBOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docuvault_db_open_connections",
		Help: "Number of open database connections",
	})

	// DBInUseConnections gauges connections currently executing.
	DBInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docuvault_db_in_use_connections",
		Help: "Number of database connections currently in use",
	})
)

// StartDBStatsCollector samples connection pool stats until stop is closed.
func StartDBStatsCollector(db *sql.DB, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
		}
	})
}
