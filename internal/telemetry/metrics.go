// Package telemetry provides logging setup and Prometheus metrics for the backup service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served by the
// side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<BKP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Restore outcomes, durations and applied row counts
//   - Snapshot validation failures by stage
//   - Audit write failures and reaped restores
//   - Snapshot export and archive counters
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/backup/restores/:id),
// not the raw URL, so queue ids do not create unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Restore metrics, recorded by the restore service once a queue entry is finalized.
//
// RestoresTotal is a CounterVec with labels {mode, outcome}. mode is "dry_run" or "apply";
// outcome is the terminal queue status (DRY_RUN_SUCCESS, COMPLETED, FAILED).
//
// Example PromQL queries:
//   - Failed real restores per hour:  increase(backup_restores_total{mode="apply",outcome="FAILED"}[1h])
//   - Dry-run share:                  sum(rate(backup_restores_total{mode="dry_run"}[1d])) / sum(rate(backup_restores_total[1d]))
//
// RestoreDuration observes wall time from engine start to finalize, labelled by mode.
// Restores of large companies take tens of seconds, hence the wide buckets.
//
// RestoreRowsAppliedTotal counts rows written by real runs, labelled by {table, op}
// where op is "insert" or "update".
var (
	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_restores_total",
			Help: "Total number of finalized restore attempts, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	RestoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backup_restore_duration_seconds",
			Help:    "Duration of restore attempts from engine start to finalize, by mode.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	RestoreRowsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_restore_rows_applied_total",
			Help: "Total number of rows written by real restores, by table and operation.",
		},
		[]string{"table", "op"},
	)
)

// SnapshotValidationFailuresTotal counts rejected snapshots by the first failing validation
// stage (format, company, shape, rows, totals, integrity, signature).
//
// Example PromQL queries:
//   - Checksum failures: increase(backup_snapshot_validation_failures_total{stage="integrity"}[1d])
var SnapshotValidationFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backup_snapshot_validation_failures_total",
		Help: "Total number of snapshots rejected by validation, by failing stage.",
	},
	[]string{"stage"},
)

// AuditWriteFailuresTotal counts terminal restore outcomes whose audit entry could not be
// written. Any increase is a defect worth alerting on: the affected queue entries stay
// PENDING until the stale restore reaper fails them.
var AuditWriteFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "backup_audit_write_failures_total",
		Help: "Total number of restore audit entries that could not be written.",
	},
)

// RestoresReapedTotal counts PENDING queue entries failed by the stale restore reaper.
var RestoresReapedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "backup_restores_reaped_total",
		Help: "Total number of stale pending restores marked FAILED by the reaper.",
	},
)

// Snapshot export metrics.
//
// SnapshotExportsTotal is labelled by {destination}: "response" when the snapshot is
// returned inline, or the storage backend name when archived.
//
// ArchiveBytes observes the stored (compressed, encrypted) size of each archive.
var (
	SnapshotExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_snapshot_exports_total",
			Help: "Total number of snapshot exports, by destination.",
		},
		[]string{"destination"},
	)

	ArchiveBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backup_archive_bytes",
			Help:    "Size of stored snapshot archives in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		},
	)

	ArchivesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backup_archives_pruned_total",
			Help: "Total number of snapshot archives removed by the retention job.",
		},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds. The goroutine exits once the database becomes
// unreachable, which happens when the server shuts down and closes the pool.
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
