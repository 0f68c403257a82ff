// Package telemetry provides application-level observability for the tenant
// control plane.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<TC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router, so it is
// unreachable through the public API ingress path and is never rate limited.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Provisioning counters and duration histograms, by record kind and outcome
//   - Rollback counters and per-step failure counters
//   - Tenant resolution counters, by outcome
//   - Orphaned control-row gauge (maintained by the orphan reaper job)
//   - Database connection pool gauge for the main control connection (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/tenants/:id)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as tenant slugs. Provisioning metrics are
// labelled by record kind ("tenant" / "platform"), never by slug.
package telemetry

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
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

// Provisioning metrics, recorded by the provisioning engine.
//
// ProvisioningTotal counts completed provisioning runs by record kind
// ("tenant" / "platform") and outcome ("success" / "failure"). Provisioning
// includes the per-schema migrations, so durations of several seconds are
// normal; the histogram buckets run up to five minutes to capture slow
// migration sets.
//
// Example PromQL queries:
//   - Failure rate:         sum(rate(provisioning_total{outcome="failure"}[1h])) / sum(rate(provisioning_total[1h]))
//   - p95 provision time:   histogram_quantile(0.95, rate(provisioning_duration_seconds_bucket[1h]))
var (
	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_total",
			Help: "Total number of provisioning runs, by record kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provisioning_duration_seconds",
			Help:    "Duration of a full provisioning run including per-schema migrations, by record kind.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_rollbacks_total",
			Help: "Total number of compensating rollbacks triggered by provisioning failures, by record kind.",
		},
		[]string{"kind"},
	)

	// RollbackStepFailuresTotal counts rollback sub-steps that themselves
	// failed. These failures are swallowed so the original provisioning error
	// surfaces, which makes this counter the only durable signal that cleanup
	// left something behind. Alert on any increase.
	RollbackStepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_rollback_step_failures_total",
			Help: "Total number of rollback sub-steps that failed and were swallowed, by step name.",
		},
		[]string{"step"},
	)
)

// Resolution metrics, recorded by the tenant resolver middleware.
//
// Outcomes: "bound" (tenant connection established), "admin" (control path,
// main connection rebound only), "not_found" (unknown slug, request
// short-circuited with 404).
var TenantResolutionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tenant_resolutions_total",
		Help: "Total number of per-request tenant resolutions, by outcome.",
	},
	[]string{"outcome"},
)

// OrphanedRecords is a GaugeVec maintained by the orphan reaper background job.
// It holds the number of live control rows (tenants / platforms) whose target
// database does not exist: rows left behind when the process died between
// persisting the record and completing provisioning. A non-zero value needs
// operator attention; the reaper never deletes rows on its own.
var OrphanedRecords = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "orphaned_control_records",
		Help: "Number of control rows whose provisioned database is missing, by record kind and control schema.",
	},
	[]string{"kind", "schema"},
)

// DBOpenConnections is a Gauge tracking the number of open connections held by
// the main control database pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of
// sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open connections in the main database pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates the
// DBOpenConnections gauge. Sampling only reads the pool's in-process
// counters, so the collector keeps running through database outages and over
// a closed pool.
//
// Call this once, immediately after the main connection is established:
//
//	telemetry.StartDBStatsCollector(mainDB)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			sampleDBStats(db)
		}
	}()
}

func sampleDBStats(db *sql.DB) {
	DBOpenConnections.Set(float64(db.Stats().OpenConnections))
}
