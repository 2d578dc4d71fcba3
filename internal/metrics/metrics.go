// Package metrics provides Prometheus instrumentation for the FinSight risk pipeline.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "finsight",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgersProcessedTotal counts pipeline jobs by outcome.
	LedgersProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "ledgers_processed_total",
			Help:      "Total ledger pipeline jobs by outcome (completed, failed, cancelled).",
		},
		[]string{"outcome"},
	)

	// RowsIngestedTotal counts ingested ledger rows by result.
	RowsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "rows_ingested_total",
			Help:      "Total ledger rows processed by ingestion result (accepted, rejected).",
		},
		[]string{"result"},
	)

	// TransactionsScoredTotal counts scored transactions by mode.
	TransactionsScoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "transactions_scored_total",
			Help:      "Total transactions scored by mode (full, rule_only).",
		},
		[]string{"mode"},
	)

	// AlertsCreatedTotal counts alerts created by severity.
	AlertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "alerts_created_total",
			Help:      "Total alerts created by severity tier.",
		},
		[]string{"severity"},
	)

	// AlertsAssignedTotal counts alert assignments to reviewers.
	AlertsAssignedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finsight",
		Name:      "alerts_assigned_total",
		Help:      "Total alerts assigned to reviewers.",
	})

	// AlertBacklog tracks open alerts that could not be assigned.
	AlertBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsight",
		Name:      "alert_backlog",
		Help:      "Open alerts awaiting assignment (e.g. empty reviewer pool).",
	})

	// ProfileRetrainsTotal counts anomaly model retrains by trigger.
	ProfileRetrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "profile_retrains_total",
			Help:      "Total risk profile retrains by trigger (cold_start, batch, scheduled, manual).",
		},
		[]string{"trigger"},
	)

	// DegradedSubjectsTotal counts subjects that fell back to rule-only scoring.
	DegradedSubjectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finsight",
		Name:      "degraded_subjects_total",
		Help:      "Subjects scored in rule-only mode due to insufficient training data.",
	})

	// PipelineDuration observes end-to-end ledger processing time.
	PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "finsight",
		Name:      "pipeline_duration_seconds",
		Help:      "Ledger pipeline job duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "finsight",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsight", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsight", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsight", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsight", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgersProcessedTotal,
		RowsIngestedTotal,
		TransactionsScoredTotal,
		AlertsCreatedTotal,
		AlertsAssignedTotal,
		AlertBacklog,
		ProfileRetrainsTotal,
		DegradedSubjectsTotal,
		PipelineDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
