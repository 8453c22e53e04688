// Package metrics provides Prometheus instrumentation for the decision engine.
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
			Namespace: "privgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "privgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts pipeline decisions by verdict and denial reason.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "privgate",
			Name:      "decisions_total",
			Help:      "Total access decisions by verdict and denial reason.",
		},
		[]string{"verdict", "reason"},
	)

	// PrivacyQueriesTotal counts analytics queries by type and outcome.
	PrivacyQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "privgate",
			Name:      "privacy_queries_total",
			Help:      "Total differentially-private queries by type and outcome.",
		},
		[]string{"type", "status"},
	)

	// PrivacyBudgetDenials counts queries rejected for exhausted budgets.
	PrivacyBudgetDenials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "privgate",
		Name:      "privacy_budget_denials_total",
		Help:      "Total queries denied because the entity's epsilon budget was exhausted.",
	})

	// PrivacyBudgetResets counts lazy budget window resets.
	PrivacyBudgetResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "privgate",
		Name:      "privacy_budget_resets_total",
		Help:      "Total budget windows reset at the UTC midnight boundary.",
	})

	// NoisePoolRefills counts noise pool regenerations.
	NoisePoolRefills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "privgate",
		Name:      "noise_pool_refills_total",
		Help:      "Total Laplace noise pool regenerations after exhaustion.",
	})

	// ConsentCacheHits counts consent result cache hits.
	ConsentCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "privgate",
		Name:      "consent_cache_hits_total",
		Help:      "Total consent checks answered from the result cache.",
	})

	// ConsentCacheMisses counts consent result cache misses.
	ConsentCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "privgate",
		Name:      "consent_cache_misses_total",
		Help:      "Total consent checks that fell through to the store.",
	})

	// ConsentUpdatesTotal counts consent record updates.
	ConsentUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "privgate",
		Name:      "consent_updates_total",
		Help:      "Total consent record updates.",
	})

	// ActiveWebSocketClients tracks connected decision feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "privgate",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "privgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "privgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "privgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "privgate", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "privgate", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "privgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		PrivacyQueriesTotal,
		PrivacyBudgetDenials,
		PrivacyBudgetResets,
		NoisePoolRefills,
		ConsentCacheHits,
		ConsentCacheMisses,
		ConsentUpdatesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
