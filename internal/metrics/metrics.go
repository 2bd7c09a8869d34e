// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinsub",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinsub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts order state transitions by target status.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinsub",
			Name:      "order_transitions_total",
			Help:      "Total order state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// DepositsObservedTotal counts on-chain deposits seen by the watchers.
	DepositsObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinsub",
			Name:      "deposits_observed_total",
			Help:      "Total deposit transactions observed, by currency.",
		},
		[]string{"currency"},
	)

	// ConfirmationAnomaliesTotal counts dropped confirmation regressions.
	ConfirmationAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinsub",
			Name:      "confirmation_anomalies_total",
			Help:      "Confirmation count regressions dropped as anomalies, by currency.",
		},
		[]string{"currency"},
	)

	// EscrowTransitionsTotal counts escrow ledger transitions.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinsub",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow ledger transitions by type (hold, release, refund).",
		},
		[]string{"transition"},
	)

	// DisputesTotal counts dispute lifecycle events.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinsub",
			Name:      "disputes_total",
			Help:      "Total dispute events by action (opened, resolved, rejected).",
		},
		[]string{"action"},
	)

	// SweepDuration observes expiry/release sweep durations.
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinsub",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of scheduler sweeps in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	// WatcherHeight tracks the last processed chain height per currency.
	WatcherHeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coinsub",
			Name:      "watcher_checkpoint_height",
			Help:      "Last successfully processed block height per currency.",
		},
		[]string{"currency"},
	)

	// WatcherErrorsTotal counts failed watcher ticks per currency.
	WatcherErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinsub",
			Name:      "watcher_errors_total",
			Help:      "Total failed watcher poll cycles per currency.",
		},
		[]string{"currency"},
	)

	// ActiveWebSocketClients tracks connected event-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coinsub",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinsub", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinsub", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinsub", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		DepositsObservedTotal,
		ConfirmationAnomaliesTotal,
		EscrowTransitionsTotal,
		DisputesTotal,
		SweepDuration,
		WatcherHeight,
		WatcherErrorsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
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

// statusBucket groups status codes into classes to keep label cardinality low.
func statusBucket(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
