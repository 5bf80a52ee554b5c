// Package metrics provides Prometheus instrumentation for the escrow broker.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
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
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransitionsTotal counts committed status transitions by target status.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "transitions_total",
			Help:      "Total committed transaction status transitions by target status.",
		},
		[]string{"status"},
	)

	// TransitionRejectionsTotal counts rejected transitions by reason.
	TransitionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "transition_rejections_total",
			Help:      "Total rejected transition attempts by reason.",
		},
		[]string{"reason"},
	)

	// CallbacksTotal counts escrow protocol callbacks by action and result.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "callbacks_total",
			Help:      "Total escrow callback attempts by action and result.",
		},
		[]string{"action", "result"},
	)

	// ReconcileRunsTotal counts reconciliation outcomes per intent.
	ReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "reconcile_intents_total",
			Help:      "Total reconciled intents by outcome (replayed, flagged, expired).",
		},
		[]string{"outcome"},
	)

	// DisputesOpenedTotal counts disputes opened.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	// DisputesResolvedTotal counts dispute resolutions by winner.
	DisputesResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by winning side.",
	}, []string{"winner"})

	// NotifyEmitsTotal counts transition events published to the hub.
	NotifyEmitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "notify_emits_total",
		Help:      "Total transition events published by result.",
	}, []string{"result"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// TransitionDuration observes end-to-end transition latency.
	TransitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Name:      "transition_duration_seconds",
		Help:      "Duration of a full read-validate-write transition.",
		Buckets:   prometheus.DefBuckets,
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
		TransitionRejectionsTotal,
		CallbacksTotal,
		ReconcileRunsTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		NotifyEmitsTotal,
		ActiveWebSocketClients,
		TransitionDuration,
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

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups status codes into classes to limit label cardinality.
func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
