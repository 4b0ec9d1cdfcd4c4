// Package metrics provides Prometheus instrumentation for the TradeShield platform.
package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeshield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradeshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RefundsTotal counts refund engine outcomes.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeshield",
			Name:      "refunds_total",
			Help:      "Total refund attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// RefundAmountUSD observes successful refund sizes in USD.
	RefundAmountUSD = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tradeshield",
			Name:      "refund_amount_usd",
			Help:      "Successful refund amounts in USD.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	// OrphansDetected counts cashouts flagged as orphaned per sweep.
	OrphansDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradeshield",
			Name:      "orphans_detected_total",
			Help:      "Total cashouts detected as orphaned.",
		},
	)

	// OrphansCleaned counts orphaned cashouts successfully reconciled.
	OrphansCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradeshield",
			Name:      "orphans_cleaned_total",
			Help:      "Total orphaned cashouts reconciled with a compensating credit.",
		},
	)

	// RateEstimateFallbacks counts refunds sized with an estimated exchange rate.
	RateEstimateFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeshield",
			Name:      "rates_estimate_fallback_total",
			Help:      "Total rate lookups served from the conservative estimate table.",
		},
		[]string{"currency"},
	)

	// AdminNotifications counts fire-and-forget operator escalations.
	AdminNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeshield",
			Name:      "admin_notifications_total",
			Help:      "Total admin notifications by kind.",
		},
		[]string{"kind"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeshield", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeshield", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RefundsTotal,
		RefundAmountUSD,
		OrphansDetected,
		OrphansCleaned,
		RateEstimateFallbacks,
		AdminNotifications,
		DBOpenConnections,
		DBIdleConnections,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments HTTP requests.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusLabel(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// CollectDBStats samples sql.DB pool stats on an interval until ctx is done.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}
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
		}
	}
}

func statusLabel(code int) string {
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
