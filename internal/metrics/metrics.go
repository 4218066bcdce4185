// Package metrics provides Prometheus instrumentation for the Aegis402 clearinghouse.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis402",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MerchantsSubscribedTotal counts successful merchant subscriptions.
	MerchantsSubscribedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis402",
		Name:      "merchants_subscribed_total",
		Help:      "Total merchants subscribed.",
	})

	// ActiveMerchants tracks the current registry size.
	ActiveMerchants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis402",
		Name:      "active_merchants",
		Help:      "Number of active merchants in the registry.",
	})

	// PaymentsDetectedTotal counts attributed transfers by outcome.
	// Outcomes: recorded, duplicate, over_limit, unknown_merchant.
	PaymentsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "payments_detected_total",
			Help:      "Total attributed ledger transfers by outcome.",
		},
		[]string{"outcome"},
	)

	// PaymentsResolvedTotal counts payments leaving pending by terminal status.
	// Statuses: settled, slashed, expired.
	PaymentsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "payments_resolved_total",
			Help:      "Total payments resolved by terminal status.",
		},
		[]string{"status"},
	)

	// PendingPayments tracks payments currently awaiting settlement.
	PendingPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis402",
		Name:      "pending_payments",
		Help:      "Number of payments currently pending.",
	})

	// WatcherLastBlock tracks the highest block the chain watcher has processed.
	WatcherLastBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis402",
		Name:      "watcher_last_block",
		Help:      "Highest ledger block processed by the chain watcher.",
	})

	// WatcherPollErrorsTotal counts failed watcher poll cycles.
	WatcherPollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis402",
		Name:      "watcher_poll_errors_total",
		Help:      "Total failed chain watcher poll cycles (retried next tick).",
	})

	// LedgerWritesTotal counts credit-manager contract writes by op and result.
	LedgerWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "ledger_writes_total",
			Help:      "Total credit manager contract writes by operation and result.",
		},
		[]string{"op", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis402",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MerchantsSubscribedTotal,
		ActiveMerchants,
		PaymentsDetectedTotal,
		PaymentsResolvedTotal,
		PendingPayments,
		WatcherLastBlock,
		WatcherPollErrorsTotal,
		LedgerWritesTotal,
		ActiveWebSocketClients,
	)
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
