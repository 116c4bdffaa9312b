package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "ogsolar"

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Gateway metrics
	STKPushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_mpesa_stk_push_total",
			Help: "STK push attempts by outcome (accepted, declined, unavailable, retried)",
		},
		[]string{"outcome"},
	)

	GatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_mpesa_call_duration_seconds",
			Help:    "Duration of calls to the mobile money gateway",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_mpesa_callbacks_total",
			Help: "Gateway callbacks received by result",
		},
		[]string{"channel", "result"},
	)

	// Background job metrics
	SweptTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_sweeper_transactions_total",
			Help: "Pending transactions resolved by the sweeper",
		},
		[]string{"mode", "result"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_notifications_total",
			Help: "Payment notifications by channel and result",
		},
		[]string{"channel", "result"},
	)

	// Business metrics
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_status_transitions_total",
			Help: "Order and sale status transitions",
		},
		[]string{"entity", "to"},
	)
)

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveGateway times a gateway call.
func ObserveGateway(endpoint string, start time.Time) {
	GatewayCallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
