package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	chatRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainchat_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	chatRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainchat_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	chatRecordsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainchat_records_appended_total",
		Help: "Total records sealed and linked into the chain.",
	})

	chatSealDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainchat_seal_duration_seconds",
		Help:    "Wall time spent searching for a nonce.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	chatSealAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainchat_seal_attempts",
		Help:    "Nonces tried per sealed record.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	})

	chatSealAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainchat_seal_aborts_total",
		Help: "Total appends abandoned because sealing was cancelled or exhausted its budget.",
	})

	chatChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainchat_chain_length",
		Help: "Number of records in the chain, genesis included.",
	})

	chatChainValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainchat_chain_valid",
		Help: "1 if the last integrity check passed, 0 otherwise.",
	})

	chatPeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainchat_peers_connected",
		Help: "Number of peers currently registered.",
	})

	chatEventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainchat_events_dropped_total",
		Help: "Notifications dropped because a subscriber queue was full, by event type.",
	}, []string{"type"})

	chatRelayDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainchat_relay_deliveries_total",
		Help: "Total relay deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		chatRequestsTotal.WithLabelValues(method, path, status).Inc()
		chatRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a sealed record and the work it took.
func RecordAppend(index int, attempts uint64, took time.Duration) {
	chatRecordsAppendedTotal.Inc()
	chatSealAttempts.Observe(float64(attempts))
	chatSealDuration.Observe(took.Seconds())
	chatChainLength.Set(float64(index + 1))
}

// RecordSealAbort records an append that gave up before sealing.
func RecordSealAbort() {
	chatSealAbortsTotal.Inc()
}

// SetChainLength sets the chain length gauge.
func SetChainLength(n int) {
	chatChainLength.Set(float64(n))
}

// SetChainValid sets the chain validity gauge.
func SetChainValid(valid bool) {
	if valid {
		chatChainValid.Set(1)
	} else {
		chatChainValid.Set(0)
	}
}

// SetPeerCount sets the connected peers gauge.
func SetPeerCount(n int) {
	chatPeersConnected.Set(float64(n))
}

// RecordDroppedEvent records a notification dropped for a slow subscriber.
func RecordDroppedEvent(eventType string) {
	chatEventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// RecordRelayDelivery records a relay delivery attempt.
func RecordRelayDelivery(success bool) {
	if success {
		chatRelayDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		chatRelayDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
