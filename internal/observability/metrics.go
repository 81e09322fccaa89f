package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_api_requests_total",
			Help: "Total number of HTTP requests issued against the messaging API.",
		},
		[]string{"endpoint", "status"},
	)
	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "Messaging API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Total number of message sends by target kind and result.",
		},
		[]string{"kind", "result"},
	)
	dedupDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_dedup_drops_total",
			Help: "Duplicate deliveries swallowed by the stores.",
		},
		[]string{"by"},
	)
	wsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_connected",
			Help: "Whether the persistent event connection is currently live.",
		},
	)
	wsReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_ws_reconnects_total",
			Help: "Total number of persistent connection reconnect attempts.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_ws_events_total",
			Help: "Total number of events received on the persistent connection.",
		},
		[]string{"event"},
	)
	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_poll_ticks_total",
			Help: "Total number of poll-fallback fetches.",
		},
		[]string{"kind"},
	)
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_uploads_total",
			Help: "Total number of media uploads by strategy and result.",
		},
		[]string{"strategy", "result"},
	)
	unreadTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_unread_total",
			Help: "Sum of all unread counters (the badge value).",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		apiRequestsTotal,
		apiRequestDuration,
		sendsTotal,
		dedupDropsTotal,
		wsConnected,
		wsReconnectsTotal,
		wsEventsTotal,
		pollTicksTotal,
		uploadsTotal,
		unreadTotal,
		amqpPublishErrorsTotal,
	)
}

// HTTPMetricsMiddleware instruments inbound requests. Used by the stub server.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		apiRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		apiRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func ObserveAPIRequest(endpoint string, status int, elapsed time.Duration) {
	apiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func IncSend(kind, result string) {
	sendsTotal.WithLabelValues(kind, result).Inc()
}

// IncDedupDrop counts a duplicate delivery swallowed by a store; by is either
// "client_key" or "id".
func IncDedupDrop(by string) {
	dedupDropsTotal.WithLabelValues(by).Inc()
}

func SetWSConnected(live bool) {
	if live {
		wsConnected.Set(1)
		return
	}
	wsConnected.Set(0)
}

func IncWSReconnect() {
	wsReconnectsTotal.Inc()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncPollTick(kind string) {
	pollTicksTotal.WithLabelValues(kind).Inc()
}

func IncUpload(strategy, result string) {
	uploadsTotal.WithLabelValues(strategy, result).Inc()
}

func SetUnreadTotal(total int) {
	unreadTotal.Set(float64(total))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
