package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket sessions",
	})
	ActiveChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_channels",
		Help: "Number of channels with a live hub",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages accepted",
	})
	RejectedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rejected_messages_total",
		Help: "Chat messages rejected before broadcast",
	}, []string{"reason"})
	TypingEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_typing_events_total",
		Help: "Typing state changes broadcast to channels",
	})
	DroppedSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_sessions_total",
		Help: "Sessions dropped because their send buffer was full",
	})
	NotificationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_dispatched_total",
		Help: "Notifications persisted by the dispatcher",
	}, []string{"priority"})
	NotificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_duplicates_suppressed_total",
		Help: "Candidate events collapsed by the dedup window",
	})
	NotificationPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_pushes_total",
		Help: "Notifications pushed to live sessions",
	})
	FeedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_events_total",
		Help: "Change records received per table",
	}, []string{"table"})
	FeedResubscribes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_resubscribes_total",
		Help: "Change feed subscriptions re-established after loss",
	}, []string{"table"})
	FeedQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "changefeed_queue_depth",
		Help: "Change records waiting for classification",
	})
	ClientReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_reconnects_total",
		Help: "Reconnect attempts scheduled by the reconnecting client",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, ActiveChannels, WsMessagesTotal, RejectedMessagesTotal, TypingEventsTotal, DroppedSessionsTotal,
		NotificationsDispatched, NotificationsSuppressed, NotificationPushes,
		FeedEventsTotal, FeedResubscribes, FeedQueueDepth, ClientReconnects,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
