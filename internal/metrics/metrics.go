package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medconnect_ws_connections",
		Help: "Current number of authenticated websocket connections",
	})
	AuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medconnect_auth_failures_total",
		Help: "Rejected connection attempts by reason",
	}, []string{"reason"})
	MessagesRoutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medconnect_messages_routed_total",
		Help: "Messages accepted by the router by resulting delivery state",
	}, []string{"state"})
	RouteFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medconnect_route_failures_total",
		Help: "Send requests rejected by the router",
	}, []string{"reason"})
	DeliveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medconnect_delivery_failures_total",
		Help: "Per-connection delivery attempts that failed or timed out",
	})
	RecordsInsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medconnect_records_inserted_total",
		Help: "Medical records written to the record store",
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
		WsConnections,
		AuthFailuresTotal,
		MessagesRoutedTotal,
		RouteFailuresTotal,
		DeliveryFailuresTotal,
		RecordsInsertedTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
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
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
