package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

// Metrics 服务导出的全部指标
type Metrics struct {
	OutboxPublished       prometheus.Counter
	OutboxPublishFailures prometheus.Counter
	OutboxPending         prometheus.Gauge

	ConsumerMessages *prometheus.CounterVec
	ConsumerHandleMS prometheus.Histogram

	BasketRepriced prometheus.Counter
	BasketStale    prometheus.Counter

	HTTPRequests  *prometheus.CounterVec
	HTTPLatencyMS *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New 在 reg 上注册指标，测试传入新的 prometheus.NewRegistry()
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "published_total",
			Help: "Outbox records confirmed by the broker.",
		}),
		OutboxPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "publish_failures_total",
			Help: "Outbox publish attempts that failed and stay pending.",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "pending",
			Help: "Pending outbox records observed at the last poll.",
		}),
		ConsumerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "messages_total",
			Help: "Price change deliveries by outcome.",
		}, []string{"outcome"}),
		ConsumerHandleMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "handle_duration_ms",
			Help:    "Delivery handling latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		BasketRepriced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "basket", Name: "items_repriced_total",
			Help: "Basket items whose cached price was overwritten.",
		}),
		BasketStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "basket", Name: "items_stale_total",
			Help: "Basket items that already carried a newer or equal price version.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		HTTPLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.OutboxPublished, m.OutboxPublishFailures, m.OutboxPending,
		m.ConsumerMessages, m.ConsumerHandleMS,
		m.BasketRepriced, m.BasketStale,
		m.HTTPRequests, m.HTTPLatencyMS,
	)
	return m
}

// Handler 以 prometheus 文本格式暴露指标
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// GinMiddleware 按路由记录请求数与耗时
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPLatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	}
}
