package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 扫描任务指标
	ScansStarted      prometheus.Counter
	ScansFinished     *prometheus.CounterVec
	ScanDuration      prometheus.Histogram
	MessagesFetched   prometheus.Counter
	FetchFailures     prometheus.Counter
	RecordsExtracted  prometheus.Counter
	MessagesDiscarded prometheus.Counter
	ForwardsIngested  prometheus.Counter

	// 缓存指标
	CacheHits      *prometheus.CounterVec
	CacheMisses    prometheus.Counter
	CacheFallbacks prometheus.Counter

	// 系统指标
	SystemUptime         prometheus.Gauge
	MemoryUsage          prometheus.Gauge
	WebSocketConnections prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendscan_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spendscan_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spendscan_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spendscan_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		// 扫描任务指标
		ScansStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_scans_started_total",
				Help: "Total number of mailbox scans started",
			},
		),

		ScansFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendscan_scans_finished_total",
				Help: "Total number of mailbox scans finished, by terminal state",
			},
			[]string{"state"},
		),

		ScanDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spendscan_scan_duration_seconds",
				Help:    "Full mailbox scan duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),

		MessagesFetched: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_messages_fetched_total",
				Help: "Total number of candidate messages fetched",
			},
		),

		FetchFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_fetch_failures_total",
				Help: "Total number of per-message fetch failures",
			},
		),

		RecordsExtracted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_records_extracted_total",
				Help: "Total number of purchase records extracted",
			},
		),

		MessagesDiscarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_messages_discarded_total",
				Help: "Total number of messages discarded as non-purchase",
			},
		),

		ForwardsIngested: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_forwards_ingested_total",
				Help: "Total number of forwarded receipts ingested over SMTP",
			},
		),

		// 缓存指标
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendscan_cache_hits_total",
				Help: "Total number of cache hits, by tier",
			},
			[]string{"tier"},
		),

		CacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_cache_misses_total",
				Help: "Total number of cache misses",
			},
		),

		CacheFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_cache_fallbacks_total",
				Help: "Total number of primary cache failures that fell back to the local tier",
			},
		),

		// 系统指标
		SystemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spendscan_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spendscan_memory_usage_bytes",
				Help: "Memory usage in bytes",
			},
		),

		WebSocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spendscan_websocket_connections",
				Help: "Number of connected WebSocket clients",
			},
		),

		// 错误指标
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendscan_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spendscan_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordScanStarted 记录扫描启动
func (m *Metrics) RecordScanStarted() {
	m.ScansStarted.Inc()
}

// RecordScanFinished 记录扫描结束（按终态区分）
func (m *Metrics) RecordScanFinished(state string, duration time.Duration) {
	m.ScansFinished.WithLabelValues(state).Inc()
	m.ScanDuration.Observe(duration.Seconds())
}

// RecordMessagesFetched 记录成功抓取的邮件数
func (m *Metrics) RecordMessagesFetched(n int) {
	m.MessagesFetched.Add(float64(n))
}

// RecordFetchFailures 记录抓取失败数
func (m *Metrics) RecordFetchFailures(n int) {
	m.FetchFailures.Add(float64(n))
}

// RecordRecordsExtracted 记录提取出的采购记录数
func (m *Metrics) RecordRecordsExtracted(n int) {
	m.RecordsExtracted.Add(float64(n))
}

// RecordMessagesDiscarded 记录判定为噪音丢弃的邮件数
func (m *Metrics) RecordMessagesDiscarded(n int) {
	m.MessagesDiscarded.Add(float64(n))
}

// RecordForwardIngested 记录转发小票归档
func (m *Metrics) RecordForwardIngested() {
	m.ForwardsIngested.Inc()
}

// RecordCacheHit 记录缓存命中
func (m *Metrics) RecordCacheHit(tier string) {
	m.CacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}

// RecordCacheFallback 记录主缓存失败后的降级
func (m *Metrics) RecordCacheFallback() {
	m.CacheFallbacks.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateMemoryUsage 更新内存使用量
func (m *Metrics) UpdateMemoryUsage(bytes int64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateWebSocketConnections 更新 WebSocket 连接数
func (m *Metrics) UpdateWebSocketConnections(count int) {
	m.WebSocketConnections.Set(float64(count))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
