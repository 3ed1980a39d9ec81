package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_order_total",
			Help: "Total number of order state transitions by resulting status",
		},
		[]string{"broker", "symbol", "side", "status"},
	)

	orderFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_order_failure_total",
			Help: "Total number of failed broker order calls",
		},
		[]string{"broker", "symbol", "side", "reason"},
	)

	orderAckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optionsdesk_order_ack_duration_seconds",
			Help:    "Time between submission and broker acknowledgement",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"broker"},
	)

	orderAckTimeoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_order_ack_timeout_total",
			Help: "Total number of orders flagged ack_timeout",
		},
		[]string{"broker"},
	)

	fillQuantityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_fill_quantity_total",
			Help: "Total filled quantity applied to positions",
		},
		[]string{"broker", "symbol", "side"},
	)

	// 事件流指标
	eventReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_stream_event_received_total",
			Help: "Total number of broker stream events received",
		},
		[]string{"broker", "kind"},
	)

	eventDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_stream_event_discarded_total",
			Help: "Total number of stale, duplicate or unmatched events discarded",
		},
		[]string{"broker", "reason"},
	)

	websocketConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optionsdesk_websocket_connected",
			Help: "Broker stream connection status (0=disconnected, 1=connected)",
		},
		[]string{"broker"},
	)

	websocketReconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_websocket_reconnect_total",
			Help: "Total number of broker stream reconnect attempts",
		},
		[]string{"broker"},
	)

	// 盈亏与持仓
	pnlRealized = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optionsdesk_pnl_realized",
			Help: "Session realized profit and loss",
		},
		[]string{"broker"},
	)

	pnlUnrealized = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optionsdesk_pnl_unrealized",
			Help: "Session unrealized profit and loss",
		},
		[]string{"broker"},
	)

	positionQuantity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optionsdesk_position_quantity",
			Help: "Signed net position quantity",
		},
		[]string{"broker", "symbol"},
	)

	// 对账指标
	reconciliationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_reconciliation_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"broker", "trigger"},
	)

	reconciliationMismatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_reconciliation_mismatch_total",
			Help: "Total number of reconciliation mismatches corrected toward broker state",
		},
		[]string{"broker", "kind"},
	)

	reconciliationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optionsdesk_reconciliation_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"broker"},
	)

	// 会话指标
	sessionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optionsdesk_session_status",
			Help: "Session status (0=stopped, 1=starting, 2=running, 3=stopping)",
		},
		[]string{"broker"},
	)

	sessionDegraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optionsdesk_session_degraded",
			Help: "Session degraded flag (0=healthy, 1=degraded)",
		},
		[]string{"broker"},
	)

	// 券商 API 指标
	apiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optionsdesk_broker_api_duration_seconds",
			Help:    "Broker API call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"broker", "endpoint", "status"},
	)

	apiRateLimitWaitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_broker_rate_limit_wait_total",
			Help: "Total number of broker calls delayed by the local rate limiter",
		},
		[]string{"broker"},
	)

	// 分布式锁
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionsdesk_lock_acquire_total",
			Help: "Total number of distributed lock acquisition attempts",
		},
		[]string{"key", "status"},
	)

	// UI 推送
	uiClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optionsdesk_ui_stream_clients",
			Help: "Number of connected UI stream clients",
		},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optionsdesk_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryAlloc = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optionsdesk_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optionsdesk_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optionsdesk_process_rss_bytes",
			Help: "Process resident set size in bytes",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// RecordOrder 记录订单状态变化
func (pm *PrometheusMetrics) RecordOrder(broker, symbol, side, status string) {
	orderTotal.WithLabelValues(broker, symbol, side, status).Inc()
}

// RecordOrderFailure 记录券商调用失败
func (pm *PrometheusMetrics) RecordOrderFailure(broker, symbol, side, reason string) {
	orderFailureTotal.WithLabelValues(broker, symbol, side, reason).Inc()
}

// RecordOrderAck 记录下单确认耗时
func (pm *PrometheusMetrics) RecordOrderAck(broker string, duration time.Duration) {
	orderAckDuration.WithLabelValues(broker).Observe(duration.Seconds())
}

// RecordAckTimeout 记录确认超时
func (pm *PrometheusMetrics) RecordAckTimeout(broker string) {
	orderAckTimeoutTotal.WithLabelValues(broker).Inc()
}

// RecordFill 记录成交数量
func (pm *PrometheusMetrics) RecordFill(broker, symbol, side string, quantity int64) {
	fillQuantityTotal.WithLabelValues(broker, symbol, side).Add(float64(quantity))
}

// RecordEventReceived 记录收到的推送事件
func (pm *PrometheusMetrics) RecordEventReceived(broker, kind string) {
	eventReceivedTotal.WithLabelValues(broker, kind).Inc()
}

// RecordEventDiscarded 记录被丢弃的事件（过期、重复、无法匹配）
func (pm *PrometheusMetrics) RecordEventDiscarded(broker, reason string) {
	eventDiscardedTotal.WithLabelValues(broker, reason).Inc()
}

// SetWebSocketStatus 设置推送连接状态
func (pm *PrometheusMetrics) SetWebSocketStatus(broker string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	websocketConnected.WithLabelValues(broker).Set(value)
}

// RecordWebSocketReconnect 记录重连
func (pm *PrometheusMetrics) RecordWebSocketReconnect(broker string) {
	websocketReconnectTotal.WithLabelValues(broker).Inc()
}

// SetPnL 设置会话盈亏
func (pm *PrometheusMetrics) SetPnL(broker string, realized, unrealized float64) {
	pnlRealized.WithLabelValues(broker).Set(realized)
	pnlUnrealized.WithLabelValues(broker).Set(unrealized)
}

// SetPositionQuantity 设置持仓数量
func (pm *PrometheusMetrics) SetPositionQuantity(broker, symbol string, quantity int64) {
	positionQuantity.WithLabelValues(broker, symbol).Set(float64(quantity))
}

// RecordReconciliation 记录对账
func (pm *PrometheusMetrics) RecordReconciliation(broker, trigger string, duration time.Duration) {
	reconciliationTotal.WithLabelValues(broker, trigger).Inc()
	reconciliationDuration.WithLabelValues(broker).Observe(duration.Seconds())
}

// RecordReconciliationMismatch 记录对账差异
func (pm *PrometheusMetrics) RecordReconciliationMismatch(broker, kind string) {
	reconciliationMismatchTotal.WithLabelValues(broker, kind).Inc()
}

// SetSessionStatus 设置会话状态
func (pm *PrometheusMetrics) SetSessionStatus(broker string, status int) {
	sessionStatus.WithLabelValues(broker).Set(float64(status))
}

// SetSessionDegraded 设置会话降级状态
func (pm *PrometheusMetrics) SetSessionDegraded(broker string, degraded bool) {
	value := 0.0
	if degraded {
		value = 1.0
	}
	sessionDegraded.WithLabelValues(broker).Set(value)
}

// RecordAPICall 记录券商 API 调用
func (pm *PrometheusMetrics) RecordAPICall(broker, endpoint, status string, duration time.Duration) {
	apiCallDuration.WithLabelValues(broker, endpoint, status).Observe(duration.Seconds())
}

// RecordRateLimitWait 记录被本地限流器延迟的调用
func (pm *PrometheusMetrics) RecordRateLimitWait(broker string) {
	apiRateLimitWaitTotal.WithLabelValues(broker).Inc()
}

// RecordLockAcquire 记录锁获取
func (pm *PrometheusMetrics) RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// SetUIClients 设置 UI 推送客户端数量
func (pm *PrometheusMetrics) SetUIClients(count int) {
	uiClients.Set(float64(count))
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAlloc.Set(float64(bytes))
}

// SetProcessUsage 设置进程 CPU 与常驻内存
func (pm *PrometheusMetrics) SetProcessUsage(cpuPercent float64, rssBytes uint64) {
	processCPUPercent.Set(cpuPercent)
	processRSS.Set(float64(rssBytes))
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
