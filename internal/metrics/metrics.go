package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// REST 调用指标
	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phoenix_api_latency_seconds",
			Help:    "REST 调用耗时（含重试与限速等待）",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"command", "status"},
	)

	APIRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_api_retries_total",
			Help: "临时失败后的重试次数",
		},
		[]string{"command"},
	)

	NonceResyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenix_nonce_resyncs_total",
			Help: "按交易所提示校正 nonce 的次数",
		},
	)

	LimiterWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phoenix_limiter_wait_seconds",
			Help:    "等待限速许可的耗时",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_errors_total",
			Help: "错误计数",
		},
		[]string{"type", "component"},
	)

	// 推送指标
	WSMessageCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_ws_messages_total",
			Help: "推送消息数量（按类型统计）",
		},
		[]string{"kind"},
	)

	WSBytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenix_ws_bytes_received_total",
			Help: "推送接收字节数",
		},
	)

	WSReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_ws_connects_total",
			Help: "推送连接尝试次数",
		},
		[]string{"result"},
	)

	WSConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_ws_connected",
			Help: "推送连接状态 (1=已连接)",
		},
	)

	// 订单指标
	StopTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_stop_triggers_total",
			Help: "止损单触发结果",
		},
		[]string{"market", "outcome"},
	)

	PendingStops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_pending_stops",
			Help: "待触发止损单数量",
		},
	)

	LadderRungs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_ladder_rungs_total",
			Help: "阶梯单提交的子订单数",
		},
		[]string{"market", "side", "result"},
	)

	// 历史同步指标
	HistoryRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_history_rows_total",
			Help: "历史同步写入的记录数",
		},
		[]string{"collection"},
	)

	HistoryPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_history_pages_total",
			Help: "历史同步拉取的分页数",
		},
		[]string{"collection"},
	)

	// 看门狗
	ComponentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phoenix_component_healthy",
			Help: "组件健康状态 (1=正常)",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(
		APILatency,
		APIRetries,
		NonceResyncs,
		LimiterWait,
		ErrorCount,
		WSMessageCount,
		WSBytesReceived,
		WSReconnects,
		WSConnected,
		StopTriggers,
		PendingStops,
		LadderRungs,
		HistoryRows,
		HistoryPages,
		ComponentHealthy,
	)
}

// StartMetricsServer 启动 Prometheus 指标服务器，返回实际监听端口（port=0 时随机分配）
func StartMetricsServer(port int) (int, error) {
	if port < 0 {
		return 0, errors.New("invalid metrics port")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("listen metrics port: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	actual := ln.Addr().(*net.TCPAddr).Port
	go func() {
		if err := http.Serve(ln, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Int("port", actual).Msg("Prometheus metrics server started")
	return actual, nil
}

// RecordAPICall 记录一次 REST 调用
func RecordAPICall(command, status string, d time.Duration) {
	APILatency.WithLabelValues(command, status).Observe(d.Seconds())
}

// RecordRetry 记录一次重试
func RecordRetry(command string) {
	APIRetries.WithLabelValues(command).Inc()
}

// RecordNonceResync 记录 nonce 校正
func RecordNonceResync() {
	NonceResyncs.Inc()
}

// RecordLimiterWait 记录限速等待
func RecordLimiterWait(d time.Duration) {
	LimiterWait.Observe(d.Seconds())
}

// RecordError 记录错误
func RecordError(errType, component string) {
	ErrorCount.WithLabelValues(errType, component).Inc()
}

// RecordWSMessage 记录推送消息
func RecordWSMessage(kind string, bytes int) {
	WSMessageCount.WithLabelValues(kind).Inc()
	WSBytesReceived.Add(float64(bytes))
}

// RecordWSReconnect 记录连接尝试结果 (success/error)
func RecordWSReconnect(result string) {
	WSReconnects.WithLabelValues(result).Inc()
}

// SetWSConnected 更新连接状态
func SetWSConnected(connected bool) {
	if connected {
		WSConnected.Set(1)
		return
	}
	WSConnected.Set(0)
}

// RecordStopTrigger 记录止损单触发 (triggered/test/errored/canceled)
func RecordStopTrigger(market, outcome string) {
	StopTriggers.WithLabelValues(market, outcome).Inc()
}

// SetPendingStops 更新待触发数量
func SetPendingStops(n int) {
	PendingStops.Set(float64(n))
}

// RecordLadderRung 记录阶梯子订单提交
func RecordLadderRung(market, side, result string) {
	LadderRungs.WithLabelValues(market, side, result).Inc()
}

// RecordHistoryPage 记录一页历史数据
func RecordHistoryPage(collection string, rows int) {
	HistoryPages.WithLabelValues(collection).Inc()
	HistoryRows.WithLabelValues(collection).Add(float64(rows))
}

// SetComponentHealthy 更新组件健康状态 (rest/stream)
func SetComponentHealthy(component string, healthy bool) {
	if healthy {
		ComponentHealthy.WithLabelValues(component).Set(1)
		return
	}
	ComponentHealthy.WithLabelValues(component).Set(0)
}
