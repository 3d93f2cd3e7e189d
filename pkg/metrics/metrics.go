package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 agent/toolserver/backend 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TurnDuration, TurnTotal,
		ToolCallDuration, ToolCallTotal,
		IdempotencyReplayTotal, IdempotencyConflictTotal,
		SessionsActive, ChannelReopenTotal,
	)
}

// TurnDuration 单轮对话处理耗时（秒）
var TurnDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "orderagent_turn_duration_seconds",
		Help:    "单轮对话处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// TurnTotal 对话轮次总数（按结果）
var TurnTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orderagent_turn_total",
		Help: "对话轮次总数（按结果）",
	},
	[]string{"outcome"}, // replied | confirmation | step_ceiling
)

// ToolCallDuration 工具调用耗时（秒）
var ToolCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orderagent_tool_call_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// ToolCallTotal 工具调用总数（按工具与错误码，成功为 ok）
var ToolCallTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orderagent_tool_call_total",
		Help: "工具调用总数（按工具与错误码）",
	},
	[]string{"tool", "code"},
)

// IdempotencyReplayTotal 幂等命中（返回缓存结果，未重复执行副作用）
var IdempotencyReplayTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orderagent_idempotency_replay_total",
		Help: "幂等缓存命中总数",
	},
)

// IdempotencyConflictTotal 同 key 不同参数的冲突总数（调用方 bug）
var IdempotencyConflictTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orderagent_idempotency_conflict_total",
		Help: "幂等 key 参数不一致冲突总数",
	},
)

// SessionsActive 当前活跃 Session 数
var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "orderagent_sessions_active",
		Help: "当前活跃 Session 数",
	},
)

// ChannelReopenTotal 工具通道重建总数（Broken → Reopening → Open）
var ChannelReopenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orderagent_channel_reopen_total",
		Help: "工具子进程通道重建总数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
