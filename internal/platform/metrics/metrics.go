// Package metrics 聊天代理的 Prometheus 指标（独立 Registry，不污染全局注册表）。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/domain/conversation"
	"chatrelay/internal/provider"
)

const namespace = "chatrelay"

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	completions       *prometheus.CounterVec
	completionLatency *prometheus.HistogramVec
	turnStates        *prometheus.CounterVec
	turns             *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

// New 创建并注册全部指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Upstream completion calls by stage, model and outcome.",
		}, []string{"stage", "model", "outcome"}),
		completionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Upstream completion latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage", "model"}),
		turnStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_state_transitions_total",
			Help:      "Conversation turn state transitions.",
		}, []string{"state"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed conversation turns by result.",
		}, []string{"variant", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.completions,
		m.completionLatency,
		m.turnStates,
		m.turns,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 暴露给测试读取
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks 返回接入 conversation 的观测回调。
// base 非 nil 时先调用 base（通常是日志回调）。
func (m *Metrics) Hooks(base *conversation.Hooks) *conversation.Hooks {
	return &conversation.Hooks{
		OnState: func(ctx context.Context, s conversation.TurnState) {
			if base != nil && base.OnState != nil {
				base.OnState(ctx, s)
			}
			m.turnStates.WithLabelValues(string(s)).Inc()
		},
		OnCompletion: func(stage conversation.Stage, model string, elapsed time.Duration, err error) {
			if base != nil && base.OnCompletion != nil {
				base.OnCompletion(stage, model, elapsed, err)
			}
			m.ObserveCompletion(string(stage), model, elapsed, err)
		},
	}
}

// ObserveCompletion 记录一次上游调用
func (m *Metrics) ObserveCompletion(stage, model string, elapsed time.Duration, err error) {
	m.completions.WithLabelValues(stage, model, Outcome(err)).Inc()
	m.completionLatency.WithLabelValues(stage, model).Observe(elapsed.Seconds())
}

// ObserveTurn 记录一轮结果：ok / summary_failed / failed
func (m *Metrics) ObserveTurn(variant, result string) {
	m.turns.WithLabelValues(variant, result).Inc()
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTP(route string, code string) {
	m.httpRequests.WithLabelValues(route, code).Inc()
}

// Outcome 把错误折叠为低基数标签
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var ue *provider.UpstreamError
	if errors.As(err, &ue) {
		return string(ue.Kind)
	}
	return "error"
}
