package conversation

import (
	"context"
	"strings"
	"time"

	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

// SummarizerConfig 摘要引擎配置
type SummarizerConfig struct {
	Model       string        // summarizer 模型，与 responder 模型相互独立
	Timeout     time.Duration // 单次调用超时，0 表示只受 ctx 控制
	Temperature float64       // 0 表示使用上游默认值
	MaxTokens   int
	Hooks       *Hooks
}

// Summarizer 滚动摘要引擎：新摘要只由（旧摘要，本轮 user，本轮 assistant）决定
type Summarizer struct {
	completer
	cfg SummarizerConfig
}

// NewSummarizer 创建摘要引擎
func NewSummarizer(client provider.LLMProvider, cfg SummarizerConfig) *Summarizer {
	applog.Info("[Summary/LLM] Summarizer initialized",
		"provider", client.Name(),
		"model", cfg.Model,
		"timeout", cfg.Timeout,
	)
	return &Summarizer{
		completer: completer{client: client, timeout: cfg.Timeout, hooks: cfg.Hooks},
		cfg:       cfg,
	}
}

// Model 返回 summarizer 模型
func (s *Summarizer) Model() string { return s.cfg.Model }

// Update 生成新摘要。返回值整体替换旧摘要，调用方不得做增量拼接。
// 失败时返回 *CompletionFailure，旧摘要由调用方保留。
func (s *Summarizer) Update(ctx context.Context, previous string, user, assistant provider.Message) (string, error) {
	applog.Debug("[Summary/LLM] Updating summary",
		"conversation_id", ConversationIDFromContext(ctx),
		"model", s.cfg.Model,
		"has_previous_summary", previous != "",
	)

	req := &provider.CompletionRequest{
		Model:       s.cfg.Model,
		Messages:    BuildSummaryMessages(previous, user, assistant),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}

	resp, err := s.complete(ctx, StageSummarize, req)
	if err != nil {
		applog.Error("[Summary/LLM] ❌ Summary update failed",
			"conversation_id", ConversationIDFromContext(ctx),
			"model", s.cfg.Model,
			"error", err,
		)
		return "", err
	}

	summary := strings.TrimSpace(resp.Message.Content)
	applog.Info("[Summary/LLM] ✅ Summary updated",
		"conversation_id", ConversationIDFromContext(ctx),
		"model", s.cfg.Model,
		"summary_length", len(summary),
		"summary_preview", preview(summary, 300),
	)
	return summary, nil
}

// preview 按字符（rune）截断日志预览
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
