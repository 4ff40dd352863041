package conversation

import (
	"context"
	"time"

	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

// TurnHandlerConfig 轮次处理配置
type TurnHandlerConfig struct {
	ResponderModel string        // 面向用户回答的模型
	Timeout        time.Duration // 单次 CompletionClient 调用超时
	Hooks          *Hooks
}

// TurnHandler 端到端处理一轮用户输入：回答 + 摘要更新
type TurnHandler struct {
	completer
	cfg        TurnHandlerConfig
	summarizer *Summarizer
}

// NewTurnHandler 创建轮次处理器
func NewTurnHandler(client provider.LLMProvider, summarizer *Summarizer, cfg TurnHandlerConfig) *TurnHandler {
	return &TurnHandler{
		completer:  completer{client: client, timeout: cfg.Timeout, hooks: cfg.Hooks},
		cfg:        cfg,
		summarizer: summarizer,
	}
}

// TurnResult 一轮对话的结果
type TurnResult struct {
	Assistant  provider.Message `json:"assistant"`
	ResponseID string           `json:"response_id,omitempty"`
	Model      string           `json:"model"`
	Usage      provider.Usage   `json:"usage"`

	// Summary 本轮结束后应成为当前摘要的文本；SummaryUpdated=false 时等于旧摘要
	Summary        string `json:"summary"`
	SummaryUpdated bool   `json:"summary_updated"`
	// SummaryErr 摘要阶段的失败原因（回答仍然有效）
	SummaryErr error `json:"-"`
}

// HandleTurn 处理一轮：
//  1. 以当前摘要构建 system prompt
//  2. responder 模型补全 [systemPrompt, user]
//  3. 成功后调用 Summarizer.Update 得到新摘要
//
// responder 失败 → 整轮失败（*CompletionFailure），不做摘要。
// summarizer 失败 → 回答照常返回，SummaryUpdated=false，摘要保持不变。
// 本方法不写存储；提交新摘要由调用方负责。
func (h *TurnHandler) HandleTurn(ctx context.Context, currentSummary string, user provider.Message) (*TurnResult, error) {
	conversationID := ConversationIDFromContext(ctx)
	defer h.hooks.state(ctx, StateIdle)

	h.hooks.state(ctx, StateAwaitingResponse)
	req := &provider.CompletionRequest{
		Model:    h.cfg.ResponderModel,
		Messages: []provider.Message{BuildSystemPrompt(currentSummary), user},
	}
	resp, err := h.complete(ctx, StageRespond, req)
	if err != nil {
		applog.Error("[Chat/Turn] ❌ Responder call failed",
			"conversation_id", conversationID,
			"model", h.cfg.ResponderModel,
			"error", err,
		)
		return nil, err
	}

	assistant := resp.Message
	if assistant.Role == "" {
		assistant.Role = provider.RoleAssistant
	}
	result := &TurnResult{
		Assistant:  assistant,
		ResponseID: resp.ID,
		Model:      resp.Model,
		Usage:      resp.Usage,
		Summary:    currentSummary,
	}
	if result.Model == "" {
		result.Model = h.cfg.ResponderModel
	}

	applog.Info("[Chat/Turn] 💬 Assistant replied",
		"conversation_id", conversationID,
		"model", result.Model,
		"total_tokens", resp.Usage.TotalTokens,
		"assistant_preview", preview(assistant.Content, 100),
	)

	if h.summarizer == nil {
		return result, nil
	}

	h.hooks.state(ctx, StateAwaitingSummary)
	summary, err := h.summarizer.Update(ctx, currentSummary, user, assistant)
	if err != nil {
		applog.Warn("[Chat/Turn] ⚠️ Summary left unchanged",
			"conversation_id", conversationID,
			"error", err,
		)
		result.SummaryErr = err
		return result, nil
	}

	result.Summary = summary
	result.SummaryUpdated = true
	return result, nil
}
