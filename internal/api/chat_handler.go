package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

// BasicChatHandler 无状态同步代理：固定 system prompt + 调用方全部消息
type BasicChatHandler struct {
	client  provider.LLMProvider
	model   string
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewBasicChatHandler 创建同步代理处理器
func NewBasicChatHandler(client provider.LLMProvider, model string, timeout time.Duration, m *metrics.Metrics) *BasicChatHandler {
	return &BasicChatHandler{client: client, model: model, timeout: timeout, metrics: m}
}

// RegisterRoutes 注册路由
func (h *BasicChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.Chat)
}

func (h *BasicChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := readChatRequest(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	resp, err := completeWithPersona(r.Context(), h.client, h.model, h.timeout, h.metrics, req.Messages)
	if err != nil {
		observeTurn(h.metrics, "basic", err)
		writeCompletionFailure(w, "[Chat/Basic]", err)
		return
	}
	observeTurn(h.metrics, "basic", nil)
	writeCompletion(w, newCompletionBody(resp))
}

// completeWithPersona basic / stream 共用：BriefPersona + 全部消息，非流式
func completeWithPersona(ctx context.Context, client provider.LLMProvider, model string, timeout time.Duration, m *metrics.Metrics, messages []provider.Message) (*provider.CompletionResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.Complete(ctx, &provider.CompletionRequest{
		Model:    model,
		Messages: withPersona(messages),
	})
	if err == nil && resp == nil {
		err = &provider.UpstreamError{Provider: client.Name(), Kind: provider.UpstreamBadResponse, Cause: conversation.ErrEmptyCompletion}
	}
	if m != nil {
		m.ObserveCompletion(string(conversation.StageRespond), model, time.Since(start), err)
	}
	if err != nil {
		return nil, &conversation.CompletionFailure{
			Stage: conversation.StageRespond,
			Model: model,
			Cause: provider.AsUpstream(client.Name(), err),
		}
	}
	return resp, nil
}

func withPersona(messages []provider.Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages)+1)
	out = append(out, provider.System(conversation.BriefPersona))
	return append(out, messages...)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var ve *conversation.ValidationError
	if errors.As(err, &ve) {
		msg := ve.Message
		if ve.Field != "" {
			msg = ve.Field + ": " + ve.Message
		}
		writeErrorCode(w, http.StatusBadRequest, string(conversation.CodeInvalidRequest), msg)
		return
	}
	writeErrorCode(w, http.StatusBadRequest, string(conversation.CodeInvalidRequest), err.Error())
}

// writeCompletionFailure 校验错误返回 400，其余记录原因后返回不含细节的 500
func writeCompletionFailure(w http.ResponseWriter, tag string, err error) {
	if conversation.IsValidation(err) || errors.Is(err, conversation.ErrConversationIDRequired) {
		writeValidationError(w, err)
		return
	}
	applog.Error(tag+" ❌ Request failed", "error", err)
	writeError(w, http.StatusInternalServerError, msgInternalError)
}

func observeTurn(m *metrics.Metrics, variant string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ObserveTurn(variant, "failed")
		return
	}
	m.ObserveTurn(variant, "ok")
}
