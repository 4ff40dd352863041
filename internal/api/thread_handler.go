package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

// ThreadChatHandler 有状态代理：每个会话维护一份滚动摘要
type ThreadChatHandler struct {
	coord   *conversation.Coordinator
	metrics *metrics.Metrics
}

// NewThreadChatHandler 创建有状态代理处理器
func NewThreadChatHandler(coord *conversation.Coordinator, m *metrics.Metrics) *ThreadChatHandler {
	return &ThreadChatHandler{coord: coord, metrics: m}
}

// RegisterRoutes 注册路由
func (h *ThreadChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.Chat)
	r.Post("/api/demo", h.Demo)
	r.Route("/api/conversations/{id}", func(r chi.Router) {
		r.Get("/summary", h.GetSummary)
		r.Delete("/summary", h.DeleteSummary)
	})
}

// Chat 最后一条消息作为本轮 user 输入；会话 id 取 body.conversation_id，其次 X-Conversation-ID
func (h *ThreadChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := readChatRequest(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = strings.TrimSpace(r.Header.Get("X-Conversation-ID"))
	}
	if conversationID == "" {
		conversationID = conversation.DefaultConversationID
	}

	last := len(req.Messages) - 1
	user := req.Messages[last]
	if user.Role != provider.RoleUser {
		writeValidationError(w, conversation.NewValidationError(
			fmt.Sprintf("messages[%d].role", last),
			fmt.Sprintf("last message must have role %q", provider.RoleUser),
		))
		return
	}

	result, err := h.coord.RunTurn(r.Context(), conversationID, user)
	if err != nil {
		observeTurn(h.metrics, "thread", err)
		writeCompletionFailure(w, "[Chat/Thread]", err)
		return
	}
	h.observeResult(result)

	applog.Info("[Chat/Thread] ✅ Turn completed",
		"conversation_id", conversationID,
		"subject", subjectFrom(r.Context()),
		"summary_updated", result.SummaryUpdated,
		"total_tokens", result.Usage.TotalTokens,
	)
	writeCompletion(w, turnBody(conversationID, result))
}

// Demo 在一个新会话上依次执行三轮固定输入，返回最后一轮的 completion（附带最终摘要）
func (h *ThreadChatHandler) Demo(w http.ResponseWriter, r *http.Request) {
	conversationID := uuid.NewString()

	turns, err := h.coord.RunDemo(r.Context(), conversationID)
	if err != nil {
		observeTurn(h.metrics, "thread", err)
		writeCompletionFailure(w, "[Chat/Demo]", err)
		return
	}
	for _, t := range turns {
		h.observeResult(t.Result)
	}

	final := turns[len(turns)-1].Result
	body := turnBody(conversationID, final)
	body.Summary = &final.Summary
	writeCompletion(w, body)
}

func (h *ThreadChatHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := h.coord.Summary(r.Context(), id)
	if err != nil {
		applog.Error("[Chat/Thread] ❌ Failed to load summary", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load summary")
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, "summary not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *ThreadChatHandler) DeleteSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coord.Reset(r.Context(), id); err != nil {
		applog.Error("[Chat/Thread] ❌ Failed to reset summary", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset summary")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id, "status": "reset"})
}

func (h *ThreadChatHandler) observeResult(result *conversation.TurnResult) {
	if h.metrics == nil {
		return
	}
	if result.SummaryUpdated {
		h.metrics.ObserveTurn("thread", "ok")
		return
	}
	h.metrics.ObserveTurn("thread", "summary_failed")
}

func turnBody(conversationID string, result *conversation.TurnResult) *chatCompletion {
	updated := result.SummaryUpdated
	body := newCompletionBody(&provider.CompletionResponse{
		ID:      result.ResponseID,
		Created: time.Now().Unix(),
		Message: result.Assistant,
		Model:   result.Model,
		Usage:   result.Usage,
	})
	body.ConversationID = conversationID
	body.SummaryUpdated = &updated
	return body
}
