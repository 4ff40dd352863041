package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

// StreamChatHandler 流式代理：SSE（POST /api/chat, stream=true）与 WebSocket（GET /api/chat/ws）
type StreamChatHandler struct {
	client         provider.LLMProvider
	model          string
	timeout        time.Duration
	metrics        *metrics.Metrics
	originPatterns []string
}

// NewStreamChatHandler 创建流式代理处理器
func NewStreamChatHandler(client provider.LLMProvider, model string, timeout time.Duration, m *metrics.Metrics) *StreamChatHandler {
	return &StreamChatHandler{client: client, model: model, timeout: timeout, metrics: m}
}

// WithOriginPatterns 允许跨域 WebSocket 的来源（链式调用）
func (h *StreamChatHandler) WithOriginPatterns(patterns []string) *StreamChatHandler {
	h.originPatterns = patterns
	return h
}

// RegisterRoutes 注册路由
func (h *StreamChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.Chat)
	r.Get("/api/chat/ws", h.ChatWS)
}

func (h *StreamChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := readChatRequest(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	conversationUUID := uuid.NewString()

	if !req.Stream {
		resp, err := completeWithPersona(r.Context(), h.client, h.model, h.timeout, h.metrics, req.Messages)
		if err != nil {
			observeTurn(h.metrics, "stream", err)
			writeCompletionFailure(w, "[Chat/Stream]", err)
			return
		}
		observeTurn(h.metrics, "stream", nil)
		body := newCompletionBody(resp)
		body.ConversationUUID = conversationUUID
		writeCompletion(w, body)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Conversation-UUID", conversationUUID)
	w.WriteHeader(http.StatusOK)

	err = h.stream(r.Context(), req.Messages, func(c *chatChunk) error {
		return sseWriteData(w, flusher, c)
	})
	observeTurn(h.metrics, "stream", err)
	if err != nil {
		applog.Error("[Chat/Stream] ❌ Streaming failed",
			"conversation_uuid", conversationUUID,
			"error", err,
		)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// stream 依次发送：起始 chunk → 上游 chunk → （失败时）错误 chunk。
// 返回上游错误供调用方记录；错误 chunk 已经发给了客户端。
func (h *StreamChatHandler) stream(ctx context.Context, messages []provider.Message, send func(*chatChunk) error) error {
	if err := send(newChunk(h.model, chunkDelta{Role: provider.RoleAssistant, Content: "starting response"}, "")); err != nil {
		return err
	}

	var cancel context.CancelFunc
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	chunkCh, errCh := h.client.StreamComplete(ctx, &provider.CompletionRequest{
		Model:    h.model,
		Messages: withPersona(messages),
	})

	var sendErr error
	for chunk := range chunkCh {
		if sendErr != nil {
			continue // 已取消上游，排空剩余 chunk
		}
		if sendErr = send(fromProviderChunk(h.model, chunk)); sendErr != nil {
			cancel()
		}
	}
	streamErr := <-errCh

	if sendErr != nil {
		if h.metrics != nil {
			h.metrics.ObserveCompletion(string(conversation.StageRespond), h.model, time.Since(start), sendErr)
		}
		return sendErr
	}
	if h.metrics != nil {
		h.metrics.ObserveCompletion(string(conversation.StageRespond), h.model, time.Since(start), streamErr)
	}
	if streamErr != nil {
		_ = send(newChunk(h.model, chunkDelta{Content: msgStreamingError}, "stop"))
		return &conversation.CompletionFailure{
			Stage: conversation.StageRespond,
			Model: h.model,
			Cause: provider.AsUpstream(h.client.Name(), streamErr),
		}
	}
	return nil
}

// wsFrame WebSocket 控制帧
type wsFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ChatWS 每收到一条聊天请求 JSON，回送 chunk 帧，最后发送 {"type":"done"}
func (h *StreamChatHandler) ChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	conversationUUID := uuid.NewString()
	applog.Info("[Chat/WS] Client connected", "conversation_uuid", conversationUUID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			applog.Debug("[Chat/WS] Read ended", "conversation_uuid", conversationUUID, "error", err)
			return
		}

		req, err := parseChatRequest(data)
		if err != nil {
			if werr := wsjson.Write(ctx, conn, wsFrame{Type: "error", Message: err.Error()}); werr != nil {
				return
			}
			continue
		}

		err = h.stream(ctx, req.Messages, func(c *chatChunk) error {
			return wsjson.Write(ctx, conn, c)
		})
		observeTurn(h.metrics, "stream", err)
		if err != nil {
			applog.Error("[Chat/WS] ❌ Streaming failed", "conversation_uuid", conversationUUID, "error", err)
		}
		if err := wsjson.Write(ctx, conn, wsFrame{Type: "done"}); err != nil {
			return
		}
	}
}

func sseWriteData(w http.ResponseWriter, flusher http.Flusher, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
