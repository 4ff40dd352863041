package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/provider"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// 对外的通用失败信息，不暴露上游细节
const (
	msgInternalError  = "An error occurred while processing your request"
	msgStreamingError = "An error occurred during streaming"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: message,
	})
}

// writeErrorCode 带错误码的统一错误响应
func writeErrorCode(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    status,
		"error":   code,
		"message": message,
	})
}

// writeCompletion 写 OpenAI chat.completion 形状的响应体（不走 APIResponse 包装，兼容 OpenAI 客户端）
func writeCompletion(w http.ResponseWriter, body *chatCompletion) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

// --- OpenAI 兼容响应体 ---

type chatCompletion struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Created           int64              `json:"created"`
	Model             string             `json:"model"`
	Choices           []completionChoice `json:"choices"`
	Usage             *usageBody         `json:"usage,omitempty"`
	ConversationUUID  string             `json:"conversationUUID,omitempty"`
	ConversationID    string             `json:"conversation_id,omitempty"`
	SummaryUpdated    *bool              `json:"summary_updated,omitempty"`
	Summary           *string            `json:"summary,omitempty"`
	SystemFingerprint string             `json:"system_fingerprint,omitempty"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      messageBody `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type messageBody struct {
	Role    provider.Role `json:"role"`
	Content string        `json:"content"`
}

type usageBody struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        chunkDelta  `json:"delta"`
	Logprobs     interface{} `json:"logprobs"`
	FinishReason *string     `json:"finish_reason"`
}

type chunkDelta struct {
	Role    provider.Role `json:"role,omitempty"`
	Content string        `json:"content,omitempty"`
}

func newCompletionBody(resp *provider.CompletionResponse) *chatCompletion {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	id := resp.ID
	if id == "" {
		id = completionID()
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      messageBody{Role: resp.Message.Role, Content: resp.Message.Content},
			FinishReason: finish,
		}},
		Usage: &usageBody{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// newChunk 构造一个 chat.completion.chunk；finish 为空表示未结束
func newChunk(model string, delta chunkDelta, finish string) *chatChunk {
	now := time.Now().Unix()
	c := &chatChunk{
		ID:                completionID(),
		Object:            "chat.completion.chunk",
		Created:           now,
		Model:             model,
		SystemFingerprint: fingerprint(),
		Choices:           []chunkChoice{{Index: 0, Delta: delta}},
	}
	if finish != "" {
		c.Choices[0].FinishReason = &finish
	}
	return c
}

// fromProviderChunk 上游增量转为下游 chunk，缺失的 id / 指纹用本地生成值补齐
func fromProviderChunk(model string, in provider.CompletionChunk) *chatChunk {
	c := newChunk(model, chunkDelta{Role: in.Role, Content: in.Delta}, in.FinishReason)
	if in.ID != "" {
		c.ID = in.ID
	}
	if in.Created != 0 {
		c.Created = in.Created
	}
	if in.Model != "" {
		c.Model = in.Model
	}
	if in.SystemFingerprint != "" {
		c.SystemFingerprint = in.SystemFingerprint
	}
	return c
}

func completionID() string {
	return fmt.Sprintf("chatcmpl-%d", time.Now().Unix())
}

func fingerprint() string {
	return "fp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
