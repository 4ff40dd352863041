package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatrelay/internal/domain/conversation"
	"chatrelay/internal/provider"
)

// maxBodyBytes 单个请求体上限
const maxBodyBytes = 1 << 20

// chatRequest 校验后的聊天请求
type chatRequest struct {
	Messages       []provider.Message
	Stream         bool
	ConversationID string
}

// rawChatRequest 先按原始 JSON 解码，逐字段校验类型
type rawChatRequest struct {
	Messages       []json.RawMessage `json:"messages"`
	Stream         bool              `json:"stream"`
	ConversationID string            `json:"conversation_id"`
}

func readChatRequest(r *http.Request) (*chatRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, conversation.NewValidationError("body", "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, conversation.NewValidationError("body", "request body too large")
	}
	return parseChatRequest(body)
}

// parseChatRequest 解析并校验 {messages:[{role,content}...]}。
// 所有消息都必须有字符串 content 和可识别的 role。
func parseChatRequest(body []byte) (*chatRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, conversation.NewValidationError("body", "request body is required")
	}

	var raw rawChatRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, conversation.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if len(raw.Messages) == 0 {
		return nil, conversation.NewValidationError("messages", "must be a non-empty list")
	}

	req := &chatRequest{
		Messages:       make([]provider.Message, 0, len(raw.Messages)),
		Stream:         raw.Stream,
		ConversationID: raw.ConversationID,
	}
	for i, m := range raw.Messages {
		msg, err := parseMessage(i, m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func parseMessage(i int, rawMsg json.RawMessage) (provider.Message, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rawMsg, &m); err != nil || m == nil {
		return provider.Message{}, conversation.NewValidationError(fmt.Sprintf("messages[%d]", i), "must be an object")
	}

	var content string
	rawContent, ok := m["content"]
	if !ok || isNull(rawContent) {
		return provider.Message{}, conversation.NewValidationError(fmt.Sprintf("messages[%d].content", i), "is required")
	}
	if err := json.Unmarshal(rawContent, &content); err != nil {
		return provider.Message{}, conversation.NewValidationError(fmt.Sprintf("messages[%d].content", i), "must be a string")
	}

	var roleText string
	rawRole, ok := m["role"]
	if !ok || isNull(rawRole) {
		return provider.Message{}, conversation.NewValidationError(fmt.Sprintf("messages[%d].role", i), "is required")
	}
	if err := json.Unmarshal(rawRole, &roleText); err != nil {
		return provider.Message{}, conversation.NewValidationError(fmt.Sprintf("messages[%d].role", i), "must be a string")
	}
	role, err := provider.ParseRole(roleText)
	if err != nil {
		return provider.Message{}, conversation.NewValidationError(fmt.Sprintf("messages[%d].role", i), err.Error())
	}

	return provider.Message{Role: role, Content: content}, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
