package conversation

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	CodeCompletionFailed ErrorCode = "COMPLETION_FAILED"
	CodeStoreFailed      ErrorCode = "SUMMARY_STORE_FAILED"
)

var (
	// ErrConversationIDRequired 需要 conversation_id
	ErrConversationIDRequired = errors.New("conversation_id is required")

	// ErrEmptyCompletion 上游返回了空的 assistant 消息
	ErrEmptyCompletion = errors.New("completion returned no assistant message")
)

// ValidationError 入站请求格式错误；不重试，对外返回 400
type ValidationError struct {
	Field   string // 出错位置，例如 messages[1].content
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", CodeInvalidRequest, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", CodeInvalidRequest, e.Message)
}

// NewValidationError 创建校验错误
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Stage 一轮对话中调用 CompletionClient 的阶段
type Stage string

const (
	StageRespond   Stage = "respond"
	StageSummarize Stage = "summarize"
)

// CompletionFailure 包装 responder / summarizer 调用中的任何 CompletionClient 错误。
// Cause 只记录日志，不对外暴露。
type CompletionFailure struct {
	Stage Stage
	Model string
	Cause error
}

func (e *CompletionFailure) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s completion with model %s failed: %v", CodeCompletionFailed, e.Stage, e.Model, e.Cause)
}

func (e *CompletionFailure) Unwrap() error { return e.Cause }

// IsValidation 是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCompletionFailure 是否为补全失败
func IsCompletionFailure(err error) bool {
	var cf *CompletionFailure
	return errors.As(err, &cf)
}
