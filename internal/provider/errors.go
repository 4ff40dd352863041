package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// UpstreamKind 上游失败类别
type UpstreamKind string

const (
	UpstreamTransport   UpstreamKind = "transport"
	UpstreamTimeout     UpstreamKind = "timeout"
	UpstreamCanceled    UpstreamKind = "canceled"
	UpstreamAuth        UpstreamKind = "auth"
	UpstreamRateLimit   UpstreamKind = "rate_limit"
	UpstreamServer      UpstreamKind = "server"
	UpstreamBadRequest  UpstreamKind = "bad_request"
	UpstreamBadResponse UpstreamKind = "bad_response"
)

// UpstreamError CompletionClient 自身抛出的错误（超时、鉴权、限流等）
type UpstreamError struct {
	Provider   string
	Kind       UpstreamKind
	StatusCode int    // HTTP 状态码，未知时为 0
	Body       string // 上游响应体摘要，仅用于日志
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s upstream %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// KindFromStatus 按 HTTP 状态码归类
func KindFromStatus(status int) UpstreamKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return UpstreamAuth
	case status == http.StatusTooManyRequests:
		return UpstreamRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return UpstreamTimeout
	case status >= 500:
		return UpstreamServer
	case status >= 400:
		return UpstreamBadRequest
	default:
		return UpstreamBadResponse
	}
}

// KindFromError 按传输层错误归类（ctx 超时 / 取消 / 其它）
func KindFromError(err error) UpstreamKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return UpstreamTimeout
	case errors.Is(err, context.Canceled):
		return UpstreamCanceled
	default:
		return UpstreamTransport
	}
}

// AsUpstream 将任意错误规整为 UpstreamError
func AsUpstream(providerName string, err error) *UpstreamError {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpstreamError{Provider: providerName, Kind: KindFromError(err), Cause: err}
}
