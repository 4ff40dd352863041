// Package providertest 提供确定性的 LLMProvider 桩实现，供各层测试使用。
package providertest

import (
	"context"
	"sync"

	"chatrelay/internal/provider"
)

// HandlerFunc 根据请求生成响应
type HandlerFunc func(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error)

// Stub 确定性 LLMProvider；记录所有请求
type Stub struct {
	// Handler 处理非流式请求；为 nil 时回显最后一条消息
	Handler HandlerFunc
	// Chunks 流式输出的文本片段
	Chunks []string
	// StreamErr 在 Chunks 全部发出后返回的错误
	StreamErr error

	mu    sync.Mutex
	calls []provider.CompletionRequest
}

// New 创建使用 handler 的桩
func New(handler HandlerFunc) *Stub {
	return &Stub{Handler: handler}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	s.record(req)
	if s.Handler == nil {
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		return Reply(req.Model, last), nil
	}
	return s.Handler(ctx, req)
}

func (s *Stub) StreamComplete(ctx context.Context, req *provider.CompletionRequest) (<-chan provider.CompletionChunk, <-chan error) {
	s.record(req)
	chunkCh := make(chan provider.CompletionChunk, len(s.Chunks)+1)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(chunkCh)
		for i, c := range s.Chunks {
			chunk := provider.CompletionChunk{ID: "chatcmpl-stub", Model: req.Model, Delta: c}
			if i == 0 {
				chunk.Role = provider.RoleAssistant
			}
			select {
			case chunkCh <- chunk:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if s.StreamErr != nil {
			errCh <- s.StreamErr
			return
		}
		chunkCh <- provider.CompletionChunk{ID: "chatcmpl-stub", Model: req.Model, FinishReason: "stop"}
	}()
	return chunkCh, errCh
}

// Calls 返回已记录请求的副本
func (s *Stub) Calls() []provider.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.CompletionRequest(nil), s.calls...)
}

// CallsFor 返回指定模型的请求
func (s *Stub) CallsFor(model string) []provider.CompletionRequest {
	var out []provider.CompletionRequest
	for _, c := range s.Calls() {
		if c.Model == model {
			out = append(out, c)
		}
	}
	return out
}

func (s *Stub) record(req *provider.CompletionRequest) {
	cp := *req
	cp.Messages = append([]provider.Message(nil), req.Messages...)
	s.mu.Lock()
	s.calls = append(s.calls, cp)
	s.mu.Unlock()
}

// Reply 构造一条 assistant 响应
func Reply(model, content string) *provider.CompletionResponse {
	return &provider.CompletionResponse{
		ID:           "chatcmpl-stub",
		Message:      provider.Assistant(content),
		Model:        model,
		FinishReason: "stop",
		Usage:        provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}
}
