package conversation

import (
	"context"
	"time"

	"chatrelay/internal/provider"
)

// Hooks 可选观测回调（日志 / 指标 / 测试），字段可为 nil
type Hooks struct {
	// OnState 每次进入新的 TurnState 时调用
	OnState func(ctx context.Context, state TurnState)
	// OnCompletion 每次 CompletionClient 调用结束时调用
	OnCompletion func(stage Stage, model string, elapsed time.Duration, err error)
}

func (h *Hooks) state(ctx context.Context, s TurnState) {
	if h != nil && h.OnState != nil {
		h.OnState(ctx, s)
	}
}

func (h *Hooks) completion(stage Stage, model string, elapsed time.Duration, err error) {
	if h != nil && h.OnCompletion != nil {
		h.OnCompletion(stage, model, elapsed, err)
	}
}

// completer 对 CompletionClient 调用加超时，并把错误统一包装为 CompletionFailure
type completer struct {
	client  provider.LLMProvider
	timeout time.Duration
	hooks   *Hooks
}

func (c *completer) complete(ctx context.Context, stage Stage, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.client.Complete(callCtx, req)
	if err == nil && resp == nil {
		err = &provider.UpstreamError{Provider: c.client.Name(), Kind: provider.UpstreamBadResponse, Cause: ErrEmptyCompletion}
	}
	c.hooks.completion(stage, req.Model, time.Since(start), err)

	if err != nil {
		return nil, &CompletionFailure{
			Stage: stage,
			Model: req.Model,
			Cause: provider.AsUpstream(c.client.Name(), err),
		}
	}
	return resp, nil
}
