package bootstrap

import (
	"context"
	"time"

	"chatrelay/internal/domain/conversation"
	"chatrelay/internal/platform/config"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

// LogHooks 记录状态迁移与上游调用耗时
func LogHooks() *conversation.Hooks {
	return &conversation.Hooks{
		OnState: func(ctx context.Context, s conversation.TurnState) {
			id := conversation.ConversationIDFromContext(ctx)
			applog.Debug("[Chat/State] Transition", "conversation_id", id, "state", s)
		},
		OnCompletion: func(stage conversation.Stage, model string, elapsed time.Duration, err error) {
			if err != nil {
				applog.Warn("[Chat/LLM] ⚠️ Completion failed",
					"stage", stage,
					"model", model,
					"elapsed", elapsed,
					"error", err,
				)
				return
			}
			applog.Debug("[Chat/LLM] Completion done", "stage", stage, "model", model, "elapsed", elapsed)
		},
	}
}

// BuildCoordinator 组装 summarizer → turn handler → coordinator
func BuildCoordinator(client provider.LLMProvider, cfg *config.AppConfig, stores *Stores, m *metrics.Metrics) *conversation.Coordinator {
	hooks := LogHooks()
	if m != nil {
		hooks = m.Hooks(hooks)
	}

	summarizer := conversation.NewSummarizer(client, conversation.SummarizerConfig{
		Model:   cfg.Summary.Model,
		Timeout: cfg.CompletionTimeout(),
		Hooks:   hooks,
	})
	handler := conversation.NewTurnHandler(client, summarizer, conversation.TurnHandlerConfig{
		ResponderModel: cfg.Chat.ResponderModel,
		Timeout:        cfg.CompletionTimeout(),
		Hooks:          hooks,
	})

	applog.Infof("✅ Conversation coordinator initialized (responder: %s, summarizer: %s, timeout: %s)",
		cfg.Chat.ResponderModel, cfg.Summary.Model, cfg.CompletionTimeout())

	return conversation.NewCoordinator(handler, stores.Summary).WithLock(stores.Lock)
}
