package bootstrap

import (
	"fmt"

	"chatrelay/internal/adapter/provider/llm/openai"
	"chatrelay/internal/platform/config"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

// RegisterLLMProviders 注册配置中的 LLM provider，并返回聊天使用的 provider。
func RegisterLLMProviders(cfg config.OpenAIConfig) (provider.LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	p := openai.New(openai.Config{
		APIKey:                cfg.APIKey,
		BaseURL:               cfg.BaseURL,
		ConnectTimeoutSeconds: cfg.ConnectTimeoutSeconds,
	})
	provider.RegisterProvider(p)
	applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), cfg.BaseURL)

	return provider.GetProvider(p.Name())
}
