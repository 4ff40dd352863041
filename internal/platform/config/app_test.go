package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnvOverlay(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "9090")
	t.Setenv("CHAT_VARIANT", " Stream ")
	t.Setenv("COMPLETION_TIMEOUT", "5")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8081/v1/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Chat.Variant != VariantStream {
		t.Errorf("expected variant stream, got %q", cfg.Chat.Variant)
	}
	if cfg.CompletionTimeout() != 5*time.Second {
		t.Errorf("unexpected completion timeout %v", cfg.CompletionTimeout())
	}
	if cfg.OpenAI.BaseURL != "http://localhost:8081/v1" {
		t.Errorf("trailing slash should be trimmed, got %q", cfg.OpenAI.BaseURL)
	}
	if cfg.Chat.ResponderModel != "gpt-4o" || cfg.Summary.Model != "gpt-4o-mini" {
		t.Errorf("unexpected default models: %+v %+v", cfg.Chat, cfg.Summary)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when OPENAI_API_KEY is missing")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatrelay.yaml")
	content := `
log_level: debug
openai:
  api_key: sk-from-file
chat:
  variant: basic
  model: gpt-4-turbo
summary:
  store: sqlite
sqlite:
  path: /tmp/summaries.db
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-from-file" {
		t.Errorf("api key should come from file, got %q", cfg.OpenAI.APIKey)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("env should override file, got %q", cfg.LogLevel)
	}
	if cfg.Chat.Model != "gpt-4-turbo" || cfg.Summary.Store != StoreSQLite {
		t.Errorf("unexpected chat/summary config: %+v %+v", cfg.Chat, cfg.Summary)
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatrelay.json")
	if err := os.WriteFile(path, []byte(`{"openai":{"api_key":"sk-json"},"server":{"port":4000}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 4000 || cfg.Addr() != "0.0.0.0:4000" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
}

func TestValidateStoreRequirements(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{"memory", func(c *AppConfig) {}, false},
		{"redis without url", func(c *AppConfig) { c.Summary.Store = StoreRedis }, true},
		{"redis with url", func(c *AppConfig) { c.Summary.Store = StoreRedis; c.Redis.URL = "redis://localhost:6379" }, false},
		{"postgres without url", func(c *AppConfig) { c.Summary.Store = StorePostgres }, true},
		{"sqlite without path", func(c *AppConfig) { c.Summary.Store = StoreSQLite; c.SQLite.Path = "" }, true},
		{"unknown store", func(c *AppConfig) { c.Summary.Store = "mongo" }, true},
		{"unknown variant", func(c *AppConfig) { c.Chat.Variant = "graph" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.OpenAI.APIKey = "sk-test"
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
