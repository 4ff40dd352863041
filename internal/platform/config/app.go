package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 聊天服务变体
const (
	VariantBasic  = "basic"
	VariantStream = "stream"
	VariantThread = "thread"
)

// 摘要存储后端
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string         `json:"log_level" yaml:"log_level"`
	LogFormat string         `json:"log_format" yaml:"log_format"`
	Server    ServerConfig   `json:"server" yaml:"server"`
	Database  DatabaseConfig `json:"database" yaml:"database"`
	Redis     RedisConfig    `json:"redis" yaml:"redis"`
	SQLite    SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Auth      AuthConfig     `json:"auth" yaml:"auth"`
	OpenAI    OpenAIConfig   `json:"openai" yaml:"openai"`
	Chat      ChatConfig     `json:"chat" yaml:"chat"`
	Summary   SummaryConfig  `json:"summary" yaml:"summary"`
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                    string `json:"url" yaml:"url"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer" yaml:"jwt_issuer"`
}

type OpenAIConfig struct {
	APIKey                string `json:"api_key" yaml:"api_key"`
	BaseURL               string `json:"base_url" yaml:"base_url"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
}

// ChatConfig 聊天变体与模型
type ChatConfig struct {
	Variant                  string `json:"variant" yaml:"variant"`
	Model                    string `json:"model" yaml:"model"`                     // basic / stream 使用
	ResponderModel           string `json:"responder_model" yaml:"responder_model"` // thread 回答
	CompletionTimeoutSeconds int    `json:"completion_timeout_seconds" yaml:"completion_timeout_seconds"`
}

// SummaryConfig 摘要模型与存储
type SummaryConfig struct {
	Model      string `json:"model" yaml:"model"`
	Store      string `json:"store" yaml:"store"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"` // 0 表示不过期
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   3000,
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    600,
			ShutdownTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		SQLite: SQLiteConfig{
			Path: "chatrelay.db",
		},
		OpenAI: OpenAIConfig{
			BaseURL:               "https://api.openai.com/v1",
			ConnectTimeoutSeconds: 10,
		},
		Chat: ChatConfig{
			Variant:                  VariantThread,
			Model:                    "gpt-4",
			ResponderModel:           "gpt-4o",
			CompletionTimeoutSeconds: 60,
		},
		Summary: SummaryConfig{
			Model: "gpt-4o-mini",
			Store: StoreMemory,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON，.yaml/.yml 按 YAML 解析）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)
	applyString("SQLITE_PATH", &c.SQLite.Path)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	applyInt("OPENAI_CONNECT_TIMEOUT", &c.OpenAI.ConnectTimeoutSeconds)

	applyString("CHAT_VARIANT", &c.Chat.Variant)
	applyString("CHAT_MODEL", &c.Chat.Model)
	applyString("RESPONDER_MODEL", &c.Chat.ResponderModel)
	applyInt("COMPLETION_TIMEOUT", &c.Chat.CompletionTimeoutSeconds)

	applyString("SUMMARIZER_MODEL", &c.Summary.Model)
	applyString("SUMMARY_STORE", &c.Summary.Store)
	applyInt("SUMMARY_TTL", &c.Summary.TTLSeconds)
}

func (c *AppConfig) normalize() {
	c.OpenAI.BaseURL = strings.TrimRight(strings.TrimSpace(c.OpenAI.BaseURL), "/")
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	c.Chat.Variant = strings.ToLower(strings.TrimSpace(c.Chat.Variant))
	c.Summary.Store = strings.ToLower(strings.TrimSpace(c.Summary.Store))
	if c.Summary.Store == "" {
		c.Summary.Store = StoreMemory
	}
	if c.Chat.CompletionTimeoutSeconds < 0 {
		c.Chat.CompletionTimeoutSeconds = 0
	}
}

// Validate 校验必填项与枚举值
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	switch c.Chat.Variant {
	case VariantBasic, VariantStream, VariantThread:
	default:
		return fmt.Errorf("CHAT_VARIANT must be one of basic|stream|thread, got %q", c.Chat.Variant)
	}
	switch c.Summary.Store {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.Redis.URL) == "" {
			return fmt.Errorf("REDIS_URL is required when SUMMARY_STORE=redis")
		}
	case StorePostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required when SUMMARY_STORE=postgres")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLite.Path) == "" {
			return fmt.Errorf("SQLITE_PATH is required when SUMMARY_STORE=sqlite")
		}
	default:
		return fmt.Errorf("SUMMARY_STORE must be one of memory|redis|postgres|sqlite, got %q", c.Summary.Store)
	}
	return nil
}

// CompletionTimeout 单次上游调用超时；0 表示不限制
func (c *AppConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.Chat.CompletionTimeoutSeconds) * time.Second
}

// SummaryTTL 摘要过期时间；0 表示不过期
func (c *AppConfig) SummaryTTL() time.Duration {
	return time.Duration(c.Summary.TTLSeconds) * time.Second
}

func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}
