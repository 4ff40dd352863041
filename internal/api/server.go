package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

// 服务变体（/api/chat 路由互斥，一个进程只挂载一种）
const (
	VariantBasic  = "basic"
	VariantStream = "stream"
	VariantThread = "thread"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	Variant           string
	Model             string        // basic / stream 使用的模型
	CompletionTimeout time.Duration // basic / stream 单次上游调用超时
	JWTSecret         string        // 为空时不启用鉴权
	JWTIssuer         string        // 可选签发者校验
	WSOriginPatterns  []string      // 允许跨域的 WebSocket 来源
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:              "0.0.0.0",
		Port:              3000,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // SSE 需要较长写超时
		Variant:           VariantThread,
		Model:             "gpt-4",
		CompletionTimeout: 60 * time.Second,
	}
}

// Deps 服务依赖；Coordinator 仅 thread 变体需要
type Deps struct {
	Client      provider.LLMProvider
	Coordinator *conversation.Coordinator
	Metrics     *metrics.Metrics
}

// Server HTTP 服务器
type Server struct {
	config  *ServerConfig
	deps    Deps
	httpSrv *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, deps Deps) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Server{config: config, deps: deps}
}

// Start 启动服务器
func (s *Server) Start() error {
	r, err := s.buildRouter()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 Chat API server (%s) starting on %s", s.config.Variant, addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	r, err := s.buildRouter()
	if err != nil {
		panic(err)
	}
	return r
}

type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

func (s *Server) buildRouter() (http.Handler, error) {
	chat, err := s.chatHandler()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "variant": s.config.Variant})
	})
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.config.JWTSecret != "" {
			r.Use(authMiddleware(&JWTConfig{Secret: s.config.JWTSecret, Issuer: s.config.JWTIssuer}))
		}
		chat.RegisterRoutes(r)
	})
	return r, nil
}

func (s *Server) chatHandler() (routeRegistrar, error) {
	if s.deps.Client == nil {
		return nil, fmt.Errorf("completion client is required")
	}
	switch s.config.Variant {
	case VariantBasic:
		return NewBasicChatHandler(s.deps.Client, s.config.Model, s.config.CompletionTimeout, s.deps.Metrics), nil
	case VariantStream:
		return NewStreamChatHandler(s.deps.Client, s.config.Model, s.config.CompletionTimeout, s.deps.Metrics).
			WithOriginPatterns(s.config.WSOriginPatterns), nil
	case VariantThread:
		if s.deps.Coordinator == nil {
			return nil, fmt.Errorf("thread variant requires a conversation coordinator")
		}
		return NewThreadChatHandler(s.deps.Coordinator, s.deps.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown variant %q", s.config.Variant)
	}
}

// metricsMiddleware 按路由模板记录请求数
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.ObserveHTTP(route, strconv.Itoa(status))
	})
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Conversation-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Conversation-UUID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
