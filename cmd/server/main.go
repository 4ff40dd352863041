package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"chatrelay/internal/api"
	"chatrelay/internal/app/bootstrap"
	"chatrelay/internal/platform/config"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Chat completion proxy with rolling conversation summaries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), demoCmd(), configCmd())
	return root
}

// loadConfig 加载配置并初始化日志，返回刷盘函数
func loadConfig(variant string) (*config.AppConfig, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config load failed: %w", err)
	}
	if variant != "" {
		cfg.Chat.Variant = variant
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	flush := applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	return cfg, flush, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			variant, _ := cmd.Flags().GetString("variant")
			cfg, flush, err := loadConfig(variant)
			if err != nil {
				return err
			}
			defer flush()
			return serve(cfg)
		},
	}
	cmd.Flags().String("variant", "", "Chat variant: basic | stream | thread (overrides CHAT_VARIANT)")
	return cmd
}

func serve(cfg *config.AppConfig) error {
	client, err := bootstrap.RegisterLLMProviders(cfg.OpenAI)
	if err != nil {
		return err
	}

	m := metrics.New()
	deps := api.Deps{Client: client, Metrics: m}

	if cfg.Chat.Variant == config.VariantThread {
		stores, err := bootstrap.BuildStores(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer stores.Close()
		deps.Coordinator = bootstrap.BuildCoordinator(client, cfg, stores, m)
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.Variant = cfg.Chat.Variant
	serverConfig.Model = cfg.Chat.Model
	serverConfig.CompletionTimeout = cfg.CompletionTimeout()
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	if cfg.Auth.JWTSecret == "" {
		applog.Warn("⚠️  No JWT_SECRET set, chat routes are unauthenticated")
	}
	server := api.NewServer(serverConfig, deps)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	applog.Info("👋 Server stopped")
	return nil
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the three-turn summary demo against the configured upstream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := loadConfig(config.VariantThread)
			if err != nil {
				return err
			}
			defer flush()

			client, err := bootstrap.RegisterLLMProviders(cfg.OpenAI)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stores, err := bootstrap.BuildStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			coord := bootstrap.BuildCoordinator(client, cfg, stores, nil)
			conversationID := uuid.NewString()
			turns, err := coord.RunDemo(ctx, conversationID)
			out := cmd.OutOrStdout()
			for _, t := range turns {
				fmt.Fprintln(out, "--- NEXT TURN ---")
				fmt.Fprintln(out, "Adam:", t.User.Content)
				fmt.Fprintln(out, "Alice:", t.Result.Assistant.Content)
			}
			if err != nil {
				return err
			}

			summary, err := coord.Summary(ctx, conversationID)
			if err != nil {
				return err
			}
			if summary != nil {
				fmt.Fprintf(out, "\nSummary (%d turns):\n%s\n", summary.TurnsCovered, summary.Content)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration from env / APP_CONFIG_FILE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (variant: %s, store: %s, addr: %s)\n",
				cfg.Chat.Variant, cfg.Summary.Store, cfg.Addr())
			return nil
		},
	})
	return cmd
}
