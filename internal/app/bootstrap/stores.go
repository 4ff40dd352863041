package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/db/postgres"
	redisdb "chatrelay/internal/db/redis"
	"chatrelay/internal/db/sqlite"
	"chatrelay/internal/domain/conversation"
	"chatrelay/internal/platform/config"
	applog "chatrelay/internal/platform/log"
)

const connectTimeout = 10 * time.Second

// Stores 摘要存储、会话锁及其清理函数
type Stores struct {
	Summary conversation.SummaryStore
	Lock    conversation.ConversationLock
	closers []func() error
}

// Close 逆序关闭底层连接
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			applog.Warn("⚠️  Failed to close store", "error", err)
		}
	}
}

// BuildStores 按 SUMMARY_STORE 构建存储。
// 配置了 REDIS_URL 时，会话锁使用 Redis 分布式锁（多实例共享），否则为进程内锁。
func BuildStores(ctx context.Context, cfg *config.AppConfig) (*Stores, error) {
	s := &Stores{}

	var rds *redis.Client
	if cfg.Redis.URL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		client, err := redisdb.Connect(pingCtx, cfg.Redis.URL)
		cancel()
		if err != nil {
			return nil, err
		}
		rds = client
		s.closers = append(s.closers, client.Close)
		applog.Info("✅ Connected to Redis")
	}

	switch cfg.Summary.Store {
	case config.StoreMemory:
		s.Summary = conversation.NewMemoryStore()

	case config.StoreRedis:
		s.Summary = redisdb.NewSummaryStore(redisdb.SummaryStoreConfig{Client: rds, TTL: cfg.SummaryTTL()})

	case config.StorePostgres:
		openCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		db, err := postgres.Open(openCtx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		applog.Info("✅ Connected to PostgreSQL")

		store := postgres.NewSummaryStore(postgres.SummaryStoreConfig{DB: db, Redis: rds, CacheTTL: cfg.SummaryTTL()})
		if err := store.EnsureTable(openCtx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ensure conversation_summaries: %w", err)
		}
		s.Summary = store

	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.Summary = store

	default:
		s.Close()
		return nil, fmt.Errorf("unknown SUMMARY_STORE %q", cfg.Summary.Store)
	}

	if rds != nil {
		s.Lock = redisdb.NewConversationLock(rds, lockTTL(cfg))
	} else {
		s.Lock = conversation.NewLocalLock()
	}

	applog.Infof("✅ Summary store ready (store: %s, distributed_lock: %t)", cfg.Summary.Store, rds != nil)
	return s, nil
}

// lockTTL 覆盖一整轮的两次上游调用，额外留出余量
func lockTTL(cfg *config.AppConfig) time.Duration {
	timeout := cfg.CompletionTimeout()
	if timeout <= 0 {
		return 0
	}
	return 2*timeout + 30*time.Second
}
