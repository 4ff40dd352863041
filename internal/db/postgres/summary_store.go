// Package postgres PostgreSQL 摘要存储（可选 Redis 读缓存）。
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
)

// SummaryStore PostgreSQL + Redis 缓存实现的摘要存储
type SummaryStore struct {
	db       *sql.DB
	rds      *redis.Client // 可为 nil（无缓存模式）
	cacheTTL time.Duration
}

// SummaryStoreConfig 配置
type SummaryStoreConfig struct {
	DB       *sql.DB
	Redis    *redis.Client // 可选，nil 则不缓存
	CacheTTL time.Duration // Redis 缓存 TTL，默认 30 分钟
}

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open 打开并 Ping PostgreSQL
func Open(ctx context.Context, url string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewSummaryStore 创建 PostgreSQL 摘要存储
func NewSummaryStore(cfg SummaryStoreConfig) *SummaryStore {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	applog.Info("[Summary/PG] Initialized",
		"has_redis_cache", cfg.Redis != nil,
		"cache_ttl", ttl,
	)
	return &SummaryStore{
		db:       cfg.DB,
		rds:      cfg.Redis,
		cacheTTL: ttl,
	}
}

// EnsureTable 确保 conversation_summaries 表存在
func (s *SummaryStore) EnsureTable(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS conversation_summaries (
		conversation_id VARCHAR(255) PRIMARY KEY,
		summary         TEXT NOT NULL DEFAULT '',
		turns_covered   INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		applog.Error("[Summary/PG] ❌ Failed to create table", "error", err)
		return err
	}
	applog.Info("[Summary/PG] ✅ Table ready")
	return nil
}

func cacheKey(conversationID string) string {
	return "chat:v1:pgsummary:" + conversationID
}

// Load 先查 Redis 缓存，miss 则查 PG 并回填缓存。
// 回填使用 SET NX，已有的（Save 写入的）新值不会被覆盖。
func (s *SummaryStore) Load(ctx context.Context, conversationID string) (*conversation.Summary, error) {
	return s.load(ctx, conversationID, true)
}

// Peek 与 Load 相同但不回填缓存，供不持有会话锁的读路径使用
func (s *SummaryStore) Peek(ctx context.Context, conversationID string) (*conversation.Summary, error) {
	return s.load(ctx, conversationID, false)
}

func (s *SummaryStore) load(ctx context.Context, conversationID string, fill bool) (*conversation.Summary, error) {
	if cached, ok := s.getCache(ctx, conversationID); ok {
		return cached, nil
	}

	summary := conversation.Summary{ConversationID: conversationID}
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, turns_covered, updated_at FROM conversation_summaries WHERE conversation_id = $1`,
		conversationID,
	).Scan(&summary.Content, &summary.TurnsCovered, &summary.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		applog.Error("[Summary/PG] ❌ PG query failed", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("pg load summary: %w", err)
	}

	applog.Debug("[Summary/PG] 📥 Loaded from PG",
		"conversation_id", conversationID,
		"turns_covered", summary.TurnsCovered,
		"fill_cache", fill,
	)
	if fill {
		s.fillCache(ctx, &summary)
	}
	return &summary, nil
}

func (s *SummaryStore) getCache(ctx context.Context, conversationID string) (*conversation.Summary, bool) {
	if s.rds == nil {
		return nil, false
	}
	cached, err := s.rds.Get(ctx, cacheKey(conversationID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			applog.Warn("[Summary/PG] Cache read failed", "conversation_id", conversationID, "error", err)
		}
		return nil, false
	}
	var summary conversation.Summary
	if json.Unmarshal(cached, &summary) != nil {
		applog.Warn("[Summary/PG] Cache data corrupted, falling through to PG",
			"conversation_id", conversationID,
		)
		return nil, false
	}
	applog.Debug("[Summary/PG] 🎯 Cache HIT",
		"conversation_id", conversationID,
		"turns_covered", summary.TurnsCovered,
	)
	return &summary, true
}

// Save 写 PG，成功后把新值写入 Redis 缓存
func (s *SummaryStore) Save(ctx context.Context, summary *conversation.Summary) error {
	if summary == nil || summary.ConversationID == "" {
		return conversation.ErrConversationIDRequired
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_summaries (conversation_id, summary, turns_covered, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET summary = EXCLUDED.summary,
		     turns_covered = EXCLUDED.turns_covered,
		     updated_at = EXCLUDED.updated_at`,
		summary.ConversationID, summary.Content, summary.TurnsCovered, summary.UpdatedAt,
	)
	if err != nil {
		applog.Error("[Summary/PG] ❌ PG save failed", "conversation_id", summary.ConversationID, "error", err)
		return fmt.Errorf("pg save summary: %w", err)
	}

	s.setCache(ctx, summary)
	return nil
}

// Delete 删除 PG 记录并失效缓存
func (s *SummaryStore) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_summaries WHERE conversation_id = $1`, conversationID,
	); err != nil {
		return fmt.Errorf("pg delete summary: %w", err)
	}
	s.invalidate(ctx, conversationID)
	return nil
}

func (s *SummaryStore) invalidate(ctx context.Context, conversationID string) {
	if s.rds == nil {
		return
	}
	if err := s.rds.Del(ctx, cacheKey(conversationID)).Err(); err != nil {
		applog.Warn("[Summary/PG] ⚠️ Failed to invalidate cache",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

// setCache 覆盖写入缓存；写失败时删除旧值，避免缓存落后于 PG
func (s *SummaryStore) setCache(ctx context.Context, summary *conversation.Summary) {
	if s.rds == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err == nil {
		err = s.rds.Set(ctx, cacheKey(summary.ConversationID), data, s.cacheTTL).Err()
	}
	if err != nil {
		applog.Warn("[Summary/PG] ⚠️ Failed to set cache",
			"conversation_id", summary.ConversationID,
			"error", err,
		)
		s.invalidate(ctx, summary.ConversationID)
	}
}

// fillCache 仅在缓存为空时回填
func (s *SummaryStore) fillCache(ctx context.Context, summary *conversation.Summary) {
	if s.rds == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := s.rds.SetNX(ctx, cacheKey(summary.ConversationID), data, s.cacheTTL).Err(); err != nil {
		applog.Warn("[Summary/PG] ⚠️ Failed to fill cache",
			"conversation_id", summary.ConversationID,
			"error", err,
		)
	}
}
