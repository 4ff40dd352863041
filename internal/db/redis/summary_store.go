package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
)

const summaryKeyPrefix = "chat:v1:summary:"

// SummaryStore 基于 Redis 的摘要存储（JSON 序列化）
type SummaryStore struct {
	client *redis.Client
	ttl    time.Duration // 0 表示不过期
}

// SummaryStoreConfig Redis 摘要存储配置
type SummaryStoreConfig struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewSummaryStore 创建 Redis 摘要存储
func NewSummaryStore(cfg SummaryStoreConfig) *SummaryStore {
	applog.Info("[Summary/Redis] Initialized", "ttl", cfg.TTL)
	return &SummaryStore{client: cfg.Client, ttl: cfg.TTL}
}

func summaryKey(conversationID string) string {
	return summaryKeyPrefix + conversationID
}

func (s *SummaryStore) Load(ctx context.Context, conversationID string) (*conversation.Summary, error) {
	data, err := s.client.Get(ctx, summaryKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		applog.Debug("[Summary/Redis] No summary", "conversation_id", conversationID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis load summary: %w", err)
	}

	var summary conversation.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("redis decode summary: %w", err)
	}
	applog.Debug("[Summary/Redis] 📥 Loaded",
		"conversation_id", conversationID,
		"turns_covered", summary.TurnsCovered,
	)
	return &summary, nil
}

func (s *SummaryStore) Save(ctx context.Context, summary *conversation.Summary) error {
	if summary == nil || summary.ConversationID == "" {
		return conversation.ErrConversationIDRequired
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("redis encode summary: %w", err)
	}
	if err := s.client.Set(ctx, summaryKey(summary.ConversationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save summary: %w", err)
	}
	applog.Debug("[Summary/Redis] 💾 Saved",
		"conversation_id", summary.ConversationID,
		"turns_covered", summary.TurnsCovered,
		"summary_length", len(summary.Content),
	)
	return nil
}

func (s *SummaryStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, summaryKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis delete summary: %w", err)
	}
	return nil
}
