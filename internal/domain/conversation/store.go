package conversation

import (
	"context"
	"sync"
	"time"
)

// Summary 会话摘要（每个会话任一时刻只有一个当前值，更新即整体替换）
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`       // 摘要文本
	TurnsCovered   int       `json:"turns_covered"` // 已覆盖的轮次数
	UpdatedAt      time.Time `json:"updated_at"`    // 最后更新时间
}

// SummaryStore 摘要存储；Load 在不存在时返回 (nil, nil)
type SummaryStore interface {
	Load(ctx context.Context, conversationID string) (*Summary, error)
	Save(ctx context.Context, summary *Summary) error
	Delete(ctx context.Context, conversationID string) error
}

// SummaryPeeker 可选接口：无副作用的读取（不回填缓存）。
// 不持有会话锁的读路径优先使用它，避免把旧值写回缓存。
type SummaryPeeker interface {
	Peek(ctx context.Context, conversationID string) (*Summary, error)
}

// MemoryStore 进程内摘要存储
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[string]Summary
}

// NewMemoryStore 创建进程内存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{summaries: make(map[string]Summary)}
}

func (s *MemoryStore) Load(_ context.Context, conversationID string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[conversationID]
	if !ok {
		return nil, nil
	}
	return &sum, nil
}

func (s *MemoryStore) Save(_ context.Context, summary *Summary) error {
	if summary == nil || summary.ConversationID == "" {
		return ErrConversationIDRequired
	}
	cp := *summary
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.summaries[cp.ConversationID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.summaries, conversationID)
	s.mu.Unlock()
	return nil
}
