package redisdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain/conversation"
	applog "chatrelay/internal/platform/log"
)

const lockKeyPrefix = "chat:v1:lock:"

// 仅当 value 仍是本次持有的 token 时才删除，避免误删他人重新获取的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 仍持有锁时续期
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ConversationLock 基于 Redis SETNX 的分布式会话锁，多实例部署时替代进程内锁。
// 持有期间每 ttl/3 续期一次，直到 Unlock；轮次耗时不受 ttl 限制。
type ConversationLock struct {
	client        *redis.Client
	ttl           time.Duration
	pollInterval  time.Duration
	renewInterval time.Duration
}

// NewConversationLock 创建分布式会话锁。ttl 默认 3 分钟，
// 只决定持有实例崩溃后锁多久自动失效。
func NewConversationLock(client *redis.Client, ttl time.Duration) *ConversationLock {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &ConversationLock{
		client:        client,
		ttl:           ttl,
		pollInterval:  50 * time.Millisecond,
		renewInterval: ttl / 3,
	}
}

// Acquire 轮询 SETNX 直到获得锁或 ctx 结束
func (l *ConversationLock) Acquire(ctx context.Context, conversationID string) (conversation.Unlock, error) {
	key := lockKeyPrefix + conversationID
	token := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			applog.Warn("[ConversationLock] Failed to acquire lock",
				"conversation_id", conversationID,
				"error", err,
			)
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if acquired {
			applog.Debug("[ConversationLock] Lock acquired", "conversation_id", conversationID)
			return l.unlockFunc(key, token, conversationID), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// renew 定期续期，直到 stop 关闭或发现锁已不属于自己
func (l *ConversationLock) renew(key, token, conversationID string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.renewInterval)
		n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			applog.Warn("[ConversationLock] ⚠️ Failed to renew lock",
				"conversation_id", conversationID,
				"error", err,
			)
			continue
		}
		if n == 0 {
			applog.Warn("[ConversationLock] ⚠️ Lock lost before release", "conversation_id", conversationID)
			return
		}
	}
}

func (l *ConversationLock) unlockFunc(key, token, conversationID string) conversation.Unlock {
	stop := make(chan struct{})
	go l.renew(key, token, conversationID, stop)

	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				applog.Warn("[ConversationLock] Failed to release lock",
					"conversation_id", conversationID,
					"error", err,
				)
				releaseErr = err
				return
			}
			applog.Debug("[ConversationLock] Lock released", "conversation_id", conversationID)
		})
		return releaseErr
	}
}
