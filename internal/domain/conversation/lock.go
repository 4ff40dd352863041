package conversation

import (
	"context"
	"sync"
)

// Unlock 释放会话锁；重复调用无副作用
type Unlock func(ctx context.Context) error

// ConversationLock 会话级互斥锁，覆盖"读取当前摘要"到"提交新摘要"的整个区间。
// Acquire 阻塞直到获得锁或 ctx 结束。
type ConversationLock interface {
	Acquire(ctx context.Context, conversationID string) (Unlock, error)
}

// LocalLock 进程内按会话分片的互斥锁；空闲会话的条目会被回收
type LocalLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLock 创建进程内会话锁
func NewLocalLock() *LocalLock {
	return &LocalLock{entries: make(map[string]*lockEntry)}
}

func (l *LocalLock) Acquire(ctx context.Context, conversationID string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.entries[conversationID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[conversationID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(conversationID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.sem
			l.unref(conversationID, e)
		})
		return nil
	}, nil
}

func (l *LocalLock) unref(conversationID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, conversationID)
	}
}

// size 当前持有或等待中的会话数
func (l *LocalLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
