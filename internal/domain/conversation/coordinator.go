package conversation

import (
	"context"
	"fmt"
	"time"

	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

// DefaultConversationID 未指定会话时使用的会话
const DefaultConversationID = "default"

// releaseTimeout 释放锁 / 提交摘要时使用的独立超时（不受请求取消影响）
const releaseTimeout = 5 * time.Second

// DemoMessages /api/demo 依次驱动的三轮固定输入
var DemoMessages = []provider.Message{
	provider.User("Hi! I'm Adam"),
	provider.User("How are you?"),
	provider.User("Do you know my name?"),
}

// Coordinator 会话协调器：按会话串行化"读摘要 → 处理轮次 → 提交摘要"，不同会话完全并行
type Coordinator struct {
	handler *TurnHandler
	store   SummaryStore
	lock    ConversationLock
}

// NewCoordinator 创建会话协调器（默认进程内锁）
func NewCoordinator(handler *TurnHandler, store SummaryStore) *Coordinator {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Coordinator{
		handler: handler,
		store:   store,
		lock:    NewLocalLock(),
	}
}

// WithLock 设置会话锁（链式调用），多实例部署时使用分布式锁
func (c *Coordinator) WithLock(lock ConversationLock) *Coordinator {
	if lock != nil {
		c.lock = lock
	}
	return c
}

// RunTurn 在会话锁内处理一轮。
// 仅当 responder 与 summarizer 都成功且请求未取消时才提交新摘要。
func (c *Coordinator) RunTurn(ctx context.Context, conversationID string, user provider.Message) (*TurnResult, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	if user.Role != provider.RoleUser {
		return nil, NewValidationError("role", fmt.Sprintf("turn message must have role %q, got %q", provider.RoleUser, user.Role))
	}

	ctx = WithConversationID(ctx, conversationID)

	unlock, err := c.lock.Acquire(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquire conversation lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := unlock(releaseCtx); err != nil {
			applog.Warn("[Chat/Coordinator] ⚠️ Failed to release conversation lock",
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}()

	current, err := c.store.Load(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	var currentText string
	turns := 0
	if current != nil {
		currentText = current.Content
		turns = current.TurnsCovered
	}

	result, err := c.handler.HandleTurn(ctx, currentText, user)
	if err != nil {
		return nil, err
	}
	if !result.SummaryUpdated {
		return result, nil
	}

	// 客户端已断开：回答不会送达，丢弃本轮摘要
	if err := ctx.Err(); err != nil {
		applog.Warn("[Chat/Coordinator] ⚠️ Request canceled before commit, summary discarded",
			"conversation_id", conversationID,
			"error", err,
		)
		return nil, err
	}

	next := &Summary{
		ConversationID: conversationID,
		Content:        result.Summary,
		TurnsCovered:   turns + 1,
		UpdatedAt:      time.Now(),
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.store.Save(saveCtx, next); err != nil {
		applog.Error("[Chat/Coordinator] ❌ Failed to commit summary",
			"conversation_id", conversationID,
			"error", err,
		)
		result.Summary = currentText
		result.SummaryUpdated = false
		result.SummaryErr = fmt.Errorf("[%s] save summary: %w", CodeStoreFailed, err)
		return result, nil
	}

	applog.Info("[Chat/Coordinator] ✅ Summary committed",
		"conversation_id", conversationID,
		"turns_covered", next.TurnsCovered,
	)
	return result, nil
}

// Summary 读取会话当前摘要（不加锁）；不存在时返回 (nil, nil)
func (c *Coordinator) Summary(ctx context.Context, conversationID string) (*Summary, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	if p, ok := c.store.(SummaryPeeker); ok {
		return p.Peek(ctx, conversationID)
	}
	return c.store.Load(ctx, conversationID)
}

// Reset 清空会话摘要（同样在会话锁内执行）
func (c *Coordinator) Reset(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrConversationIDRequired
	}
	unlock, err := c.lock.Acquire(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("acquire conversation lock: %w", err)
	}
	defer unlock(context.WithoutCancel(ctx))
	return c.store.Delete(ctx, conversationID)
}

// DemoTurn 演示中的一轮
type DemoTurn struct {
	User   provider.Message `json:"user"`
	Result *TurnResult      `json:"result"`
}

// RunDemo 在指定会话上依次执行 DemoMessages；任一轮失败即中止
func (c *Coordinator) RunDemo(ctx context.Context, conversationID string) ([]DemoTurn, error) {
	turns := make([]DemoTurn, 0, len(DemoMessages))
	for i, msg := range DemoMessages {
		applog.Info("[Chat/Demo] --- NEXT TURN ---",
			"conversation_id", conversationID,
			"turn", i+1,
			"user", msg.Content,
		)
		result, err := c.RunTurn(ctx, conversationID, msg)
		if err != nil {
			return turns, fmt.Errorf("demo turn %d: %w", i+1, err)
		}
		applog.Info("[Chat/Demo] Assistant",
			"conversation_id", conversationID,
			"turn", i+1,
			"assistant", result.Assistant.Content,
		)
		turns = append(turns, DemoTurn{User: msg, Result: result})
	}
	return turns, nil
}
