package conversation

import "context"

type contextKey int

const (
	conversationIDKey contextKey = iota
)

// WithConversationID 将 conversation_id 注入 context
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext 从 context 获取 conversation_id
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey).(string)
	return id
}
