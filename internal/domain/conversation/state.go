package conversation

// TurnState 单个会话的轮次状态：Idle → AwaitingResponse → AwaitingSummary → Idle。
// 两条失败出口都直接回到 Idle，且不修改摘要。
type TurnState string

const (
	StateIdle             TurnState = "idle"
	StateAwaitingResponse TurnState = "awaiting_response"
	StateAwaitingSummary  TurnState = "awaiting_summary"
)
