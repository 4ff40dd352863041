package conversation

import (
	"strings"

	"chatrelay/internal/provider"
)

const (
	// Persona 有状态对话的固定人设
	Persona = "You are Alice, a helpful assistant who speaks using as few words as possible."

	// BriefPersona 无状态代理（basic / stream）的固定 system prompt
	BriefPersona = "You are a helpful assistant who speaks using as fewest words as possible."

	// NoPreviousSummary 首轮摘要时的占位文本
	NoPreviousSummary = "No previous summary"

	// SummaryInstruction 摘要请求的第二条消息
	SummaryInstruction = "Please create/update our conversation summary."

	summaryOpenTag  = "<conversation_summary>"
	summaryCloseTag = "</conversation_summary>"
)

// BuildSystemPrompt 构建 system prompt；summary 非空时才附加摘要块，内容原样嵌入
func BuildSystemPrompt(summary string) provider.Message {
	var sb strings.Builder
	sb.WriteString(Persona)
	sb.WriteString("\n")
	if summary != "" {
		sb.WriteString("Here is a summary of the conversation so far:\n")
		sb.WriteString(summaryOpenTag)
		sb.WriteString("\n")
		sb.WriteString(summary)
		sb.WriteString("\n")
		sb.WriteString(summaryCloseTag)
		sb.WriteString("\n")
	}
	sb.WriteString("Let's chat!")
	return provider.System(sb.String())
}

// BuildSummaryMessages 构建摘要请求：指令消息 + 固定的刷新请求
func BuildSummaryMessages(previous string, user, assistant provider.Message) []provider.Message {
	if previous == "" {
		previous = NoPreviousSummary
	}

	var sb strings.Builder
	sb.WriteString("Please summarize the following conversation in a concise manner:\n")
	sb.WriteString("<previous_summary>")
	sb.WriteString(previous)
	sb.WriteString("</previous_summary>\n")
	sb.WriteString("<current_turn>\n")
	sb.WriteString("User: ")
	sb.WriteString(user.Content)
	sb.WriteString("\nAssistant: ")
	sb.WriteString(assistant.Content)
	sb.WriteString("\n</current_turn>\n")

	return []provider.Message{
		provider.System(sb.String()),
		provider.User(SummaryInstruction),
	}
}
