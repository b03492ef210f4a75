package agentloop

import (
	"time"

	"github.com/martinemde/conductor/unifiedllm"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleOperator  MessageRole = "operator"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSummary   MessageRole = "summary"
)

// summaryPrefix introduces a summary message when it is sent to the model.
const summaryPrefix = "Summary of the earlier conversation:\n"

// Message is a single entry in a session's conversation.
type Message struct {
	Role      MessageRole           `json:"role"`
	Content   string                `json:"content"`
	ToolCalls []unifiedllm.ToolCall `json:"tool_calls,omitempty"`

	// Tool results only.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// OperatorMessage creates an operator message.
func OperatorMessage(text string) Message {
	return Message{Role: RoleOperator, Content: text, Timestamp: time.Now()}
}

// AssistantMessage creates an assistant message with optional tool calls.
func AssistantMessage(text string, calls []unifiedllm.ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls, Timestamp: time.Now()}
}

// ToolMessage creates a tool result message.
func ToolMessage(callID, name, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   name,
		IsError:    isError,
		Timestamp:  time.Now(),
	}
}

// SummaryMessage creates a message that stands in for a summarized prefix.
func SummaryMessage(text string) Message {
	return Message{Role: RoleSummary, Content: text, Timestamp: time.Now()}
}

// Conversation is the ordered message history of a session. It only grows by
// Append; ContextBudget.Summarize produces a new Conversation whose prefix is
// replaced by a single summary message.
type Conversation struct {
	messages []Message
}

// NewConversation returns a conversation holding a copy of msgs.
func NewConversation(msgs ...Message) Conversation {
	c := Conversation{messages: make([]Message, len(msgs))}
	copy(c.messages, msgs)
	return c
}

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(m Message) {
	c.messages = append(c.messages, m)
}

// Len returns the number of messages.
func (c Conversation) Len() int { return len(c.messages) }

// Messages returns a copy of the messages.
func (c Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Last returns the final message and whether one exists.
func (c Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// ToLLMMessages renders the conversation for a model request, prepending
// systemPrompt when it is non-empty.
func (c Conversation) ToLLMMessages(systemPrompt string) []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(c.messages)+1)
	if systemPrompt != "" {
		out = append(out, unifiedllm.SystemMessage(systemPrompt))
	}
	for _, m := range c.messages {
		out = append(out, m.toLLM())
	}
	return out
}

func (m Message) toLLM() unifiedllm.Message {
	switch m.Role {
	case RoleAssistant:
		msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
		if m.Content != "" {
			msg.Content = append(msg.Content, unifiedllm.TextPart(m.Content))
		}
		for _, tc := range m.ToolCalls {
			msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
		}
		return msg
	case RoleTool:
		return unifiedllm.ToolResultMessage(m.ToolCallID, m.ToolName, m.Content, m.IsError)
	case RoleSummary:
		return unifiedllm.UserMessage(summaryPrefix + m.Content)
	default:
		// Operator messages, including operator notes added after a denial.
		return unifiedllm.UserMessage(m.Content)
	}
}
