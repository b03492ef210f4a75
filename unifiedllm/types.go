package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role is the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind tags a ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ToolCall is a tool invocation requested by the model. Arguments is the
// raw JSON object the model produced and may be malformed.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ContentPart is one piece of a message. Exactly one of Text, ToolCall and
// ToolResult is meaningful, as selected by Kind.
type ContentPart struct {
	Kind       ContentKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}}
}

func ToolResultPart(callID, name, content string, isError bool) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolResult: &ToolResult{CallID: callID, Name: name, Content: content, IsError: isError}}
}

// Message is one conversation turn sent to or received from a provider.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// NewMessage builds a message from parts.
func NewMessage(role Role, parts ...ContentPart) Message {
	return Message{Role: role, Content: parts}
}

func SystemMessage(text string) Message    { return NewMessage(RoleSystem, TextPart(text)) }
func UserMessage(text string) Message      { return NewMessage(RoleUser, TextPart(text)) }
func AssistantMessage(text string) Message { return NewMessage(RoleAssistant, TextPart(text)) }

// ToolResultMessage wraps a single tool result.
func ToolResultMessage(callID, name, content string, isError bool) Message {
	return NewMessage(RoleTool, ToolResultPart(callID, name, content, isError))
}

// TextContent joins the message's text parts. Tool results are not text.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls in m, in order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// ToolResults returns the tool results in m, in order.
func (m Message) ToolResults() []ToolResult {
	var out []ToolResult
	for _, p := range m.Content {
		if p.Kind == ContentToolResult && p.ToolResult != nil {
			out = append(out, *p.ToolResult)
		}
	}
	return out
}

// ToolDefinition advertises a tool to the model. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FinishReason says why the provider stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Request is one completion call. Provider may be empty, in which case the
// Client picks one.
type Request struct {
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Response is a provider's reply.
type Response struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

func (r Response) Text() string { return r.Message.TextContent() }

// ToolCalls returns the tool calls the model requested.
func (r Response) ToolCalls() []ToolCall { return r.Message.ToolCalls() }
