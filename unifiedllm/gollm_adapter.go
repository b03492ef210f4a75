package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves a provider through gollm. gollm takes a single prompt
// and returns text, so the conversation is flattened into labelled lines and
// tool calls are read back from a JSON array at the end of the reply.
type GollmAdapter struct {
	provider string
	model    string

	mu  sync.Mutex // guards option changes around Generate
	llm gollm.LLM
}

// GollmOption tunes a GollmAdapter.
type GollmOption func(*gollmSettings)

type gollmSettings struct {
	model       string
	maxTokens   int
	temperature float64
	extra       []gollm.ConfigOption
}

func WithModel(model string) GollmOption {
	return func(s *gollmSettings) { s.model = model }
}

func WithMaxTokens(n int) GollmOption {
	return func(s *gollmSettings) { s.maxTokens = n }
}

func WithTemperature(t float64) GollmOption {
	return func(s *gollmSettings) { s.temperature = t }
}

// WithGollmOptions passes raw gollm options through.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(s *gollmSettings) { s.extra = append(s.extra, opts...) }
}

// NewGollmAdapter creates an adapter for provider. With an empty apiKey
// gollm reads the provider's key from the environment. Without WithModel
// the first catalog model for the provider is used.
func NewGollmAdapter(provider, apiKey string, opts ...GollmOption) (*GollmAdapter, error) {
	s := gollmSettings{maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(&s)
	}
	if s.model == "" {
		models := ListModels(provider)
		if len(models) == 0 {
			return nil, configError("no default model known for provider %q", provider)
		}
		s.model = models[0].ID
	}

	cfg := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(s.model),
		gollm.SetMaxTokens(s.maxTokens),
		gollm.SetTemperature(s.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		cfg = append(cfg, gollm.SetAPIKey(apiKey))
	}
	llm, err := gollm.NewLLM(append(cfg, s.extra...)...)
	if err != nil {
		return nil, &Error{Class: ClassConfig, Provider: provider, Message: "create gollm client", Err: err}
	}
	return &GollmAdapter{provider: provider, model: s.model, llm: llm}, nil
}

func (a *GollmAdapter) Name() string { return a.provider }

func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := buildPrompt(req)

	a.mu.Lock()
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, classifyGollmError(a.provider, err)
	}
	return a.response(req, text), nil
}

// buildPrompt flattens the conversation. System messages become the
// system prompt; every other turn is one labelled line.
func buildPrompt(req Request) *gollm.Prompt {
	var system, lines []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.TextContent())
		case RoleUser:
			lines = append(lines, m.TextContent())
		case RoleAssistant:
			if t := m.TextContent(); t != "" {
				lines = append(lines, "[Assistant]: "+t)
			}
			for _, tc := range m.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, tc.Arguments))
			}
		case RoleTool:
			for _, r := range m.ToolResults() {
				label := "Tool Result"
				if r.IsError {
					label = "Tool Error"
				}
				lines = append(lines, fmt.Sprintf("[%s %s]: %s", label, r.CallID, r.Content))
			}
		}
	}

	var opts []gollm.PromptOption
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = gollm.Tool{Type: "function", Function: gollm.Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}}
		}
		opts = append(opts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}

	body := strings.Join(lines, "\n")
	if body == "" {
		body = "Hello"
	}
	return gollm.NewPrompt(body, opts...)
}

func (a *GollmAdapter) response(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	calls, prose := splitToolCalls(text)

	msg := Message{Role: RoleAssistant}
	if prose != "" || len(calls) == 0 {
		msg.Content = append(msg.Content, TextPart(prose))
	}
	finish := FinishStop
	for _, tc := range calls {
		msg.Content = append(msg.Content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
		finish = FinishToolCalls
	}

	// gollm reports no usage; four characters per token is close enough
	// for budget accounting.
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Provider:     a.provider,
		Model:        model,
		Message:      msg,
		FinishReason: finish,
		Usage:        Usage{InputTokens: promptChars(req) / 4, OutputTokens: len(text) / 4},
	}
}

// splitToolCalls looks for a JSON array of {"name","arguments"} objects in
// text and returns the calls and the prose before it. Text without a
// parseable array is returned whole.
func splitToolCalls(text string) ([]ToolCall, string) {
	at := strings.Index(text, `[{"name"`)
	if at < 0 {
		return nil, text
	}
	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[at:]), &raw); err != nil {
		return nil, text
	}
	calls := make([]ToolCall, len(raw))
	for i, r := range raw {
		if len(r.Arguments) == 0 {
			r.Arguments = json.RawMessage(`{}`)
		}
		calls[i] = ToolCall{ID: "call_" + uuid.NewString()[:8], Name: r.Name, Arguments: r.Arguments}
	}
	return calls, strings.TrimSpace(text[:at])
}

// gollm returns plain errors, so the class is inferred from the message.
// The first matching row wins.
var gollmErrorPatterns = []struct {
	class  ErrorClass
	status int
	needle []string
}{
	{ClassAuth, 401, []string{"401", "unauthorized", "invalid api key", "invalid key"}},
	{ClassAccessDenied, 403, []string{"403", "forbidden"}},
	{ClassNotFound, 404, []string{"404", "not found"}},
	{ClassRateLimit, 429, []string{"429", "rate limit"}},
	{ClassContextLength, 413, []string{"context length", "too many tokens"}},
	{ClassServer, 500, []string{"500", "502", "503", "internal server"}},
	{ClassTimeout, 0, []string{"timeout"}},
	{ClassContentFilter, 0, []string{"content filter", "safety"}},
}

func classifyGollmError(provider string, err error) *Error {
	lower := strings.ToLower(err.Error())
	for _, p := range gollmErrorPatterns {
		for _, n := range p.needle {
			if strings.Contains(lower, n) {
				return &Error{Class: p.class, Provider: provider, Status: p.status, Message: err.Error(), Err: err}
			}
		}
	}
	return &Error{Class: ClassUnknown, Provider: provider, Message: err.Error(), Err: err}
}

func promptChars(req Request) int {
	n := 0
	for _, m := range req.Messages {
		for _, p := range m.Content {
			n += len(p.Text)
			if p.ToolResult != nil {
				n += len(p.ToolResult.Content)
			}
		}
	}
	if n == 0 {
		n = 40
	}
	return n
}
