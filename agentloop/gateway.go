package agentloop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/conductor/unifiedllm"
	"go.uber.org/zap"
)

// GatewayRole names the caller of a gateway request; each role has its own
// per-attempt timeout.
type GatewayRole string

const (
	GatewayPrimary    GatewayRole = "primary"
	GatewaySummarizer GatewayRole = "summarizer"
	GatewayEmbedder   GatewayRole = "embedder"
)

// Completer sends one request to a model provider. *unifiedllm.Client
// implements it.
type Completer interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// GatewayRequest is one model call.
type GatewayRequest struct {
	Profile  ModelProfile
	Role     GatewayRole
	Messages []unifiedllm.Message
	Tools    []unifiedllm.ToolDefinition
}

// ToolInvocation is a tool call requested by the model. Err is set when the
// call cannot be dispatched: an undeclared tool or malformed arguments.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments map[string]any
	Raw       unifiedllm.ToolCall
	Err       error
}

// Outcome is a parsed model response.
type Outcome struct {
	Text      string
	ToolCalls []ToolInvocation
	Usage     UsageStats
	Attempts  int
}

// Final reports whether the response is a final answer.
func (o *Outcome) Final() bool { return len(o.ToolCalls) == 0 }

// ModelGateway sends conversation state to the model service with per-role
// timeouts and bounded retry.
type ModelGateway struct {
	client   Completer
	retry    unifiedllm.RetryPolicy
	timeouts RoleTimeouts
	logger   *zap.Logger
}

// NewModelGateway creates a gateway over client.
func NewModelGateway(client Completer, retry unifiedllm.RetryPolicy, timeouts RoleTimeouts, logger *zap.Logger) *ModelGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelGateway{client: client, retry: retry, timeouts: timeouts, logger: logger}
}

// Request performs req. Retryable failures are retried per the retry policy;
// exhaustion or a permanent failure returns *GatewayError.
func (g *ModelGateway) Request(ctx context.Context, req GatewayRequest) (*Outcome, error) {
	if req.Role == "" {
		req.Role = GatewayPrimary
	}
	llmReq := unifiedllm.Request{
		Provider:    req.Profile.Provider,
		Model:       req.Profile.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Profile.Temperature,
		MaxTokens:   req.Profile.MaxTokens,
		Metadata:    map[string]string{"role": string(req.Role)},
	}

	timeout := g.timeouts.For(req.Role)
	attempts := 0
	policy := g.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(err error, retry int, delay time.Duration) {
		g.logger.Info("retrying model request",
			zap.String("role", string(req.Role)),
			zap.Int("retry", retry),
			zap.String("class", string(unifiedllm.ClassOf(err))),
			zap.Duration("delay", delay),
			zap.Error(err))
		if onRetry != nil {
			onRetry(err, retry, delay)
		}
	}

	resp, err := unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.Response, error) {
		attempts++
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return g.client.Complete(ctx, llmReq)
	})
	if err != nil {
		return nil, &GatewayError{Role: req.Role, Attempts: attempts, Err: err}
	}
	if resp == nil {
		return nil, &GatewayError{Role: req.Role, Attempts: attempts, Err: fmt.Errorf("empty response")}
	}

	out := &Outcome{
		Text:     resp.Text(),
		Usage:    UsageStats{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens},
		Attempts: attempts,
	}
	declared := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		declared[t.Name] = true
	}
	for _, tc := range resp.ToolCalls() {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.New().String()[:8]
		}
		inv := ToolInvocation{ID: tc.ID, Name: tc.Name, Raw: tc}
		args, err := ParseToolArguments(tc.Arguments)
		switch {
		case !declared[tc.Name]:
			inv.Err = &UnknownToolError{Name: tc.Name, Declared: sortedNames(declared)}
		case err != nil:
			inv.Err = err
		}
		if args == nil {
			args = map[string]any{}
		}
		inv.Arguments = args
		out.ToolCalls = append(out.ToolCalls, inv)
	}
	return out, nil
}

func sortedNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ModelSummarizer implements Summarizer with the gateway's summarizer role.
type ModelSummarizer struct {
	Gateway *ModelGateway
	Profile ModelProfile
}

const summarizerPrompt = `You compress agent conversations. Summarize the transcript below so the ` +
	`conversation can continue without it. Keep the operator's goals, decisions made, tool ` +
	`results that still matter, file paths and identifiers, and open questions. Be concise.`

// Summarize asks the model for a summary of msgs.
func (s ModelSummarizer) Summarize(ctx context.Context, msgs []Message) (string, error) {
	out, err := s.Gateway.Request(ctx, GatewayRequest{
		Profile: s.Profile,
		Role:    GatewaySummarizer,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(summarizerPrompt),
			unifiedllm.UserMessage(Transcript(msgs)),
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// Transcript renders messages as plain text.
func Transcript(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			status := "ok"
			if m.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "[tool %s %s]: %s\n", m.ToolName, status, m.Content)
		case RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&sb, "[assistant]: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "[assistant calls %s]: %s\n", tc.Name, string(tc.Arguments))
			}
		default:
			fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
		}
	}
	return sb.String()
}
