package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/martinemde/conductor/unifiedllm"
	"github.com/martinemde/conductor/unifiedllm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var pingDef = unifiedllm.ToolDefinition{Name: "ping", Parameters: map[string]interface{}{"type": "object"}}

func newTestGateway(adapter *llmtest.ScriptedAdapter, timeouts RoleTimeouts, logger *zap.Logger) *ModelGateway {
	client := unifiedllm.NewClient(unifiedllm.WithAdapter(adapter))
	return NewModelGateway(client, testConfig().Retry, timeouts, logger)
}

func gatewayRequest(tools ...unifiedllm.ToolDefinition) GatewayRequest {
	return GatewayRequest{
		Profile:  ModelProfile{Model: "test-model"},
		Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")},
		Tools:    tools,
	}
}

func TestModelGateway_FinalText(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.Text("hello").WithUsage(100, 20))
	g := newTestGateway(adapter, RoleTimeouts{}, nil)

	out, err := g.Request(context.Background(), gatewayRequest(pingDef))
	require.NoError(t, err)
	assert.True(t, out.Final())
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, UsageStats{PromptTokens: 100, CompletionTokens: 20}, out.Usage)
	assert.Equal(t, 1, out.Attempts)

	req := adapter.Requests()[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "primary", req.Metadata["role"])
	require.Len(t, req.Tools, 1)
}

func TestModelGateway_ToolCalls(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.ToolCalls(
		llmtest.Call{ID: "c1", Name: "ping", Args: map[string]any{"host": "a"}},
		llmtest.Call{Name: "ping", Args: map[string]any{"host": "b"}},
		llmtest.Call{ID: "c3", Name: "shell", Args: map[string]any{"cmd": "ls"}},
	))
	g := newTestGateway(adapter, RoleTimeouts{}, nil)

	out, err := g.Request(context.Background(), gatewayRequest(pingDef))
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 3)
	assert.False(t, out.Final())

	assert.Equal(t, "c1", out.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"host": "a"}, out.ToolCalls[0].Arguments)
	assert.NoError(t, out.ToolCalls[0].Err)

	assert.NotEmpty(t, out.ToolCalls[1].ID, "missing call ids are generated")

	var unknown *UnknownToolError
	require.ErrorAs(t, out.ToolCalls[2].Err, &unknown)
	assert.Equal(t, "shell", unknown.Name)
	assert.Equal(t, []string{"ping"}, unknown.Declared)
}

func TestModelGateway_MalformedArguments(t *testing.T) {
	step := llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "ping"})
	step.Response.Message.Content[0].ToolCall.Arguments = []byte(`{"host":`)
	adapter := llmtest.NewScriptedAdapter("scripted", step)
	g := newTestGateway(adapter, RoleTimeouts{}, nil)

	out, err := g.Request(context.Background(), gatewayRequest(pingDef))
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.ErrorContains(t, out.ToolCalls[0].Err, "invalid tool arguments")
	assert.NotNil(t, out.ToolCalls[0].Arguments)
}

func TestModelGateway_RetriesTransientFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.Fail(unifiedllm.StatusError("scripted", 503, "overloaded")),
		llmtest.Fail(unifiedllm.StatusError("scripted", 429, "slow down")),
		llmtest.Text("finally"),
	)
	g := newTestGateway(adapter, RoleTimeouts{}, zap.New(core))

	out, err := g.Request(context.Background(), gatewayRequest())
	require.NoError(t, err)
	assert.Equal(t, "finally", out.Text)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, logs.FilterMessage("retrying model request").Len())
}

func TestModelGateway_ExhaustsRetries(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted").Repeat(
		llmtest.Fail(unifiedllm.StatusError("scripted", 500, "boom")))
	g := newTestGateway(adapter, RoleTimeouts{}, nil)

	_, err := g.Request(context.Background(), gatewayRequest())
	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 3, ge.Attempts)
	assert.Equal(t, GatewayPrimary, ge.Role)
	assert.Equal(t, unifiedllm.ClassServer, unifiedllm.ClassOf(err))
	assert.Equal(t, KindGatewayError, KindOf(err))
}

func TestModelGateway_PermanentFailureNotRetried(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.Fail(unifiedllm.StatusError("scripted", 400, "bad request")),
		llmtest.Text("unreachable"),
	)
	g := newTestGateway(adapter, RoleTimeouts{}, nil)

	_, err := g.Request(context.Background(), gatewayRequest())
	require.Error(t, err)
	assert.Equal(t, 1, adapter.Calls())
}

func TestModelGateway_PerAttemptTimeout(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.Step{Block: true},
		llmtest.Text("second try"),
	)
	g := newTestGateway(adapter, RoleTimeouts{Primary: 20 * time.Millisecond}, nil)

	out, err := g.Request(context.Background(), gatewayRequest())
	require.NoError(t, err)
	assert.Equal(t, "second try", out.Text)
	assert.Equal(t, 2, out.Attempts)
}

func TestModelGateway_RoleTimeouts(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted").Repeat(llmtest.Step{Block: true})
	g := newTestGateway(adapter, RoleTimeouts{Primary: time.Minute, Summarizer: 10 * time.Millisecond}, nil)

	req := gatewayRequest()
	req.Role = GatewaySummarizer
	start := time.Now()
	_, err := g.Request(context.Background(), req)
	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, GatewaySummarizer, ge.Role)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestModelGateway_CancelledContext(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted").Repeat(llmtest.Step{Block: true})
	g := newTestGateway(adapter, RoleTimeouts{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := g.Request(ctx, gatewayRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, adapter.Calls())
}

func TestModelSummarizer(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.Text("  the operator asked for pings  "))
	g := newTestGateway(adapter, RoleTimeouts{}, nil)
	s := ModelSummarizer{Gateway: g, Profile: ModelProfile{Model: "small-model"}}

	msgs := []Message{OperatorMessage("ping a")}
	msgs = append(msgs, toolTurn("c1", "pong")...)
	text, err := s.Summarize(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, "the operator asked for pings", text)

	req := adapter.Requests()[0]
	assert.Equal(t, "small-model", req.Model)
	assert.Empty(t, req.Tools)
	require.Len(t, req.Messages, 2)
	transcript := contentOf(req.Messages[1])
	assert.Contains(t, transcript, "[operator]: ping a")
	assert.Contains(t, transcript, "[assistant calls ping]: {}")
	assert.Contains(t, transcript, "[tool ping ok]: pong")
}

func TestRoleTimeouts_For(t *testing.T) {
	rt := RoleTimeouts{Primary: 1, Summarizer: 2, Embedder: 3}
	assert.Equal(t, time.Duration(1), rt.For(GatewayPrimary))
	assert.Equal(t, time.Duration(2), rt.For(GatewaySummarizer))
	assert.Equal(t, time.Duration(3), rt.For(GatewayEmbedder))
	assert.Equal(t, time.Duration(1), rt.For(""))
}
