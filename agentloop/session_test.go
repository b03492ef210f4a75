package agentloop

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/conductor/unifiedllm"
	"github.com/martinemde/conductor/unifiedllm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type summarizerFunc func(ctx context.Context, msgs []Message) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, msgs []Message) (string, error) {
	return f(ctx, msgs)
}

func TestSession_FinalAnswerWithoutTools(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.Text("The answer is 4."))
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()})

	id := h.start(t, "  what is 2+2?  ", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	events := h.drain(id)
	assert.Equal(t, []EventKind{EventSessionStart, EventIteration, EventFinalAnswer}, kinds(events))
	assert.Equal(t, "what is 2+2?", events[0].SessionStart.Instruction)
	assert.Equal(t, "The answer is 4.", events[2].FinalAnswer.Text)

	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, PhaseEnd, st.Phase)
	assert.Equal(t, 1, st.Iteration)
	assert.Equal(t, "The answer is 4.", st.FinalAnswer)

	reqs := adapter.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, unifiedllm.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, "what is 2+2?", contentOf(reqs[0].Messages[1]))
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "ping", reqs[0].Tools[0].Name)
}

func TestSession_EmptyInstructionRejected(t *testing.T) {
	h := newHarness(t, testConfig(), llmtest.NewScriptedAdapter("scripted"), nil)
	_, err := h.m.StartSession(context.Background(), "   ", SessionOptions{})
	assert.ErrorIs(t, err, ErrEmptyInstruction)
	assert.Empty(t, h.m.Sessions())
}

// A mutating call waits for the operator, runs after approval and the run
// ends with the model's final answer.
func TestSession_ApprovedMutatingCall(t *testing.T) {
	fs := newFakeFS()
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "write_file", Args: map[string]any{"path": "notes.txt", "content": "hello"}}),
		llmtest.Text("Wrote notes.txt."),
	)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{fs.writeSpec()})
	approveAll(t, h.m, func(ConfirmationRequest) Decision { return Approve() })

	id := h.start(t, "write hello to notes.txt", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	c, ok := fs.content("notes.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", c)

	events := h.drain(id)
	assert.Equal(t, []EventKind{
		EventSessionStart,
		EventIteration,
		EventToolCall,
		EventConfirmationRequired,
		EventConfirmationResolved,
		EventToolResult,
		EventIteration,
		EventFinalAnswer,
	}, kinds(events))

	req := events[3].Confirmation.Request
	assert.Equal(t, ConfirmTool, req.Kind)
	assert.Equal(t, "write_file", req.Tool)
	assert.Equal(t, "notes.txt", req.Target)
	assert.Equal(t, RiskStandardMutating, req.Risk)
	assert.Equal(t, DecisionPending, req.Decision.State)
	assert.Equal(t, DecisionApproved, events[4].Confirmation.Request.Decision.State)
	assert.True(t, events[5].ToolResult.Success)

	records := mustSession(t, h.m, id).Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Mutating)
	require.NotNil(t, records[0].Confirmation)
	assert.True(t, records[0].Confirmation.Decision.Approved())

	// The tool result reaches the model on the next request.
	reqs := adapter.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, unifiedllm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolResults()[0].CallID)
}

func TestSession_AutoApproveSkipsGate(t *testing.T) {
	fs := newFakeFS()
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "write_file", Args: map[string]any{"path": "a.txt", "content": "x"}}),
		llmtest.Text("done"),
	)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{fs.writeSpec()})
	auto := true

	id := h.start(t, "write a.txt", SessionOptions{AutoApprove: &auto})
	require.NoError(t, h.wait(t, id))

	assert.Equal(t, 1, fs.writeCount())
	events := h.drain(id)
	assert.Zero(t, countKind(events, EventConfirmationRequired))
	records := mustSession(t, h.m, id).Records()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Confirmation)
	assert.True(t, records[0].Confirmation.Auto)
}

func TestSession_ProtectedPathGatedUnderAutoApprove(t *testing.T) {
	fs := newFakeFS()
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "read_file", Args: map[string]any{"path": "config/.env"}}),
		llmtest.Text("done"),
	)
	cfg := testConfig()
	cfg.AutoApprove = true
	cfg.ProtectedPaths = []string{".env", "secrets/**"}
	h := newHarness(t, cfg, adapter, []ToolSpec{fs.readSpec()})
	approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("secrets stay private") })

	id := h.start(t, "show me the env file", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	events := h.drain(id)
	require.Equal(t, 1, countKind(events, EventConfirmationRequired))
	for _, ev := range events {
		if ev.Kind == EventConfirmationRequired {
			assert.Equal(t, RiskCriticalPath, ev.Confirmation.Request.Risk)
			assert.False(t, ev.Confirmation.Request.Auto)
		}
		if ev.Kind == EventToolResult {
			assert.False(t, ev.ToolResult.Success)
			assert.Equal(t, KindConfirmationDenied, ev.ToolResult.Kind)
		}
	}
}

func TestSession_EveryTargetCheckedAgainstProtectedPaths(t *testing.T) {
	fs := newFakeFS()
	copySpec := ToolSpec{
		Definition: unifiedllm.ToolDefinition{Name: "copy_file", Description: "Copy a file"},
		Mutating:   true,
		TargetArgs: []string{"src", "dst"},
		Factory: func() (Tool, error) {
			return ToolFunc(func(_ context.Context, args map[string]any) (string, error) {
				dst, _ := GetStringArg(args, "dst")
				fs.mu.Lock()
				defer fs.mu.Unlock()
				fs.files[dst] = "copied"
				fs.writes++
				return "copied", nil
			}), nil
		},
	}
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "copy_file", Args: map[string]any{
			"src": "notes.txt", "dst": ".github/workflows/ci.yml",
		}}),
		llmtest.Text("done"),
	)
	cfg := testConfig()
	cfg.AutoApprove = true
	cfg.ProtectedPaths = []string{".github/**"}
	h := newHarness(t, cfg, adapter, []ToolSpec{copySpec})
	approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("workflows are protected") })

	id := h.start(t, "copy my notes into CI", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	assert.Zero(t, fs.writeCount())
	_, wrote := fs.content(".github/workflows/ci.yml")
	assert.False(t, wrote)

	events := h.drain(id)
	require.Equal(t, 1, countKind(events, EventConfirmationRequired))
	for _, ev := range events {
		if ev.Kind == EventConfirmationRequired {
			req := ev.Confirmation.Request
			assert.Equal(t, RiskCriticalPath, req.Risk)
			assert.Equal(t, ".github/workflows/ci.yml", req.Target)
			assert.Equal(t, []string{"notes.txt", ".github/workflows/ci.yml"}, req.Targets)
			assert.False(t, req.Auto)
		}
	}
}

func TestSession_DenialPolicies(t *testing.T) {
	call := llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "write_file", Args: map[string]any{"path": "x.go", "content": "package x"}})

	t.Run("continue feeds the denial back", func(t *testing.T) {
		fs := newFakeFS()
		adapter := llmtest.NewScriptedAdapter("scripted", call, llmtest.Text("ok, I will not write it"))
		h := newHarness(t, testConfig(), adapter, []ToolSpec{fs.writeSpec()})
		approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("not now") })

		id := h.start(t, "write x.go", SessionOptions{})
		require.NoError(t, h.wait(t, id))
		assert.Zero(t, fs.writeCount())

		reqs := adapter.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		assert.Equal(t, unifiedllm.RoleTool, last.Role)
		assert.Contains(t, contentOf(last), "Error (confirmation_denied)")
		assert.Contains(t, contentOf(last), "not now")
	})

	t.Run("alternative adds an operator note", func(t *testing.T) {
		fs := newFakeFS()
		adapter := llmtest.NewScriptedAdapter("scripted", call, llmtest.Text("trying another way"))
		cfg := testConfig()
		cfg.DenialPolicy = DenyAlternative
		h := newHarness(t, cfg, adapter, []ToolSpec{fs.writeSpec()})
		approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("wrong file") })

		id := h.start(t, "write x.go", SessionOptions{})
		require.NoError(t, h.wait(t, id))

		reqs := adapter.Requests()
		require.Len(t, reqs, 2)
		msgs := reqs[1].Messages
		assert.Equal(t, unifiedllm.RoleTool, msgs[len(msgs)-2].Role)
		assert.Equal(t, unifiedllm.RoleUser, msgs[len(msgs)-1].Role)
		assert.Contains(t, contentOf(msgs[len(msgs)-1]), "different approach")
	})

	t.Run("fail ends the run", func(t *testing.T) {
		fs := newFakeFS()
		adapter := llmtest.NewScriptedAdapter("scripted", call)
		cfg := testConfig()
		cfg.DenialPolicy = DenyFail
		h := newHarness(t, cfg, adapter, []ToolSpec{fs.writeSpec()})
		approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("no") })

		id := h.start(t, "write x.go", SessionOptions{})
		err := h.wait(t, id)
		require.Error(t, err)
		assert.Equal(t, KindConfirmationDenied, KindOf(err))
		assert.Equal(t, 1, adapter.Calls())

		events := h.drain(id)
		assert.Equal(t, 1, countKind(events, EventError))
		assert.Zero(t, countKind(events, EventFinalAnswer))
	})

	t.Run("tool override wins", func(t *testing.T) {
		fs := newFakeFS()
		spec := fs.writeSpec()
		spec.OnDenied = DenyFail
		adapter := llmtest.NewScriptedAdapter("scripted", call)
		h := newHarness(t, testConfig(), adapter, []ToolSpec{spec})
		approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("no") })

		id := h.start(t, "write x.go", SessionOptions{})
		assert.Equal(t, KindConfirmationDenied, KindOf(h.wait(t, id)))
	})
}

// Three identical calls with identical results trip the checkpoint on the
// third iteration.
func TestSession_LoopCheckpointDeclined(t *testing.T) {
	ping := llmtest.ToolCalls(llmtest.Call{ID: "p", Name: "ping", Args: map[string]any{"host": "example.com"}})
	adapter := llmtest.NewScriptedAdapter("scripted").Repeat(ping)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()})
	approveAll(t, h.m, func(req ConfirmationRequest) Decision {
		if req.Kind == ConfirmLoopCheckpoint {
			return Deny("stop looping")
		}
		return Approve()
	})

	id := h.start(t, "check connectivity", SessionOptions{})
	err := h.wait(t, id)
	require.Error(t, err)
	assert.Equal(t, KindLoopDetected, KindOf(err))
	assert.Equal(t, 3, adapter.Calls())

	events := h.drain(id)
	require.Equal(t, 1, countKind(events, EventLoopDetected))
	for _, ev := range events {
		switch ev.Kind {
		case EventLoopDetected:
			assert.Equal(t, 3, ev.Iteration)
			assert.Equal(t, "ping", ev.Loop.Tool)
		case EventConfirmationRequired:
			assert.Equal(t, ConfirmLoopCheckpoint, ev.Confirmation.Request.Kind)
		}
	}
	assert.Equal(t, EventError, events[len(events)-1].Kind)
	assert.Equal(t, 3, countKind(events, EventToolResult))
}

func TestSession_LoopCheckpointApprovedResetsWindow(t *testing.T) {
	ping := llmtest.ToolCalls(llmtest.Call{ID: "p", Name: "ping", Args: map[string]any{"host": "example.com"}})
	adapter := llmtest.NewScriptedAdapter("scripted", ping, ping, ping, ping, ping, llmtest.Text("network is fine"))
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()})
	approveAll(t, h.m, func(ConfirmationRequest) Decision { return Approve() })

	id := h.start(t, "check connectivity", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	// Checkpoint after call 3; the window restarts, so call 5 is not enough
	// for a second one.
	events := h.drain(id)
	assert.Equal(t, 1, countKind(events, EventLoopDetected))
	assert.Equal(t, 6, adapter.Calls())
}

func TestSession_LoopCheckpointNotAutoApproved(t *testing.T) {
	ping := llmtest.ToolCalls(llmtest.Call{ID: "p", Name: "ping", Args: map[string]any{"host": "example.com"}})
	adapter := llmtest.NewScriptedAdapter("scripted").Repeat(ping)
	cfg := testConfig()
	cfg.AutoApprove = true
	h := newHarness(t, cfg, adapter, []ToolSpec{pingSpec()})
	approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("enough") })

	id := h.start(t, "check connectivity", SessionOptions{})
	assert.Equal(t, KindLoopDetected, KindOf(h.wait(t, id)))
}

// Usage crossing the threshold triggers summarization before the next
// request; the newest four messages survive verbatim.
func TestSession_SummarizesWhenBudgetExceeded(t *testing.T) {
	var summarized []Message
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "ping", Args: map[string]any{"host": "a"}}),
		llmtest.ToolCalls(llmtest.Call{ID: "c2", Name: "ping", Args: map[string]any{"host": "b"}}),
		llmtest.ToolCalls(llmtest.Call{ID: "c3", Name: "ping", Args: map[string]any{"host": "c"}}).WithUsage(12000, 100),
		llmtest.Text("all hosts reachable"),
	)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()}, func(d *Deps) {
		d.Summarizer = summarizerFunc(func(_ context.Context, msgs []Message) (string, error) {
			summarized = msgs
			return "pinged host a", nil
		})
	})

	id := h.start(t, "ping a, b and c", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	require.Len(t, summarized, 3)
	assert.Equal(t, RoleOperator, summarized[0].Role)

	reqs := adapter.Requests()
	require.Len(t, reqs, 4)
	msgs := reqs[3].Messages
	require.Len(t, msgs, 6)
	assert.Equal(t, unifiedllm.RoleSystem, msgs[0].Role)
	assert.Equal(t, unifiedllm.RoleUser, msgs[1].Role)
	assert.True(t, strings.HasPrefix(contentOf(msgs[1]), summaryPrefix))
	assert.Contains(t, contentOf(msgs[1]), "pinged host a")
	assert.Equal(t, "c2", msgs[2].ToolCalls()[0].ID)
	assert.Equal(t, "c2", msgs[3].ToolResults()[0].CallID)
	assert.Equal(t, "c3", msgs[4].ToolCalls()[0].ID)
	assert.Equal(t, "c3", msgs[5].ToolResults()[0].CallID)

	events := h.drain(id)
	require.Equal(t, 1, countKind(events, EventSummarized))
	for _, ev := range events {
		if ev.Kind == EventSummarized {
			assert.Equal(t, 3, ev.Summarized.ReplacedMessages)
			assert.Equal(t, 4, ev.Summarized.KeptMessages)
			assert.Less(t, ev.Summarized.TokensAfter, ev.Summarized.TokensBefore)
		}
	}
}

func TestSession_ContextOverflow(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "ping", Args: map[string]any{"host": strings.Repeat("h", 200)}}).WithUsage(1900, 10),
	)
	cfg := testConfig()
	cfg.ContextWindow = 2000
	cfg.PreserveRecent = 2
	h := newHarness(t, cfg, adapter, []ToolSpec{pingSpec()}, func(d *Deps) {
		d.Summarizer = summarizerFunc(func(context.Context, []Message) (string, error) {
			return strings.Repeat("still far too long ", 500), nil
		})
	})

	id := h.start(t, "ping", SessionOptions{})
	err := h.wait(t, id)
	assert.Equal(t, KindContextOverflow, KindOf(err))
	assert.Equal(t, 1, adapter.Calls())
}

// The system prompt and tool schemas are sent with every request, so a
// window they alone exceed overflows before the first call.
func TestSession_RequestOverheadCountsTowardBudget(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.Text("unreachable"))
	cfg := testConfig()
	cfg.ContextWindow = 100
	h := newHarness(t, cfg, adapter, []ToolSpec{pingSpec()}, func(d *Deps) {
		d.Summarizer = summarizerFunc(func(context.Context, []Message) (string, error) {
			return "s", nil
		})
	})

	id := h.start(t, "ping", SessionOptions{})
	err := h.wait(t, id)
	var overflow *ContextOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Greater(t, overflow.Estimated, overflow.Limit)
	assert.Zero(t, adapter.Calls())
}

func TestSession_WarningNearContextLimit(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.Text("long answer").WithUsage(13500, 100))
	h := newHarness(t, testConfig(), adapter, nil)

	id := h.start(t, "explain", SessionOptions{})
	require.NoError(t, h.wait(t, id))
	events := h.drain(id)
	assert.Equal(t, 1, countKind(events, EventWarning))
}

func TestSession_IterationCap(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted")
	for i := 0; i < 10; i++ {
		adapter.Then(llmtest.ToolCalls(llmtest.Call{ID: fmt.Sprintf("c%d", i), Name: "ping", Args: map[string]any{"host": fmt.Sprintf("h%d", i)}}))
	}
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()})

	id := h.start(t, "ping everything", SessionOptions{MaxIterations: 5})
	err := h.wait(t, id)
	require.Error(t, err)
	assert.Equal(t, KindIterationCapExceeded, KindOf(err))
	assert.Equal(t, 5, adapter.Calls())

	events := h.drain(id)
	assert.Equal(t, 5, countKind(events, EventIteration))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, KindIterationCapExceeded, last.Error.Kind)

	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, KindIterationCapExceeded, st.ErrorKind)
}

func TestSession_UnknownToolFedBack(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "rm_rf", Args: map[string]any{}}),
		llmtest.Text("sorry"),
	)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()})

	id := h.start(t, "clean up", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	events := h.drain(id)
	for _, ev := range events {
		if ev.Kind == EventToolResult {
			assert.False(t, ev.ToolResult.Success)
			assert.Equal(t, KindUnknownTool, ev.ToolResult.Kind)
		}
	}
	last := adapter.Requests()[1].Messages
	assert.Contains(t, contentOf(last[len(last)-1]), "unknown_tool")
}

func TestSession_ToolFailureFedBack(t *testing.T) {
	fs := newFakeFS()
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "read_file", Args: map[string]any{"path": "missing.txt"}}),
		llmtest.Text("the file does not exist"),
	)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{fs.readSpec()})

	id := h.start(t, "read missing.txt", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	reqs := adapter.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, contentOf(last), "Error (tool_execution_error)")
	assert.Contains(t, contentOf(last), "no such file")
}

func TestSession_LongToolOutputTruncatedInConversationOnly(t *testing.T) {
	big := strings.Repeat("x", 5000)
	spec := ToolSpec{
		Definition: unifiedllm.ToolDefinition{Name: "dump"},
		Factory: func() (Tool, error) {
			return ToolFunc(func(context.Context, map[string]any) (string, error) { return big, nil }), nil
		},
	}
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "dump"}),
		llmtest.Text("done"),
	)
	cfg := testConfig()
	cfg.MaxToolOutputChars = 1000
	h := newHarness(t, cfg, adapter, []ToolSpec{spec})

	id := h.start(t, "dump", SessionOptions{})
	require.NoError(t, h.wait(t, id))

	for _, ev := range h.drain(id) {
		if ev.Kind == EventToolResult {
			assert.Len(t, ev.ToolResult.Payload, 5000)
		}
	}
	msgs := adapter.Requests()[1].Messages
	content := contentOf(msgs[len(msgs)-1])
	assert.Less(t, len(content), 1200)
	assert.Contains(t, content, "output truncated")
}

func TestSession_GatewayFailureEndsRun(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.Fail(unifiedllm.StatusError("scripted", 401, "bad key")),
	)
	h := newHarness(t, testConfig(), adapter, nil)

	id := h.start(t, "hello", SessionOptions{})
	err := h.wait(t, id)
	assert.Equal(t, KindGatewayError, KindOf(err))
	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 1, ge.Attempts)
	assert.Equal(t, 1, countKind(h.drain(id), EventError))
}

func TestSession_AbortWhileAwaitingConfirmation(t *testing.T) {
	fs := newFakeFS()
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(
			llmtest.Call{ID: "c1", Name: "write_file", Args: map[string]any{"path": "a", "content": "1"}},
			llmtest.Call{ID: "c2", Name: "write_file", Args: map[string]any{"path": "b", "content": "2"}},
		),
	)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{fs.writeSpec()})

	id := h.start(t, "write two files", SessionOptions{})
	require.Eventually(t, func() bool { return len(h.m.Pending(id)) == 1 }, 5*time.Second, 5*time.Millisecond)
	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, st.State)

	require.NoError(t, h.m.Abort(id))
	err = h.wait(t, id)
	assert.Equal(t, KindAborted, KindOf(err))
	assert.Zero(t, fs.writeCount())
	assert.Empty(t, h.m.Pending(id))

	// Both calls are answered so the conversation can be resumed.
	conv := mustSession(t, h.m, id).Conversation().Messages()
	require.Len(t, conv, 4)
	assert.Equal(t, "c1", conv[2].ToolCallID)
	assert.Equal(t, "c2", conv[3].ToolCallID)

	events := h.drain(id)
	assert.Equal(t, 1, countKind(events, EventError))
	assert.Equal(t, EventError, events[len(events)-1].Kind)
}

func TestSession_GateTimeoutDenies(t *testing.T) {
	fs := newFakeFS()
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "write_file", Args: map[string]any{"path": "a", "content": "1"}}),
		llmtest.Text("gave up"),
	)
	cfg := testConfig()
	cfg.GateTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, adapter, []ToolSpec{fs.writeSpec()})

	id := h.start(t, "write a", SessionOptions{})
	require.NoError(t, h.wait(t, id))
	assert.Zero(t, fs.writeCount())

	msgs := adapter.Requests()[1].Messages
	assert.Contains(t, contentOf(msgs[len(msgs)-1]), "no decision within")
}

func TestSession_RunDeadline(t *testing.T) {
	fs := newFakeFS()
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "write_file", Args: map[string]any{"path": "a", "content": "1"}}),
	)
	cfg := testConfig()
	cfg.MaxRunDuration = 50 * time.Millisecond
	h := newHarness(t, cfg, adapter, []ToolSpec{fs.writeSpec()})

	id := h.start(t, "write a", SessionOptions{})
	assert.Equal(t, KindTimeout, KindOf(h.wait(t, id)))
}

func TestSession_ResumeKeepsConversation(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.Text("first"), llmtest.Text("second"))
	h := newHarness(t, testConfig(), adapter, nil)

	id := h.start(t, "one", SessionOptions{})
	require.NoError(t, h.wait(t, id))
	require.NoError(t, h.m.ResumeSession(context.Background(), id, "two"))
	require.NoError(t, h.wait(t, id))

	reqs := adapter.Requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", contentOf(msgs[1]))
	assert.Equal(t, "first", contentOf(msgs[2]))
	assert.Equal(t, "two", contentOf(msgs[3]))

	events := h.drain(id)
	assert.Equal(t, 2, countKind(events, EventFinalAnswer))
	var starts []bool
	for _, ev := range events {
		if ev.Kind == EventSessionStart {
			starts = append(starts, ev.SessionStart.Resumed)
		}
	}
	assert.Equal(t, []bool{false, true}, starts)

	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Iteration)
	assert.Equal(t, 1, st.RunIterations)
	assert.Equal(t, "second", st.FinalAnswer)
}

func TestSession_ResumeAfterIterationCap(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.ToolCalls(llmtest.Call{ID: "c1", Name: "ping", Args: map[string]any{"host": "a"}}),
		llmtest.ToolCalls(llmtest.Call{ID: "c2", Name: "ping", Args: map[string]any{"host": "b"}}),
		llmtest.Text("done"),
	)
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()})

	id := h.start(t, "ping a and b", SessionOptions{MaxIterations: 2})
	assert.Equal(t, KindIterationCapExceeded, KindOf(h.wait(t, id)))
	require.NoError(t, h.m.ResumeSession(context.Background(), id, "finish up"))
	require.NoError(t, h.wait(t, id))

	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 2, st.MaxIterations)
	assert.Equal(t, 3, st.Iteration, "lifetime count spans both runs")
	assert.Equal(t, 1, st.RunIterations)
	assert.LessOrEqual(t, st.RunIterations, st.MaxIterations)
}

func TestSession_ResumeAfterFailure(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted",
		llmtest.Fail(unifiedllm.StatusError("scripted", 400, "bad")),
		llmtest.Text("recovered"),
	)
	h := newHarness(t, testConfig(), adapter, nil)

	id := h.start(t, "one", SessionOptions{})
	require.Error(t, h.wait(t, id))
	require.NoError(t, h.m.ResumeSession(context.Background(), id, "try again"))
	require.NoError(t, h.wait(t, id))

	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Empty(t, st.Error)
}

func TestSession_ExactlyOneTerminalEventPerRun(t *testing.T) {
	scripts := map[string][]llmtest.Step{
		"final":   {llmtest.Text("ok")},
		"failure": {llmtest.Fail(unifiedllm.StatusError("scripted", 403, "denied"))},
		"tools": {
			llmtest.ToolCalls(llmtest.Call{ID: "a", Name: "ping", Args: map[string]any{"host": "x"}}),
			llmtest.Text("ok"),
		},
	}
	for name, steps := range scripts {
		t.Run(name, func(t *testing.T) {
			adapter := llmtest.NewScriptedAdapter("scripted", steps...)
			h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()})
			id := h.start(t, "go", SessionOptions{})
			_ = h.wait(t, id)

			events := h.drain(id)
			terminal := 0
			for _, ev := range events {
				if ev.Terminal() {
					terminal++
				}
			}
			assert.Equal(t, 1, terminal)
			assert.True(t, events[len(events)-1].Terminal())
			for i := 1; i < len(events); i++ {
				assert.Greater(t, events[i].Seq, events[i-1].Seq)
			}
		})
	}
}

func TestSession_ModelOverrideAndCatalogWindow(t *testing.T) {
	adapter := llmtest.NewScriptedAdapter("scripted", llmtest.Text("hi"))
	cfg := testConfig()
	cfg.ContextWindow = 0
	h := newHarness(t, cfg, adapter, nil)

	id := h.start(t, "hi", SessionOptions{Model: "claude-sonnet-4-5"})
	require.NoError(t, h.wait(t, id))
	assert.Equal(t, "claude-sonnet-4-5", adapter.Requests()[0].Model)

	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", st.Model)
}

func TestSession_EmbedderFeedsLoopDetection(t *testing.T) {
	// Varying hosts would normally reset the window; a constant embedding
	// makes every call look the same.
	adapter := llmtest.NewScriptedAdapter("scripted")
	for n := 0; n < 5; n++ {
		adapter.Then(llmtest.ToolCalls(llmtest.Call{ID: "p", Name: "ping", Args: map[string]any{"host": fmt.Sprintf("h%d.example.com", n)}}))
	}
	h := newHarness(t, testConfig(), adapter, []ToolSpec{pingSpec()}, func(d *Deps) {
		d.Embedder = embedderFunc(func(context.Context, string) ([]float32, error) { return []float32{1, 0, 0}, nil })
	})
	approveAll(t, h.m, func(ConfirmationRequest) Decision { return Deny("stuck") })

	id := h.start(t, "ping hosts", SessionOptions{})
	assert.Equal(t, KindLoopDetected, KindOf(h.wait(t, id)))
	assert.Equal(t, 3, adapter.Calls())
}

type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

func mustSession(t *testing.T, m *Manager, id string) *Session {
	t.Helper()
	s, err := m.Session(id)
	require.NoError(t, err)
	return s
}
