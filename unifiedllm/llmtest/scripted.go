// Package llmtest provides deterministic provider adapters for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/conductor/unifiedllm"
)

// Step configures one provider call in a scripted sequence.
type Step struct {
	Response *unifiedllm.Response
	Err      error
	// Delay postpones the reply. A Step with Block set waits for the
	// request context to end and returns its error.
	Delay time.Duration
	Block bool
}

// ScriptedAdapter is a unifiedllm.Adapter that replays Steps in
// order and records every request it receives.
type ScriptedAdapter struct {
	name string

	mu       sync.Mutex
	index    int
	steps    []Step
	repeat   *Step
	requests []unifiedllm.Request
}

var _ unifiedllm.Adapter = (*ScriptedAdapter)(nil)

// NewScriptedAdapter returns an adapter named name that replays steps.
func NewScriptedAdapter(name string, steps ...Step) *ScriptedAdapter {
	cloned := make([]Step, len(steps))
	copy(cloned, steps)
	return &ScriptedAdapter{name: name, steps: cloned}
}

// Then appends steps to the script.
func (a *ScriptedAdapter) Then(steps ...Step) *ScriptedAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, steps...)
	return a
}

// Repeat makes step the reply for every call once the script is exhausted.
func (a *ScriptedAdapter) Repeat(step Step) *ScriptedAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.repeat = &step
	return a
}

func (a *ScriptedAdapter) Name() string { return a.name }

func (a *ScriptedAdapter) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	var step Step
	switch {
	case a.index < len(a.steps):
		step = a.steps[a.index]
		a.index++
	case a.repeat != nil:
		step = *a.repeat
	default:
		n := a.index + 1
		a.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at step %d", n)
	}
	a.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	if resp.Provider == "" {
		resp.Provider = a.name
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

// Requests returns a copy of every request received so far.
func (a *ScriptedAdapter) Requests() []unifiedllm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]unifiedllm.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// Calls returns the number of Complete calls received.
func (a *ScriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// Text is a Step whose reply is a final text answer.
func Text(text string) Step {
	return Step{Response: &unifiedllm.Response{
		ID:           "resp_text",
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishStop,
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

// Call describes one tool call for ToolCalls.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCalls is a Step whose reply requests the given tool calls.
func ToolCalls(calls ...Call) Step {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, c := range calls {
		args, err := json.Marshal(c.Args)
		if err != nil || c.Args == nil {
			args = []byte(`{}`)
		}
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.ID, c.Name, args))
	}
	return Step{Response: &unifiedllm.Response{
		ID:           "resp_tools",
		Message:      msg,
		FinishReason: unifiedllm.FinishToolCalls,
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

// WithUsage returns a copy of s reporting the given token usage.
func (s Step) WithUsage(input, output int) Step {
	if s.Response == nil {
		return s
	}
	resp := *s.Response
	resp.Usage = unifiedllm.Usage{InputTokens: input, OutputTokens: output}
	s.Response = &resp
	return s
}

// Fail is a Step whose call returns err.
func Fail(err error) Step { return Step{Err: err} }
