package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/conductor/unifiedllm"
	"github.com/martinemde/conductor/unifiedllm/llmtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig keeps retries fast and the window fixed.
func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Provider = "scripted"
	cfg.Model = "test-model"
	cfg.ContextWindow = 16384
	cfg.Retry = unifiedllm.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	cfg.GateTimeout = 5 * time.Second
	return cfg
}

// fakeFS is an in-memory target for write_file and read_file tools.
type fakeFS struct {
	mu     sync.Mutex
	files  map[string]string
	writes int
}

func newFakeFS() *fakeFS { return &fakeFS{files: map[string]string{}} }

func (f *fakeFS) content(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path]
	return c, ok
}

func (f *fakeFS) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeFS) writeSpec() ToolSpec {
	return ToolSpec{
		Definition: unifiedllm.ToolDefinition{Name: "write_file", Description: "Write a file"},
		Mutating:   true,
		TargetArgs: []string{"path"},
		Factory: func() (Tool, error) {
			return ToolFunc(func(_ context.Context, args map[string]any) (string, error) {
				path, _ := GetStringArg(args, "path")
				content, _ := GetStringArg(args, "content")
				f.mu.Lock()
				defer f.mu.Unlock()
				f.files[path] = content
				f.writes++
				return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
			}), nil
		},
	}
}

func (f *fakeFS) readSpec() ToolSpec {
	return ToolSpec{
		Definition: unifiedllm.ToolDefinition{Name: "read_file", Description: "Read a file"},
		TargetArgs: []string{"path"},
		Factory: func() (Tool, error) {
			return ToolFunc(func(_ context.Context, args map[string]any) (string, error) {
				path, _ := GetStringArg(args, "path")
				c, ok := f.content(path)
				if !ok {
					return "", fmt.Errorf("%s: no such file", path)
				}
				return c, nil
			}), nil
		},
	}
}

// pingSpec always answers the same way, which makes loops easy to script.
func pingSpec() ToolSpec {
	return ToolSpec{
		Definition: unifiedllm.ToolDefinition{Name: "ping", Description: "Ping a host"},
		Factory: func() (Tool, error) {
			return ToolFunc(func(_ context.Context, args map[string]any) (string, error) {
				host, _ := GetStringArg(args, "host")
				return "PING " + host + ": 64 bytes, time=1ms", nil
			}), nil
		},
	}
}

type harness struct {
	m       *Manager
	adapter *llmtest.ScriptedAdapter
	sub     *Subscription
}

func newHarness(t *testing.T, cfg SessionConfig, adapter *llmtest.ScriptedAdapter, specs []ToolSpec, configure ...func(*Deps)) *harness {
	t.Helper()
	catalog, err := NewToolCatalog(specs...)
	require.NoError(t, err)

	deps := Deps{
		Client:    unifiedllm.NewClient(unifiedllm.WithAdapter(adapter)),
		Catalog:   catalog,
		Publisher: NewPublisher(4096, nil),
	}
	for _, fn := range configure {
		fn(&deps)
	}
	m, err := NewManager(cfg, deps)
	require.NoError(t, err)

	h := &harness{m: m, adapter: adapter, sub: m.Subscribe("")}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
		m.Publisher().Close()
	})
	return h
}

func (h *harness) start(t *testing.T, instruction string, opts SessionOptions) string {
	t.Helper()
	id, err := h.m.StartSession(context.Background(), instruction, opts)
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T, id string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.m.Wait(ctx, id)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return err
}

// drain returns the events published so far for session id. Terminal
// events are published before Wait returns, so nothing is missed.
func (h *harness) drain(id string) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-h.sub.Events():
			if !ok {
				return out
			}
			if ev.SessionID == id {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func kinds(events []Event, only ...EventKind) []EventKind {
	keep := map[EventKind]bool{}
	for _, k := range only {
		keep[k] = true
	}
	var out []EventKind
	for _, ev := range events {
		if len(only) == 0 || keep[ev.Kind] {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// approveAll answers every confirmation_required event through the broker.
func approveAll(t *testing.T, m *Manager, decide func(ConfirmationRequest) Decision) {
	t.Helper()
	sub := m.Subscribe("")
	go func() {
		for ev := range sub.Events() {
			if ev.Kind != EventConfirmationRequired {
				continue
			}
			_ = m.ResolveConfirmation(ev.Confirmation.Request.ID, decide(ev.Confirmation.Request))
		}
	}()
}

// contentOf returns the text and tool result content of m.
func contentOf(m unifiedllm.Message) string {
	var sb strings.Builder
	for _, part := range m.Content {
		switch {
		case part.Kind == unifiedllm.ContentText:
			sb.WriteString(part.Text)
		case part.ToolResult != nil:
			sb.WriteString(part.ToolResult.Content)
		}
	}
	return sb.String()
}
