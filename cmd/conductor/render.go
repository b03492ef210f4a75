package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/martinemde/conductor/agentloop"
)

const previewChars = 200

// renderEvent formats ev as console output. It returns "" for events the
// console does not show.
func renderEvent(ev agentloop.Event, verbose bool) string {
	switch ev.Kind {
	case agentloop.EventSessionStart:
		if d := ev.SessionStart; d != nil {
			verb := "session"
			if d.Resumed {
				verb = "resumed"
			}
			return fmt.Sprintf("● %s %s (%s)", verb, short(ev.SessionID), d.Model)
		}
	case agentloop.EventIteration:
		if verbose {
			return fmt.Sprintf("─ iteration %d", ev.Iteration)
		}
	case agentloop.EventToolCall:
		if d := ev.ToolCall; d != nil {
			return fmt.Sprintf("→ %s %s", d.Name, formatArgs(d.Arguments))
		}
	case agentloop.EventToolResult:
		if d := ev.ToolResult; d != nil {
			if !d.Success {
				return fmt.Sprintf("✗ %s: %s", d.Name, preview(d.Error))
			}
			if verbose {
				return fmt.Sprintf("✓ %s: %s", d.Name, preview(d.Payload))
			}
			return fmt.Sprintf("✓ %s", d.Name)
		}
	case agentloop.EventConfirmationResolved:
		if d := ev.Confirmation; d != nil {
			if d.Request.Auto {
				return ""
			}
			return fmt.Sprintf("  %s %s", d.Request.Decision.State, describe(d.Request))
		}
	case agentloop.EventLoopDetected:
		if d := ev.Loop; d != nil {
			return fmt.Sprintf("! %s repeated %d times with the same result", d.Tool, d.Window)
		}
	case agentloop.EventSummarized:
		if d := ev.Summarized; d != nil {
			return fmt.Sprintf("… summarized %d messages (%d → %d tokens)", d.ReplacedMessages, d.TokensBefore, d.TokensAfter)
		}
	case agentloop.EventWarning:
		if d := ev.Warning; d != nil {
			return "! " + d.Message
		}
	case agentloop.EventFinalAnswer:
		if d := ev.FinalAnswer; d != nil {
			return "\n" + d.Text
		}
	case agentloop.EventError:
		if d := ev.Error; d != nil {
			return fmt.Sprintf("✗ %s: %s", d.Kind, d.Message)
		}
	}
	return ""
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func preview(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if r := []rune(s); len(r) > previewChars {
		return string(r[:previewChars]) + "…"
	}
	return s
}

// formatArgs renders arguments as sorted key=value pairs.
func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch x := args[k].(type) {
		case string:
			v = x
		default:
			b, _ := json.Marshal(x)
			v = string(b)
		}
		parts = append(parts, k+"="+preview(v))
	}
	return strings.Join(parts, " ")
}

func describe(req agentloop.ConfirmationRequest) string {
	if req.Kind == agentloop.ConfirmLoopCheckpoint {
		return "loop checkpoint: " + req.Description
	}
	if req.Target != "" {
		return fmt.Sprintf("%s on %s", req.Tool, req.Target)
	}
	return req.Tool
}

// promptApprover asks on the console. One goroutine reads input lines for
// the life of the process so an abandoned prompt does not swallow the next
// answer.
type promptApprover struct {
	out io.Writer
	mu  sync.Mutex // one prompt at a time

	once  sync.Once
	in    io.Reader
	lines chan string
}

func newPromptApprover(in io.Reader, out io.Writer) *promptApprover {
	return &promptApprover{in: in, out: out}
}

func (p *promptApprover) start() {
	p.lines = make(chan string)
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
	}()
}

func (p *promptApprover) RequestApproval(ctx context.Context, req agentloop.ConfirmationRequest) (agentloop.Decision, error) {
	p.once.Do(p.start)
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "? %s", describe(req))
	if req.Kind == agentloop.ConfirmTool && len(req.Arguments) > 0 {
		fmt.Fprintf(p.out, "\n  %s", formatArgs(req.Arguments))
	}
	fmt.Fprintf(p.out, "\n  risk: %s. Approve? [y/N] ", req.Risk)

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return agentloop.Decision{}, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return agentloop.Deny("no operator input"), nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return agentloop.Approve(), nil
		default:
			return agentloop.Deny("denied by operator"), nil
		}
	}
}
