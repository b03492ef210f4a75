package agentloop

import (
	"context"
	"fmt"
)

// UsageStats are the token counts reported for one model call.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Summarizer compresses a run of messages into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (string, error)
}

// ContextBudget tracks how much of the model's context window a conversation
// uses and compresses old messages when the threshold is reached.
type ContextBudget struct {
	window     int
	threshold  float64
	preserve   int
	counter    TokenCounter
	summarizer Summarizer
	overhead   int

	// estimate is the counter's view of the request; used is what the
	// provider last reported, never below estimate.
	estimate int
	used     int
}

// BudgetOptions configures a ContextBudget.
type BudgetOptions struct {
	Window         int
	Threshold      float64
	PreserveRecent int
	Counter        TokenCounter
	Summarizer     Summarizer
	// Overhead is the fixed cost of every request outside the messages,
	// such as the system prompt and tool schemas.
	Overhead int
}

// NewContextBudget creates a budget.
func NewContextBudget(opts BudgetOptions) *ContextBudget {
	if opts.Counter == nil {
		opts.Counter = HeuristicCounter{}
	}
	return &ContextBudget{
		window:     opts.Window,
		threshold:  opts.Threshold,
		preserve:   opts.PreserveRecent,
		counter:    opts.Counter,
		summarizer: opts.Summarizer,
		overhead:   opts.Overhead,
		estimate:   opts.Overhead,
		used:       opts.Overhead,
	}
}

// AccountFor records the usage reported by the latest model call. The
// reported prompt and completion cover everything sent and received so far.
// Providers that report nothing, or less than the local estimate, do not
// lower usage below the estimate.
func (b *ContextBudget) AccountFor(u UsageStats) {
	b.used = max(u.PromptTokens+u.CompletionTokens, b.estimate)
}

// AccountMessage adds the estimate of a message appended since the last
// model call.
func (b *ContextBudget) AccountMessage(m Message) {
	n := EstimateMessage(b.counter, m)
	b.estimate += n
	b.used += n
}

// Estimate returns the locally counted size of the next request.
func (b *ContextBudget) Estimate() int { return b.estimate }

// Used returns the tracked token usage.
func (b *ContextBudget) Used() int { return b.used }

// Window returns the context window size.
func (b *ContextBudget) Window() int { return b.window }

// Limit returns the summarization threshold in tokens.
func (b *ContextBudget) Limit() int {
	return int(float64(b.window) * b.threshold)
}

// Fraction returns used tokens as a fraction of the window.
func (b *ContextBudget) Fraction() float64 {
	if b.window <= 0 {
		return 0
	}
	return float64(b.used) / float64(b.window)
}

// ShouldSummarize reports whether usage has reached the threshold.
func (b *ContextBudget) ShouldSummarize() bool {
	return b.window > 0 && b.used >= b.Limit()
}

// Summarize replaces the oldest messages of conv with one summary message.
// The newest PreserveRecent messages are kept verbatim; when the tail would
// open with tool results, the cut moves back to include the assistant
// message that requested them. If the result still does not fit under the
// threshold the tail is shrunk one message at a time. When nothing fits a
// *ContextOverflowError is returned.
func (b *ContextBudget) Summarize(ctx context.Context, conv Conversation) (Conversation, error) {
	if b.summarizer == nil {
		return conv, fmt.Errorf("no summarizer configured")
	}
	msgs := conv.Messages()
	limit := b.Limit()
	best := b.overhead + EstimateMessages(b.counter, msgs)
	lastCut := -1

	for keep := b.preserve; keep >= 0; keep-- {
		cut := summaryCut(msgs, keep)
		if cut == 0 || cut == lastCut {
			continue
		}
		lastCut = cut

		text, err := b.summarizer.Summarize(ctx, msgs[:cut])
		if err != nil {
			return conv, fmt.Errorf("summarize %d messages: %w", cut, err)
		}
		out := make([]Message, 0, len(msgs)-cut+1)
		out = append(out, SummaryMessage(text))
		out = append(out, msgs[cut:]...)

		est := b.overhead + EstimateMessages(b.counter, out)
		if est < limit {
			b.estimate = est
			b.used = est
			return NewConversation(out...), nil
		}
		if est < best {
			best = est
		}
	}
	return conv, &ContextOverflowError{Estimated: best, Limit: limit}
}

// summaryCut returns the index where the preserved tail of keep messages
// starts, moved earlier so the tail never opens with a tool result.
func summaryCut(msgs []Message, keep int) int {
	cut := len(msgs) - keep
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && cut < len(msgs) && msgs[cut].Role == RoleTool {
		cut--
	}
	return cut
}
