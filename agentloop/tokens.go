package agentloop

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/martinemde/conductor/unifiedllm"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token length of text.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates four characters per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenCounter counts tokens with a BPE encoding such as cl100k_base.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads encoding.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// messageOverhead approximates per-message framing tokens.
const messageOverhead = 4

// EstimateMessage estimates the tokens m occupies in a request.
func EstimateMessage(counter TokenCounter, m Message) int {
	n := messageOverhead + counter.Count(m.Content)
	if m.Role == RoleSummary {
		n += counter.Count(summaryPrefix)
	}
	for _, tc := range m.ToolCalls {
		n += counter.Count(tc.Name) + counter.Count(string(tc.Arguments))
	}
	return n
}

// EstimateMessages sums EstimateMessage over msgs.
func EstimateMessages(counter TokenCounter, msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(counter, m)
	}
	return total
}

// EstimateRequestOverhead estimates the tokens every request spends on the
// system prompt and the advertised tool schemas.
func EstimateRequestOverhead(counter TokenCounter, systemPrompt string, tools []unifiedllm.ToolDefinition) int {
	n := counter.Count(systemPrompt)
	if len(tools) > 0 {
		if b, err := json.Marshal(tools); err == nil {
			n += counter.Count(string(b))
		}
	}
	return n
}
