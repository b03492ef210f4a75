package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how long tool output is shortened before it is
// added to the conversation.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// TruncateOutput shortens output to at most maxChars characters of content
// plus a marker describing what was removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: first %d characters removed; the full output is in the event stream]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[output truncated: %d characters removed from the middle; the full output is in the event stream]\n\n", removed) +
		output[len(output)-(maxChars-half):]
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", len(lines)-head-tail) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// truncateForConversation applies the tool's truncation settings, falling
// back to maxChars with head/tail mode.
func truncateForConversation(spec *ToolSpec, output string, maxChars int) string {
	mode := TruncateHeadTail
	maxLines := 0
	if spec != nil {
		if spec.Truncation != "" {
			mode = spec.Truncation
		}
		maxLines = spec.MaxLines
	}
	return TruncateLines(TruncateOutput(output, maxChars, mode), maxLines)
}
