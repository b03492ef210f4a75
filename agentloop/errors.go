package agentloop

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies run failures and failed tool outcomes.
type ErrorKind string

const (
	KindGatewayError         ErrorKind = "gateway_error"
	KindUnknownTool          ErrorKind = "unknown_tool"
	KindToolNotFound         ErrorKind = "tool_not_found"
	KindToolExecutionError   ErrorKind = "tool_execution_error"
	KindConfirmationDenied   ErrorKind = "confirmation_denied"
	KindLoopDetected         ErrorKind = "loop_detected"
	KindIterationCapExceeded ErrorKind = "iteration_cap_exceeded"
	KindContextOverflow      ErrorKind = "context_overflow"
	KindAborted              ErrorKind = "aborted"
	KindTimeout              ErrorKind = "timeout"
)

// Manager misuse.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionBusy      = errors.New("session is running")
	ErrSessionClosed    = errors.New("session is closed")
	ErrRequestNotFound  = errors.New("confirmation request not found")
	ErrManagerClosed    = errors.New("manager is shut down")
	ErrEmptyInstruction = errors.New("instruction is empty")
)

// RunError is the terminal error of a failed run.
type RunError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RunError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return KindGatewayError
	}
	var oe *ContextOverflowError
	if errors.As(err, &oe) {
		return KindContextOverflow
	}
	var ue *UnknownToolError
	if errors.As(err, &ue) {
		return KindUnknownTool
	}
	var ne *ToolNotFoundError
	if errors.As(err, &ne) {
		return KindToolNotFound
	}
	return ""
}

// GatewayError is returned when a model request fails after retries or with a
// non-retryable error.
type GatewayError struct {
	Role     GatewayRole
	Attempts int
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("model gateway (%s) failed after %d attempt(s): %v", e.Role, e.Attempts, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// UnknownToolError flags a tool call naming a tool outside the declared set.
type UnknownToolError struct {
	Name     string
	Declared []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q (available: %s)", e.Name, strings.Join(e.Declared, ", "))
}

// ToolNotFoundError is returned by Dispatcher.Resolve for names the catalog
// does not hold.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found in catalog", e.Name)
}

// ContextOverflowError means no summarization could bring the conversation
// under the budget threshold.
type ContextOverflowError struct {
	Estimated int
	Limit     int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: %d tokens after summarization, limit %d", e.Estimated, e.Limit)
}

func runErr(kind ErrorKind, err error, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func timeoutErr(d time.Duration) *RunError {
	return runErr(KindTimeout, nil, "run exceeded its %s deadline", d)
}
