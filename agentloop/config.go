package agentloop

import (
	"fmt"
	"time"

	"github.com/martinemde/conductor/unifiedllm"
)

// DenialPolicy decides what happens after the operator declines a tool call.
type DenialPolicy string

const (
	// DenyContinue feeds the denial back to the model as a tool result.
	DenyContinue DenialPolicy = "continue"
	// DenyAlternative feeds the denial back and adds an operator note asking
	// the model for a different approach.
	DenyAlternative DenialPolicy = "alternative"
	// DenyFail ends the run with confirmation_denied.
	DenyFail DenialPolicy = "fail"
)

// Valid reports whether p is a known policy.
func (p DenialPolicy) Valid() bool {
	switch p {
	case DenyContinue, DenyAlternative, DenyFail:
		return true
	}
	return false
}

// RoleTimeouts bounds each gateway attempt, per caller role.
type RoleTimeouts struct {
	Primary    time.Duration `json:"primary" mapstructure:"primary"`
	Summarizer time.Duration `json:"summarizer" mapstructure:"summarizer"`
	Embedder   time.Duration `json:"embedder" mapstructure:"embedder"`
}

// For returns the timeout for role.
func (t RoleTimeouts) For(role GatewayRole) time.Duration {
	switch role {
	case GatewaySummarizer:
		return t.Summarizer
	case GatewayEmbedder:
		return t.Embedder
	default:
		return t.Primary
	}
}

// SessionConfig holds the operator configuration applied to every session.
type SessionConfig struct {
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	SummarizerModel string `json:"summarizer_model,omitempty"` // "" = Model
	SystemPrompt    string `json:"system_prompt,omitempty"`

	MaxIterations       int     `json:"max_iterations"`
	ContextWindow       int     `json:"context_window"` // 0 = from the model catalog
	SummarizeThreshold  float64 `json:"summarize_threshold"`
	WarnThreshold       float64 `json:"warn_threshold"`
	PreserveRecent      int     `json:"preserve_recent"`
	LoopWindow          int     `json:"loop_window"`
	SimilarityThreshold float64 `json:"similarity_threshold"`

	RoleTimeouts RoleTimeouts           `json:"role_timeouts"`
	Retry        unifiedllm.RetryPolicy `json:"-"`

	AutoApprove    bool          `json:"auto_approve"`
	ProtectedPaths []string      `json:"protected_paths,omitempty"`
	GateTimeout    time.Duration `json:"gate_timeout"`
	DenialPolicy   DenialPolicy  `json:"denial_policy"`

	MaxToolOutputChars int           `json:"max_tool_output_chars"`
	MaxRunDuration     time.Duration `json:"max_run_duration"` // 0 = no deadline
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIterations:       30,
		SummarizeThreshold:  0.70,
		WarnThreshold:       0.80,
		PreserveRecent:      4,
		LoopWindow:          3,
		SimilarityThreshold: 0.95,
		RoleTimeouts: RoleTimeouts{
			Primary:    2 * time.Minute,
			Summarizer: time.Minute,
			Embedder:   15 * time.Second,
		},
		Retry:              unifiedllm.DefaultRetryPolicy(),
		GateTimeout:        5 * time.Minute,
		DenialPolicy:       DenyContinue,
		MaxToolOutputChars: 30000,
	}
}

// withDefaults fills zero values from DefaultSessionConfig.
func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.SummarizeThreshold <= 0 {
		c.SummarizeThreshold = d.SummarizeThreshold
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = d.WarnThreshold
	}
	if c.PreserveRecent < 0 {
		c.PreserveRecent = d.PreserveRecent
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = d.LoopWindow
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.RoleTimeouts.Primary <= 0 {
		c.RoleTimeouts.Primary = d.RoleTimeouts.Primary
	}
	if c.RoleTimeouts.Summarizer <= 0 {
		c.RoleTimeouts.Summarizer = d.RoleTimeouts.Summarizer
	}
	if c.RoleTimeouts.Embedder <= 0 {
		c.RoleTimeouts.Embedder = d.RoleTimeouts.Embedder
	}
	// A policy with neither delay nor multiplier was never configured.
	if c.Retry.Multiplier == 0 && c.Retry.BaseDelay == 0 {
		c.Retry = d.Retry
	}
	if c.GateTimeout <= 0 {
		c.GateTimeout = d.GateTimeout
	}
	if c.DenialPolicy == "" {
		c.DenialPolicy = d.DenialPolicy
	}
	if c.MaxToolOutputChars <= 0 {
		c.MaxToolOutputChars = d.MaxToolOutputChars
	}
	return c
}

// Validate reports configuration values that cannot be used.
func (c SessionConfig) Validate() error {
	if c.SummarizeThreshold > 1 {
		return fmt.Errorf("summarize_threshold must be within (0, 1], got %v", c.SummarizeThreshold)
	}
	if c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be within (0, 1], got %v", c.SimilarityThreshold)
	}
	if c.DenialPolicy != "" && !c.DenialPolicy.Valid() {
		return fmt.Errorf("unknown denial_policy %q", c.DenialPolicy)
	}
	for _, p := range c.ProtectedPaths {
		if err := validatePattern(p); err != nil {
			return fmt.Errorf("protected path %q: %w", p, err)
		}
	}
	return nil
}

// SessionOptions are per-session overrides supplied with StartSession. They
// may toggle auto-approve but cannot change the protected path list.
type SessionOptions struct {
	AutoApprove   *bool
	Provider      string
	Model         string
	MaxIterations int
	WorkDir       string
	Metadata      map[string]string
}
