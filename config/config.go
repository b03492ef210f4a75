// Package config loads conductor configuration with Viper.
//
// Precedence, highest first: command-line flags, CONDUCTOR_* environment
// variables, the project conductor.yml, the global
// $XDG_CONFIG_HOME/conductor/conductor.yml, then built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/conductor/agentloop"
	"github.com/martinemde/conductor/unifiedllm"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const fileName = "conductor.yml"

// Config holds all configuration values for conductor.
type Config struct {
	Provider        string `mapstructure:"provider" yaml:"provider,omitempty"`
	Model           string `mapstructure:"model" yaml:"model,omitempty"`
	SummarizerModel string `mapstructure:"summarizer_model" yaml:"summarizer_model,omitempty"`
	SystemPrompt    string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`

	MaxIterations       int     `mapstructure:"max_iterations" yaml:"max_iterations"`
	ContextWindow       int     `mapstructure:"context_window" yaml:"context_window"`
	SummarizeThreshold  float64 `mapstructure:"summarize_threshold" yaml:"summarize_threshold"`
	WarnThreshold       float64 `mapstructure:"warn_threshold" yaml:"warn_threshold"`
	PreserveRecent      int     `mapstructure:"preserve_recent" yaml:"preserve_recent"`
	LoopWindow          int     `mapstructure:"loop_window" yaml:"loop_window"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	MaxToolOutputChars  int     `mapstructure:"max_tool_output_chars" yaml:"max_tool_output_chars"`
	TokenCounter        string  `mapstructure:"token_counter" yaml:"token_counter"`
	EventBuffer         int     `mapstructure:"event_buffer" yaml:"event_buffer"`

	AutoApprove    bool     `mapstructure:"auto_approve" yaml:"auto_approve"`
	ProtectedPaths []string `mapstructure:"protected_paths" yaml:"protected_paths,omitempty"`
	DenialPolicy   string   `mapstructure:"denial_policy" yaml:"denial_policy"`

	Timeouts Timeouts `mapstructure:"timeouts" yaml:"timeouts"`
	Retry    Retry    `mapstructure:"retry" yaml:"retry"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogJSON  bool   `mapstructure:"log_json" yaml:"log_json"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`

	Embedding Embedding `mapstructure:"embedding" yaml:"embedding"`
	Events    Events    `mapstructure:"events" yaml:"events"`
	Audit     Audit     `mapstructure:"audit" yaml:"audit"`
	Serve     Serve     `mapstructure:"serve" yaml:"serve"`

	Tools []Tool `mapstructure:"tools" yaml:"tools,omitempty"`
}

// Tool declares an external command the agent may call.
type Tool struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	Description string        `mapstructure:"description" yaml:"description"`
	Command     []string      `mapstructure:"command" yaml:"command"`
	Params      []ToolParam   `mapstructure:"params" yaml:"params,omitempty"`
	Mutating    bool          `mapstructure:"mutating" yaml:"mutating,omitempty"`
	TargetArgs  []string      `mapstructure:"target_args" yaml:"target_args,omitempty"`
	OnDenied    string        `mapstructure:"on_denied" yaml:"on_denied,omitempty"`
	Truncation  string        `mapstructure:"truncation" yaml:"truncation,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"-"`
}

// ToolParam declares one argument of a Tool.
type ToolParam struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Type        string `mapstructure:"type" yaml:"type,omitempty"` // string, integer, number, boolean
	Description string `mapstructure:"description" yaml:"description,omitempty"`
	Required    bool   `mapstructure:"required" yaml:"required,omitempty"`
}

// Timeouts bounds model calls per role, confirmation waits and whole runs.
type Timeouts struct {
	Primary    time.Duration `mapstructure:"primary"`
	Summarizer time.Duration `mapstructure:"summarizer"`
	Embedder   time.Duration `mapstructure:"embedder"`
	Gate       time.Duration `mapstructure:"gate"`
	Run        time.Duration `mapstructure:"run"`
}

// MarshalYAML writes durations in their string form.
func (t Timeouts) MarshalYAML() (interface{}, error) {
	return map[string]string{
		"primary":    t.Primary.String(),
		"summarizer": t.Summarizer.String(),
		"embedder":   t.Embedder.String(),
		"gate":       t.Gate.String(),
		"run":        t.Run.String(),
	}, nil
}

// Retry configures the model gateway retry policy.
type Retry struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     bool          `mapstructure:"jitter"`
}

// MarshalYAML writes durations in their string form.
func (r Retry) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"max_retries": r.MaxRetries,
		"base_delay":  r.BaseDelay.String(),
		"max_delay":   r.MaxDelay.String(),
		"multiplier":  r.Multiplier,
		"jitter":      r.Jitter,
	}, nil
}

// Embedding configures the optional semantic loop detection embedder.
type Embedding struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Model    string `mapstructure:"model" yaml:"model"`
	TaskType string `mapstructure:"task_type" yaml:"task_type,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"-"`
}

// Events configures the JetStream event bridge.
type Events struct {
	NATS bool `mapstructure:"nats" yaml:"nats"`
}

// Audit configures the SQLite event audit log.
type Audit struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"` // "" = <data_dir>/audit.db
}

// Serve configures the MCP control server.
type Serve struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func setDefaults(v *viper.Viper) {
	d := agentloop.DefaultSessionConfig()
	v.SetDefault("provider", "")
	v.SetDefault("model", "")
	v.SetDefault("summarizer_model", "")
	v.SetDefault("system_prompt", "")
	v.SetDefault("max_iterations", d.MaxIterations)
	v.SetDefault("context_window", 0)
	v.SetDefault("summarize_threshold", d.SummarizeThreshold)
	v.SetDefault("warn_threshold", d.WarnThreshold)
	v.SetDefault("preserve_recent", d.PreserveRecent)
	v.SetDefault("loop_window", d.LoopWindow)
	v.SetDefault("similarity_threshold", d.SimilarityThreshold)
	v.SetDefault("max_tool_output_chars", d.MaxToolOutputChars)
	v.SetDefault("token_counter", "heuristic")
	v.SetDefault("event_buffer", 256)
	v.SetDefault("auto_approve", false)
	v.SetDefault("protected_paths", []string{".env", ".git/**"})
	v.SetDefault("denial_policy", string(d.DenialPolicy))

	v.SetDefault("timeouts.primary", d.RoleTimeouts.Primary)
	v.SetDefault("timeouts.summarizer", d.RoleTimeouts.Summarizer)
	v.SetDefault("timeouts.embedder", d.RoleTimeouts.Embedder)
	v.SetDefault("timeouts.gate", d.GateTimeout)
	v.SetDefault("timeouts.run", time.Duration(0))

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_json", false)
	v.SetDefault("data_dir", ".conductor")

	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.model", "gemini-embedding-001")
	v.SetDefault("embedding.task_type", "SEMANTIC_SIMILARITY")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("events.nats", false)
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", "")
	v.SetDefault("serve.addr", "127.0.0.1:8765")
}

// Load reads configuration for a project rooted at dir ("" = the working
// directory). Flags, when non-nil, take precedence over every other source;
// a flag named max-iterations overrides the max_iterations key.
func Load(dir string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Key without the prefix, as the Gemini SDK documents it.
	if err := v.BindEnv("embedding.api_key", "CONDUCTOR_EMBEDDING_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding embedding.api_key env: %w", err)
	}

	if globalPath := GlobalPath(); fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}
	if projectPath := ProjectPath(dir); fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !knownKey(v, key) {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("binding flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func knownKey(v *viper.Viper, key string) bool {
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SessionConfig maps the file configuration onto the orchestration loop's.
func (c *Config) SessionConfig() agentloop.SessionConfig {
	return agentloop.SessionConfig{
		Provider:            c.Provider,
		Model:               c.Model,
		SummarizerModel:     c.SummarizerModel,
		SystemPrompt:        c.SystemPrompt,
		MaxIterations:       c.MaxIterations,
		ContextWindow:       c.ContextWindow,
		SummarizeThreshold:  c.SummarizeThreshold,
		WarnThreshold:       c.WarnThreshold,
		PreserveRecent:      c.PreserveRecent,
		LoopWindow:          c.LoopWindow,
		SimilarityThreshold: c.SimilarityThreshold,
		RoleTimeouts: agentloop.RoleTimeouts{
			Primary:    c.Timeouts.Primary,
			Summarizer: c.Timeouts.Summarizer,
			Embedder:   c.Timeouts.Embedder,
		},
		Retry: unifiedllm.RetryPolicy{
			MaxRetries: c.Retry.MaxRetries,
			BaseDelay:  c.Retry.BaseDelay,
			MaxDelay:   c.Retry.MaxDelay,
			Multiplier: c.Retry.Multiplier,
			Jitter:     c.Retry.Jitter,
		},
		AutoApprove:        c.AutoApprove,
		ProtectedPaths:     c.ProtectedPaths,
		GateTimeout:        c.Timeouts.Gate,
		DenialPolicy:       agentloop.DenialPolicy(c.DenialPolicy),
		MaxToolOutputChars: c.MaxToolOutputChars,
		MaxRunDuration:     c.Timeouts.Run,
	}
}

// AuditPath returns the audit database path.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit.db")
}

// Exists reports whether a global or project config file exists.
func Exists(dir string) bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath(dir))
}

// GlobalPath returns $XDG_CONFIG_HOME/conductor/conductor.yml, falling back
// to ~/.config.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "conductor", fileName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "conductor", fileName)
}

// ProjectPath returns the project config path inside dir.
func ProjectPath(dir string) string {
	return filepath.Join(dir, fileName)
}

// Write marshals cfg to path, creating parent directories.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
