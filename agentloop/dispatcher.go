package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/martinemde/conductor/unifiedllm"
)

// Tool is an executable capability. Implementations live outside this
// package; the loop only sees their results.
type Tool interface {
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

func (f ToolFunc) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return f(ctx, args)
}

// ToolSpec describes a tool in the catalog.
type ToolSpec struct {
	Definition unifiedllm.ToolDefinition

	// Mutating tools are gated by the Confirmation Gate.
	Mutating bool

	// TargetArgs names the arguments holding the paths or resources the tool
	// acts on. Every one of them is checked against the protected path list;
	// string arrays contribute each element.
	TargetArgs []string

	// OnDenied overrides the session's denial policy for this tool.
	OnDenied DenialPolicy

	Truncation TruncationMode
	MaxLines   int

	// Factory constructs the tool on first use in a session.
	Factory func() (Tool, error)
}

// Name returns the tool name.
func (s *ToolSpec) Name() string { return s.Definition.Name }

// Target returns the first target in args, or "".
func (s *ToolSpec) Target(args map[string]any) string {
	if t := s.Targets(args); len(t) > 0 {
		return t[0]
	}
	return ""
}

// Targets returns every non-empty string named by TargetArgs, in order.
func (s *ToolSpec) Targets(args map[string]any) []string {
	var out []string
	for _, key := range s.TargetArgs {
		switch v := args[key].(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case []string:
			for _, e := range v {
				if e != "" {
					out = append(out, e)
				}
			}
		case []any:
			for _, e := range v {
				if str, ok := e.(string); ok && str != "" {
					out = append(out, str)
				}
			}
		}
	}
	return out
}

// ToolCatalog is the shared set of tool specs, built at startup.
type ToolCatalog struct {
	mu    sync.RWMutex
	specs map[string]*ToolSpec
}

// NewToolCatalog creates a catalog holding specs.
func NewToolCatalog(specs ...ToolSpec) (*ToolCatalog, error) {
	c := &ToolCatalog{specs: make(map[string]*ToolSpec)}
	for _, spec := range specs {
		if err := c.Register(spec); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds or replaces a tool spec.
func (c *ToolCatalog) Register(spec ToolSpec) error {
	if spec.Definition.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if spec.Factory == nil {
		return fmt.Errorf("tool %q has no factory", spec.Definition.Name)
	}
	if spec.OnDenied != "" && !spec.OnDenied.Valid() {
		return fmt.Errorf("tool %q: unknown denial policy %q", spec.Definition.Name, spec.OnDenied)
	}
	if spec.Definition.Parameters == nil {
		spec.Definition.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Definition.Name] = &spec
	return nil
}

// Get returns the spec for name.
func (c *ToolCatalog) Get(name string) (*ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	return spec, ok
}

// Names returns all tool names, sorted.
func (c *ToolCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the schema set sent with every model request, sorted
// by name so requests are deterministic.
func (c *ToolCatalog) Definitions() []unifiedllm.ToolDefinition {
	names := c.Names()
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if spec, ok := c.specs[name]; ok {
			defs = append(defs, spec.Definition)
		}
	}
	return defs
}

// ToolHandle is a constructed tool bound to its spec.
type ToolHandle struct {
	Spec *ToolSpec
	Tool Tool
}

// ToolOutcome is the result of one invocation.
type ToolOutcome struct {
	Success bool      `json:"success"`
	Value   string    `json:"value,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

func succeeded(value string) ToolOutcome { return ToolOutcome{Success: true, Value: value} }

func failed(kind ErrorKind, format string, args ...any) ToolOutcome {
	return ToolOutcome{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Text is what the model sees for this outcome.
func (o ToolOutcome) Text() string {
	if o.Success {
		return o.Value
	}
	return fmt.Sprintf("Error (%s): %s", o.Kind, o.Message)
}

// Dispatcher resolves tools for one session. Each tool is constructed at most
// once per session and reused afterwards.
type Dispatcher struct {
	catalog *ToolCatalog

	mu    sync.Mutex
	cache map[string]*ToolHandle
}

// NewDispatcher creates a per-session dispatcher over catalog.
func NewDispatcher(catalog *ToolCatalog) *Dispatcher {
	return &Dispatcher{catalog: catalog, cache: make(map[string]*ToolHandle)}
}

// Resolve returns the session's handle for name, constructing it on first
// use. Unknown names yield *ToolNotFoundError.
func (d *Dispatcher) Resolve(name string) (*ToolHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.cache[name]; ok {
		return h, nil
	}
	spec, ok := d.catalog.Get(name)
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}
	tool, err := spec.Factory()
	if err != nil {
		return nil, fmt.Errorf("construct tool %q: %w", name, err)
	}
	h := &ToolHandle{Spec: spec, Tool: tool}
	d.cache[name] = h
	return h, nil
}

// Invoke runs the tool. Errors and panics become failed outcomes.
func (d *Dispatcher) Invoke(ctx context.Context, h *ToolHandle, args map[string]any) (out ToolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(KindToolExecutionError, "tool %s panicked: %v", h.Spec.Name(), r)
		}
	}()
	value, err := h.Tool.Invoke(ctx, args)
	if err != nil {
		return failed(KindToolExecutionError, "%v", err)
	}
	return succeeded(value)
}

// ParseToolArguments unmarshals raw tool call arguments into a map. Empty
// input yields an empty map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument.
func GetIntArg(args map[string]any, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}
