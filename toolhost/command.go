// Package toolhost turns operator-declared external commands into agent
// tools. Each call runs the command once; arguments are substituted into
// {name} placeholders in the argv and also passed as JSON on stdin.
package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/martinemde/conductor/agentloop"
	"github.com/martinemde/conductor/unifiedllm"
)

const defaultTimeout = 2 * time.Minute

var (
	namePattern        = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	placeholderPattern = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)
)

// Param is one declared argument.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Command declares an external command tool.
type Command struct {
	Name        string
	Description string
	Argv        []string
	Params      []Param
	Mutating    bool
	TargetArgs  []string
	OnDenied    agentloop.DenialPolicy
	Truncation  agentloop.TruncationMode
	Timeout     time.Duration
	// Dir is the working directory; empty uses the process's.
	Dir string
	Env []string
}

// Validate checks the declaration.
func (c Command) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("tool name %q must start with a letter and contain only letters, digits, _ or -", c.Name)
	}
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return fmt.Errorf("tool %s: command is required", c.Name)
	}
	declared := make(map[string]bool, len(c.Params))
	for _, p := range c.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter without a name", c.Name)
		}
		switch p.Type {
		case "", "string", "integer", "number", "boolean":
		default:
			return fmt.Errorf("tool %s: parameter %s has unsupported type %q", c.Name, p.Name, p.Type)
		}
		declared[p.Name] = true
	}
	for _, arg := range c.Argv {
		for _, m := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			if !declared[m[1]] {
				return fmt.Errorf("tool %s: placeholder {%s} has no matching parameter", c.Name, m[1])
			}
		}
	}
	if c.OnDenied != "" && !c.OnDenied.Valid() {
		return fmt.Errorf("tool %s: invalid on_denied policy %q", c.Name, c.OnDenied)
	}
	return nil
}

// Schema returns the JSON Schema of the tool's arguments.
func (c Command) Schema() map[string]interface{} {
	props := make(map[string]interface{}, len(c.Params))
	required := []string{}
	for _, p := range c.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]interface{}{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Spec converts the declaration into a catalog entry.
func (c Command) Spec() (agentloop.ToolSpec, error) {
	if err := c.Validate(); err != nil {
		return agentloop.ToolSpec{}, err
	}
	return agentloop.ToolSpec{
		Definition: unifiedllm.ToolDefinition{
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.Schema(),
		},
		Mutating:   c.Mutating,
		TargetArgs: c.TargetArgs,
		OnDenied:   c.OnDenied,
		Truncation: c.Truncation,
		Factory: func() (agentloop.Tool, error) {
			if _, err := exec.LookPath(c.Argv[0]); err != nil {
				return nil, fmt.Errorf("tool %s: %w", c.Name, err)
			}
			return &runner{cmd: c}, nil
		},
	}, nil
}

// Specs converts every declaration, failing on the first invalid one.
func Specs(cmds []Command) ([]agentloop.ToolSpec, error) {
	specs := make([]agentloop.ToolSpec, 0, len(cmds))
	for _, c := range cmds {
		spec, err := c.Spec()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

type runner struct {
	cmd Command
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Tool     string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, out)
}

func (r *runner) Invoke(ctx context.Context, args map[string]any) (string, error) {
	for _, p := range r.cmd.Params {
		if _, ok := args[p.Name]; p.Required && !ok {
			return "", fmt.Errorf("%s is required", p.Name)
		}
	}
	argv, err := expand(r.cmd.Argv, args)
	if err != nil {
		return "", err
	}
	stdin, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	timeout := r.cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cmd.Dir
	if len(r.cmd.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.cmd.Env...)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s timed out after %s", r.cmd.Name, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", &ExitError{Tool: r.cmd.Name, ExitCode: exitErr.ExitCode(), Output: out.String()}
	}
	if err != nil {
		return "", fmt.Errorf("run %s: %w", r.cmd.Name, err)
	}
	return out.String(), nil
}

// expand substitutes {name} placeholders. A missing optional argument
// becomes an empty string.
func expand(argv []string, args map[string]any) ([]string, error) {
	out := make([]string, len(argv))
	var expandErr error
	for i, a := range argv {
		out[i] = placeholderPattern.ReplaceAllStringFunc(a, func(m string) string {
			name := m[1 : len(m)-1]
			s, err := argString(args[name])
			if err != nil && expandErr == nil {
				expandErr = fmt.Errorf("argument %s: %w", name, err)
			}
			return s
		})
	}
	return out, expandErr
}

func argString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("cannot pass %T as a command argument", v)
	}
}
