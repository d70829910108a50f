// Package tools defines the builtin tool interface and registry.
// Builtin tools are exposed to reasoners as toolkit tools so they can be
// attached to actions in the recommendation graph.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/chorus/internal/toolkit"
)

// Tool is the interface all builtin tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "web_fetch").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before execution.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Invoker returns a toolkit invoker that validates, executes and unwraps t.
// An unsuccessful result is reported as an error carrying the output.
func Invoker(t Tool) toolkit.Invoker {
	return toolkit.Func(func(ctx context.Context, args map[string]any) (any, error) {
		if args == nil {
			args = map[string]any{}
		}
		if err := t.Validate(args); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
		res, err := t.Execute(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
		if !res.Success {
			return nil, fmt.Errorf("%s failed: %s", t.Name(), res.Output)
		}
		return res.Output, nil
	})
}

// AsToolkit converts t to a toolkit tool whose id is its name.
func AsToolkit(t Tool) toolkit.Tool {
	return toolkit.Tool{
		ID:          t.Name(),
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      t.InputSchema(),
		Invoker:     Invoker(t),
	}
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Toolkit converts every registered tool, sorted by name.
func (r *Registry) Toolkit() []toolkit.Tool {
	names := r.List()
	out := make([]toolkit.Tool, 0, len(names))
	for _, name := range names {
		if t := r.Get(name); t != nil {
			out = append(out, AsToolkit(t))
		}
	}
	return out
}
