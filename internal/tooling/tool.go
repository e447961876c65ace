// Package tooling implements the registry of model-invokable tools and the
// ToolExecutor collaborator the spec's generation pump dispatches into.
// Adapted from the teacher's pkg/tools: a Tool interface with JSON-Schema
// metadata plus an Execute method, gathered in an immutable-after-init
// Registry.
package tooling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tool is a single model-invokable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Required() []string
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds every registered Tool, indexed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a Tool under its own Name().
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get resolves a tool name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool's name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schema describes one tool in provider-agnostic JSON Schema form, suitable
// for translation into any model driver's native tool-declaration format.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Schemas returns every registered tool's Schema, sorted by name.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Schema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters: map[string]any{
				"type":       "object",
				"properties": t.Parameters(),
				"required":   t.Required(),
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Executor implements the ChatEngine-adjacent ToolExecutor collaborator:
// run a named tool with a JSON argument object, returning a JSON result
// string or a structured error.
type Executor struct {
	registry *Registry
}

// NewExecutor wraps a Registry as a ToolExecutor.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Run parses argumentsJSON, executes the named tool, and marshals the
// result back to a JSON string. The returned error, when non-nil, is a
// *ExecutionError describing the §7 ToolExecutionError taxonomy entry.
func (e *Executor) Run(ctx context.Context, name string, argumentsJSON string) (string, error) {
	tool, ok := e.registry.Get(name)
	if !ok {
		return "", &ExecutionError{Tool: name, Cause: fmt.Errorf("unknown tool %q", name)}
	}

	var args map[string]any
	if argumentsJSON != "" {
		if err := json.UnmarshalFromString(argumentsJSON, &args); err != nil {
			return "", &ExecutionError{Tool: name, Cause: fmt.Errorf("invalid arguments: %w", err), Arguments: nil}
		}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return "", &ExecutionError{Tool: name, Cause: err, Arguments: args}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", &ExecutionError{Tool: name, Cause: fmt.Errorf("failed to marshal result: %w", err), Arguments: args}
	}
	return string(out), nil
}

// ExecutionError is the §7 ToolExecutionError: a structured JSON-renderable
// failure that generation can often recover from by feeding it back to the
// model as a tool result.
type ExecutionError struct {
	Tool      string
	Cause     error
	Arguments map[string]any
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q execution failed: %v", e.Tool, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// AsStructured renders the error in the §7 wire shape:
//
//	{"type":"tool_execution_error","message":"...","details":{"tool":"...","error":"...","arguments":{...}}}
func (e *ExecutionError) AsStructured() string {
	payload := map[string]any{
		"type":    "tool_execution_error",
		"message": fmt.Sprintf("Tool '%s' execution failed", e.Tool),
		"details": map[string]any{
			"tool":      e.Tool,
			"error":     e.Cause.Error(),
			"arguments": e.Arguments,
		},
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return e.Error()
	}
	return string(out)
}
