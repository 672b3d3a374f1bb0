package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxstream/duplex/shared"
)

// HandlerFunc executes a tool against validated arguments and returns a
// JSON-serializable result.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is the capability a registered tool exposes: argument validation and
// side-effecting execution.
type Tool interface {
	Validate(args map[string]any) error
	Execute(ctx context.Context, args map[string]any) (any, error)
}

type funcTool struct {
	name   string
	schema map[string]any
	fn     HandlerFunc
}

var _ Tool = (*funcTool)(nil)

// Validate checks args against the tool's input schema: required properties
// must be present, and declared property types must match.
func (t *funcTool) Validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	if required, ok := t.schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q: %w", name, shared.ErrToolInvalidInput)
			}
		}
	}
	properties, ok := t.schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, raw := range args {
		propAny, ok := properties[name]
		if !ok {
			return fmt.Errorf("unexpected argument %q: %w", name, shared.ErrToolInvalidInput)
		}
		prop, ok := propAny.(map[string]any)
		if !ok {
			continue
		}
		typ, ok := prop["type"].(string)
		if !ok {
			continue
		}
		if !matchesSchemaType(raw, typ) {
			return fmt.Errorf("argument %q is not of type %s: %w", name, typ, shared.ErrToolInvalidInput)
		}
	}
	return nil
}

func matchesSchemaType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	}
	return true
}

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// Registry maps tool names to their schema and handler. Registration happens
// at configuration time; lookups are concurrent-safe.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]map[string]any
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   map[string]Tool{},
		schemas: map[string]map[string]any{},
	}
}

func (r *Registry) Register(name string, inputSchema map[string]any, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("empty tool name: %w", shared.ErrToolInvalidInput)
	}
	if fn == nil {
		return fmt.Errorf("tool %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s: %w", name, shared.ErrToolAlreadyDefined)
	}
	r.tools[name] = &funcTool{name: name, schema: inputSchema, fn: fn}
	r.schemas[name] = inputSchema
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Configuration renders the registry as the toolConfiguration map carried by
// the promptStart event.
func (r *Registry) Configuration() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]any, 0, len(r.order))
	for _, name := range r.order {
		spec := map[string]any{"name": name}
		if schema := r.schemas[name]; schema != nil {
			spec["inputSchema"] = schema
		}
		specs = append(specs, spec)
	}
	return map[string]any{"tools": specs}
}
