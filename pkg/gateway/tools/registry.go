package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-voicerag/pkg/gateway/grounding"
	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

// Scope is the per-session state a handler may touch.
type Scope struct {
	SessionID string
	Grounding *grounding.Tracker
}

// Output is a handler's result. Payload is encoded as the tool result sent
// upstream; Results feeds the grounding tracker for tools that track them.
type Output struct {
	Payload any
	Results []search.Result
}

type Handler func(ctx context.Context, scope Scope, args json.RawMessage) (Output, error)

type Definition struct {
	Name          string
	Description   string
	Parameters    Schema
	Handler       Handler
	TracksResults bool
}

// FunctionTool is the advertised shape of a tool in the upstream session.
type FunctionTool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  Schema `json:"parameters"`
}

// Registry is an immutable set of tool definitions shared by every session.
type Registry struct {
	byName map[string]Definition
	order  []string
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	registry := &Registry{byName: make(map[string]Definition, len(defs))}
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("tools[%d]: name must be non-empty", i)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("tool %q: handler is required", name)
		}
		if _, exists := registry.byName[name]; exists {
			return nil, fmt.Errorf("tool %q: duplicate name", name)
		}
		def.Name = name
		registry.byName[name] = def
		registry.order = append(registry.order, name)
	}
	return registry, nil
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.byName[strings.TrimSpace(name)]
	return def, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Schemas returns the tool list advertised to the upstream model.
func (r *Registry) Schemas() []FunctionTool {
	if r == nil {
		return nil
	}
	out := make([]FunctionTool, 0, len(r.order))
	for _, name := range r.order {
		def := r.byName[name]
		out = append(out, FunctionTool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}
