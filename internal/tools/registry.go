// Package tools declares the action inventory the orchestrator may use.
// Each tool is pure data: a name, a description the model reads, typed
// parameters and the internal HTTP endpoint it binds to. The registry
// is the only coupling between the orchestrator and the rest of the
// service; adding a tool here is all it takes to expose it.
package tools

import (
	"fmt"
	"sort"
)

// Location says where a parameter travels in the bound request.
type Location string

const (
	InQuery Location = "query"
	InPath  Location = "path"
	InBody  Location = "body"
)

// ParamSpec is one typed tool parameter.
type ParamSpec struct {
	Name        string
	Type        string // JSON-schema type: string, integer, number, boolean, array
	Description string
	Location    Location
	Required    bool
	Items       string // element type when Type == "array"
	Enum        []string
	Default     any
}

// Descriptor is one tool.
type Descriptor struct {
	Name        string
	Description string
	Method      string
	Path        string // loopback binding; {param} segments are filled from path params
	Params      []ParamSpec
}

// FunctionSchema renders the descriptor as an OpenAI function-calling
// tool definition.
func (d Descriptor) FunctionSchema() map[string]any {
	properties := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Type == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	parameters := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		parameters["required"] = required
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  parameters,
		},
	}
}

// Registry holds the tool inventory in declaration order.
type Registry struct {
	byName map[string]Descriptor
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Descriptor)}
}

// Register adds a tool; duplicate names are a programming error.
func (r *Registry) Register(d Descriptor) error {
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// List returns all tools in declaration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// FunctionSchemas renders the whole inventory for the reasoning engine.
func (r *Registry) FunctionSchemas() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, d := range r.List() {
		out = append(out, d.FunctionSchema())
	}
	return out
}
