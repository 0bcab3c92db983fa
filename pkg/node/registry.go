package node

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Factory builds instances of one node type. Schema returns a JSON schema for
// the factory's params, or nil when the type takes none; the registry
// validates params against it before Create runs.
type Factory interface {
	Type() string
	Description() string
	Schema() map[string]any
	Create(id string, params map[string]any) (Node, error)
}

// factoryFunc adapts plain functions to the Factory interface.
type factoryFunc struct {
	typ    string
	desc   string
	schema map[string]any
	create func(id string, params map[string]any) (Node, error)
}

func (f factoryFunc) Type() string           { return f.typ }
func (f factoryFunc) Description() string    { return f.desc }
func (f factoryFunc) Schema() map[string]any { return f.schema }
func (f factoryFunc) Create(id string, params map[string]any) (Node, error) {
	return f.create(id, params)
}

// NewFactory wraps a constructor function as a Factory.
func NewFactory(typ, desc string, schema map[string]any, create func(id string, params map[string]any) (Node, error)) Factory {
	return factoryFunc{typ: typ, desc: desc, schema: schema, create: create}
}

// Registry holds the node factories available to one engine.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Duplicate type names are rejected.
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[f.Type()]; exists {
		return fmt.Errorf("node type %q already registered", f.Type())
	}

	r.factories[f.Type()] = f

	return nil
}

// Get looks up a factory by type name.
func (r *Registry) Get(nodeType string) (Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.factories[nodeType]

	return f, ok
}

// List returns every factory sorted by type name.
func (r *Registry) List() []Factory {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Factory, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })

	return out
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	list := r.List()

	types := make([]string, len(list))
	for i, f := range list {
		types[i] = f.Type()
	}

	return types
}

// Create validates params against the factory's schema and builds the node.
func (r *Registry) Create(nodeType, id string, params map[string]any) (Node, error) {
	f, ok := r.Get(nodeType)
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}

	if schema := f.Schema(); schema != nil {
		if err := validateParams(schema, params); err != nil {
			return nil, fmt.Errorf("invalid params for node type %q: %w", nodeType, err)
		}
	}

	n, err := f.Create(id, params)
	if err != nil {
		return nil, fmt.Errorf("create node %q of type %q: %w", id, nodeType, err)
	}

	return n, nil
}

func validateParams(schema map[string]any, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("validate params: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}

		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}

	return nil
}
