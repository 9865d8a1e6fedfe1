package value

import (
	"fmt"
	"sync"
)

// PropertySchema describes one allowed property of an entity type: its value
// variant and whether the store should maintain a secondary index on it.
type PropertySchema struct {
	Kind    Kind
	Indexed bool
}

// TypeSchema is the per-type record from spec §9's capability-set design:
// the allowed property keys and their variants. Preprocessors and the query
// engine consult this instead of branching on concrete Go types.
type TypeSchema struct {
	Type       string
	Properties map[string]PropertySchema
}

// Registry is a process-level collaborator (constructed once at startup, per
// spec §9's "replace global singletons") mapping entity type tags to their
// schema.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]*TypeSchema
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]*TypeSchema)}
}

// Register installs the schema for an entity type, replacing any prior
// registration for the same type tag.
func (r *Registry) Register(schema *TypeSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[schema.Type] = schema
}

// Lookup returns the schema for a type tag, if registered.
func (r *Registry) Lookup(typ string) (*TypeSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byType[typ]
	return s, ok
}

// Validate checks that prop is declared for typ and that v matches the
// declared Kind (Null is always accepted, representing "unset").
func (r *Registry) Validate(typ, prop string, v Value) error {
	r.mu.RLock()
	schema, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("value: no schema registered for type %q", typ)
	}
	ps, ok := schema.Properties[prop]
	if !ok {
		return fmt.Errorf("value: type %q has no property %q", typ, prop)
	}
	if v.Kind() == KindNull {
		return nil
	}
	if v.Kind() == KindList {
		return nil // element kinds are validated by the preprocessor fanning them out
	}
	if v.Kind() != ps.Kind {
		return fmt.Errorf("value: property %q of type %q expects %s, got %s", prop, typ, ps.Kind, v.Kind())
	}
	return nil
}

// IndexedProperties returns the names of the properties of typ the entity
// store should secondary-index.
func (r *Registry) IndexedProperties(typ string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.byType[typ]
	if !ok {
		return nil
	}
	var out []string
	for name, ps := range schema.Properties {
		if ps.Indexed {
			out = append(out, name)
		}
	}
	return out
}
