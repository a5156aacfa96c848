package tree

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds an instance from keyword arguments.
type Constructor func(kwargs map[string]any) (any, error)

// Registry is a Factory backed by a table of constructors keyed by
// qualified type name (module.ClassName).
type Registry struct {
	// mu protects the constructor table.
	mu sync.RWMutex

	// constructors maps qualified type name to constructor.
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register adds a constructor for a qualified type name.
func (r *Registry) Register(typeName string, ctor Constructor) error {
	if _, _, err := splitTypeName(typeName); err != nil {
		return err
	}
	if ctor == nil {
		return fmt.Errorf("constructor for %s is nil", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[typeName]; exists {
		return fmt.Errorf("type %s already registered", typeName)
	}
	r.constructors[typeName] = ctor
	return nil
}

// MustRegister is like Register but panics on error. It is intended for
// package init functions.
func (r *Registry) MustRegister(typeName string, ctor Constructor) {
	if err := r.Register(typeName, ctor); err != nil {
		panic(err)
	}
}

// New implements Factory.
func (r *Registry) New(module, className string, kwargs map[string]any) (any, error) {
	typeName := module + "." + className

	r.mu.RLock()
	ctor, ok := r.constructors[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, typeName)
	}

	v, err := ctor(kwargs)
	if err != nil {
		return nil, &ConstructionError{Type: typeName, Err: err}
	}
	return v, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
