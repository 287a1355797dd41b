package nodes

import (
	"sort"
	"sync"

	"github.com/cascadehq/cascade/pkg/schema"
)

// typeAliases maps alternate type spellings to canonical handler types.
var typeAliases = map[schema.NodeType]schema.NodeType{
	"gemini": schema.NodeTypeAgent,
	"agent":  schema.NodeTypeAgent,
}

// Registry is the thread-safe node type → handler table. Dispatch is
// case-insensitive and alias-aware.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.NodeType]Handler),
	}
}

// Register adds a handler. Returns an error on nil handlers and
// duplicate types.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type().Normalize()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "handler for %q already registered", t)
	}

	r.handlers[t] = h
	return nil
}

// Get retrieves the handler for a node type.
func (r *Registry) Get(t schema.NodeType) (Handler, error) {
	key := t.Normalize()
	if canonical, ok := typeAliases[key]; ok {
		key = canonical
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no handler registered for node type %q", t)
	}
	return h, nil
}

// Has checks whether a node type can be dispatched.
func (r *Registry) Has(t schema.NodeType) bool {
	_, err := r.Get(t)
	return err == nil
}

// Types returns the registered canonical types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
