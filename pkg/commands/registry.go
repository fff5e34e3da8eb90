package commands

import (
	"fmt"
	"sort"
	"sync"

	"github.com/plaenen/commandcore/pkg/domain"
)

// Route is a resolved handler for an action and entity.
type Route struct {
	Action     string
	Entity     string
	Permission string
	Handler    Handler
}

// Registry maps (action, entity) pairs to handlers. It is built at startup.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Registering the same pair twice panics.
func (r *Registry) Register(action, entity string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.PermissionName(action, entity)
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler already registered for %s", key))
	}
	r.handlers[key] = h
}

// Use adds middleware. The first added is the outermost.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// Resolve returns the decorated handler for action and entity. Names are
// matched case-insensitively and returned in canonical form.
func (r *Registry) Resolve(action, entity string) (Route, error) {
	key := domain.PermissionName(action, entity)

	r.mu.RLock()
	h, exists := r.handlers[key]
	middleware := r.middleware
	r.mu.RUnlock()

	if !exists {
		return Route{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedCommand, key)
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return Route{
		Action:     domain.CanonicalName(action),
		Entity:     domain.CanonicalName(entity),
		Permission: key,
		Handler:    h,
	}, nil
}

// Permissions lists the registered permission names in order.
func (r *Registry) Permissions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
