package hooks

import (
	"github.com/vadiminshakov/cfdp/core/dto"
)

// Hook defines the interface for transfer request hooks.
type Hook interface {
	OnPut(req *dto.PutRequest) bool
	OnIncoming(req *dto.IncomingRequest) bool
}

// Registry manages a collection of hooks.
type Registry struct {
	hooks []Hook
}

// NewRegistry creates a new hook registry.
func NewRegistry(hooks ...Hook) *Registry {
	r := &Registry{
		hooks: make([]Hook, 0, len(hooks)),
	}
	for _, h := range hooks {
		r.Register(h)
	}
	return r
}

// Register adds a new hook to the registry.
func (r *Registry) Register(hook Hook) {
	r.hooks = append(r.hooks, hook)
}

// ExecutePut runs all registered put hooks.
// Returns false if any hook returns false.
func (r *Registry) ExecutePut(req *dto.PutRequest) bool {
	for _, hook := range r.hooks {
		if !hook.OnPut(req) {
			return false
		}
	}
	return true
}

// ExecuteIncoming runs all registered incoming hooks.
// Returns false if any hook returns false.
func (r *Registry) ExecuteIncoming(req *dto.IncomingRequest) bool {
	for _, hook := range r.hooks {
		if !hook.OnIncoming(req) {
			return false
		}
	}
	return true
}

// Count returns the number of registered hooks
func (r *Registry) Count() int {
	return len(r.hooks)
}
