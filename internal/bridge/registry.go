package bridge

import "github.com/cryguy/webworker/internal/core"

// Handle refers to a script function kept alive on the engine side.
type Handle int

// Registry maps callback identifiers to script handles. It is owned by the
// worker goroutine and is not safe for concurrent use.
type Registry struct {
	handles map[string]Handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Set registers h under id and returns the handle it replaced, if any.
func (r *Registry) Set(id string, h Handle) (prev Handle, replaced bool) {
	prev, replaced = r.handles[id]
	r.handles[id] = h
	return prev, replaced
}

// Lookup returns the handle for id, or an UnregisteredCallbackError.
func (r *Registry) Lookup(id string) (Handle, error) {
	h, ok := r.handles[id]
	if !ok {
		return 0, &core.UnregisteredCallbackError{ID: id}
	}
	return h, nil
}

// Delete removes id and reports the handle it held.
func (r *Registry) Delete(id string) (Handle, bool) {
	h, ok := r.handles[id]
	delete(r.handles, id)
	return h, ok
}

// Len returns the number of registered callbacks.
func (r *Registry) Len() int { return len(r.handles) }

// Clear drops every registration. Clearing twice is harmless.
func (r *Registry) Clear() {
	clear(r.handles)
}
