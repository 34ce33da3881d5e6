package router

import (
	"context"
	"sync"

	"github.com/openberl/dispatch/internal/envelope"
)

// Invoker is the registry's view of an adapter: a name, the task categories
// it serves, and an execute entry point. Both bare adapters and resilience
// wrappers satisfy it.
type Invoker interface {
	Name() string
	Capabilities() []envelope.TaskCategory
	Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
}

// Registry indexes adapters by task category. Registration order within a
// category is preserved and decides routing preference.
type Registry struct {
	mu         sync.RWMutex
	byCategory map[envelope.TaskCategory][]Invoker
	byName     map[string]Invoker
}

func NewRegistry() *Registry {
	return &Registry{
		byCategory: make(map[envelope.TaskCategory][]Invoker),
		byName:     make(map[string]Invoker),
	}
}

// Register adds the adapter under every category it declares. Registering an
// adapter whose name already appears in a category replaces the old entry in
// place, keeping its position in the preference order.
func (r *Registry) Register(inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[inv.Name()] = inv
	for _, cat := range inv.Capabilities() {
		replaced := false
		for i, existing := range r.byCategory[cat] {
			if existing.Name() == inv.Name() {
				r.byCategory[cat][i] = inv
				replaced = true
				break
			}
		}
		if !replaced {
			r.byCategory[cat] = append(r.byCategory[cat], inv)
		}
	}
}

// ReplaceAll swaps in the other registry's entries atomically. Readers see
// either the old set or the new set, never a mix. Used on config reload.
func (r *Registry) ReplaceAll(other *Registry) {
	other.mu.RLock()
	byCategory := make(map[envelope.TaskCategory][]Invoker, len(other.byCategory))
	for cat, list := range other.byCategory {
		byCategory[cat] = append([]Invoker(nil), list...)
	}
	byName := make(map[string]Invoker, len(other.byName))
	for name, inv := range other.byName {
		byName[name] = inv
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.byCategory = byCategory
	r.byName = byName
	r.mu.Unlock()
}

// Get returns the adapter registered under the given name.
func (r *Registry) Get(name string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.byName[name]
	return inv, ok
}

// Candidates returns the adapters serving a category in preference order.
// The slice is a copy; callers may filter it freely.
func (r *Registry) Candidates(category envelope.TaskCategory) []Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byCategory[category]
	if len(list) == 0 {
		return nil
	}
	out := make([]Invoker, len(list))
	copy(out, list)
	return out
}

// Categories lists every category with at least one registered adapter.
func (r *Registry) Categories() []envelope.TaskCategory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.TaskCategory, 0, len(r.byCategory))
	for cat, list := range r.byCategory {
		if len(list) > 0 {
			out = append(out, cat)
		}
	}
	return out
}

// Names lists every registered adapter name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}
