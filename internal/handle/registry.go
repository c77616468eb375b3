// Package handle maps the integer correlation tokens carried through the
// pipeline back to live host-side objects. The table is owned by the host:
// an entry stays valid until the host releases it, and a released handle is
// never issued again.
package handle

import (
	"sync"

	"github.com/cryguy/jsgate/internal/core"
)

// Registry is a concurrency-safe table of in-flight entries keyed by handle.
type Registry[T any] struct {
	mu      sync.Mutex
	next    core.Handle
	entries map[core.Handle]T
}

// NewRegistry returns an empty registry. The first handle issued is 1, so
// the zero Handle never names a live entry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[core.Handle]T)}
}

// Register stores v and returns its new handle.
func (r *Registry[T]) Register(v T) core.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = v
	return r.next
}

// Lookup returns the entry for h, if it is still registered.
func (r *Registry[T]) Lookup(h core.Handle) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[h]
	return v, ok
}

// Release removes h and returns the entry it held. Releasing an unknown
// handle reports false.
func (r *Registry[T]) Release(h core.Handle) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
	}
	return v, ok
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
