// Package registry is the in-memory, lock-free-on-the-hot-path mirror of
// container state described in §4.5. It does not own durable state — the
// store does — and is fully reconstructible from it on restart.
package registry

import "sync"

// entry pairs a snapshot with a per-entry lock so Update/WithContainer
// can mutate or read one container's state without taking a
// registry-wide lock that would stall every other container.
type entry[T any] struct {
	mu    sync.Mutex
	value T
}

// Registry is a generic, keyed, per-entry-locked map.
type Registry[T any] struct {
	entries sync.Map // string -> *entry[T]
}

// New constructs an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Insert adds or replaces the snapshot for id.
func (r *Registry[T]) Insert(id string, value T) {
	r.entries.Store(id, &entry[T]{value: value})
}

// Get returns a snapshot copy of the current value, or ok=false if id is
// unknown.
func (r *Registry[T]) Get(id string) (T, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		var zero T
		return zero, false
	}
	e := v.(*entry[T])
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, true
}

// Remove deletes id from the registry.
func (r *Registry[T]) Remove(id string) {
	r.entries.Delete(id)
}

// Update applies fn to the current value under the entry's lock,
// replacing it with fn's return value. Returns ok=false if id is unknown.
func (r *Registry[T]) Update(id string, fn func(T) T) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry[T])
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = fn(e.value)
	return true
}

// WithContainer runs fn against the current value under the entry's lock,
// without replacing it — for read-only closures that need a consistent
// view across several field accesses.
func (r *Registry[T]) WithContainer(id string, fn func(T)) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry[T])
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.value)
	return true
}

// Keys returns a snapshot of every id currently registered.
func (r *Registry[T]) Keys() []string {
	var keys []string
	r.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

// Len reports how many entries are currently registered.
func (r *Registry[T]) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
