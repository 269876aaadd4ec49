// Package observer provides a small callback registry used wherever a
// component fans events out to subscribers.
package observer

import "sync"

// Registry holds callbacks of type T. Subscribe and Unsubscribe may be called
// concurrently with Each; Each works on a snapshot so a callback may
// unsubscribe itself without deadlocking.
type Registry[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]T
	order  []uint64
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is harmless.
func (r *Registry[T]) Subscribe(fn T) (unsubscribe func()) {
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[uint64]T)
	}
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return
	}
	delete(r.subs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Each calls visit for every subscriber in subscription order.
func (r *Registry[T]) Each(visit func(T)) {
	r.mu.RLock()
	snapshot := make([]T, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.subs[id])
	}
	r.mu.RUnlock()

	for _, fn := range snapshot {
		visit(fn)
	}
}

// Len returns the number of subscribers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
