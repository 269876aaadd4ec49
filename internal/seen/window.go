package seen

import (
	"sync"
	"time"
)

const (
	DefaultWindowSize   = 1000
	DefaultWindowMaxAge = 5 * time.Minute
)

type windowEntry struct {
	id   string
	seen time.Time
}

// Window is an insertion-ordered id set. When it holds more than max ids, or
// its oldest id is older than maxAge, it keeps only the newer half of its
// ids in insertion order. This is not an LRU: an id that keeps arriving is
// still evicted once it falls into the older half.
type Window struct {
	mu     sync.Mutex
	order  []windowEntry
	index  map[string]struct{}
	max    int
	maxAge time.Duration
	now    func() time.Time
}

// NewWindow creates a Window. Non-positive arguments select the defaults.
func NewWindow(max int, maxAge time.Duration) *Window {
	if max <= 0 {
		max = DefaultWindowSize
	}
	if maxAge <= 0 {
		maxAge = DefaultWindowMaxAge
	}
	return &Window{
		index:  make(map[string]struct{}),
		max:    max,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
	return w
}

// Add records id and returns true if it was not already present.
func (w *Window) Add(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.index[id]; ok {
		return false
	}
	now := w.now()
	w.order = append(w.order, windowEntry{id: id, seen: now})
	w.index[id] = struct{}{}
	if len(w.order) > w.max || now.Sub(w.order[0].seen) > w.maxAge {
		w.collapse()
	}
	return true
}

// Has reports whether id is currently held.
func (w *Window) Has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.index[id]
	return ok
}

// Len returns the number of ids held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// collapse keeps the newer half of the window. w.mu must be held.
func (w *Window) collapse() {
	drop := len(w.order) - len(w.order)/2
	for _, e := range w.order[:drop] {
		delete(w.index, e.id)
	}
	kept := make([]windowEntry, len(w.order)-drop)
	copy(kept, w.order[drop:])
	w.order = kept
}
