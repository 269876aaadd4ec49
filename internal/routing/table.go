package routing

import (
	"sort"
	"sync"
	"time"
)

// Table holds the best known route per destination and the set of direct
// neighbors. It is safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	routes    map[string]Route
	neighbors map[string]struct{}
	lifetime  time.Duration
	now       func() time.Time
}

// NewTable creates an empty table whose routes live for lifetime
// (RouteLifetime when zero).
func NewTable(lifetime time.Duration) *Table {
	if lifetime <= 0 {
		lifetime = RouteLifetime
	}
	return &Table{
		routes:    make(map[string]Route),
		neighbors: make(map[string]struct{}),
		lifetime:  lifetime,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (t *Table) WithClock(now func() time.Time) *Table {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// AddRoute installs r if it is better than the current route to
// r.Destination, or refreshes the current route if r describes the same
// path. A zero Timestamp is stamped with the current time. It reports
// whether the table changed.
func (t *Table) AddRoute(r Route) bool {
	if r.Destination == "" || r.NextHop == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}

	existing, ok := t.routes[r.Destination]
	var current *Route
	if ok {
		current = &existing
	}
	if r.IsBetterThan(current, now, t.lifetime) {
		t.routes[r.Destination] = r
		return true
	}
	if ok && existing.usable(now, t.lifetime) && r.usable(now, t.lifetime) && r.sameRoute(existing) {
		existing.Timestamp = r.Timestamp
		if r.Security == SecuritySecure {
			existing.Security = SecuritySecure
		}
		t.routes[r.Destination] = existing
		return true
	}
	return false
}

// Route returns the usable route to destination. Expired or invalid
// entries are evicted as a side effect.
func (t *Table) Route(destination string) (Route, bool) {
	t.mu.RLock()
	r, ok := t.routes[destination]
	now := t.now()
	t.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if r.usable(now, t.lifetime) {
		return r, true
	}

	t.mu.Lock()
	// Re-check under the write lock: a fresh route may have replaced it.
	if cur, still := t.routes[destination]; still && !cur.usable(t.now(), t.lifetime) {
		delete(t.routes, destination)
	}
	t.mu.Unlock()
	return Route{}, false
}

// RemoveRoute deletes the route to destination and reports whether one existed.
func (t *Table) RemoveRoute(destination string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.routes[destination]
	delete(t.routes, destination)
	return ok
}

// AddNeighbor records a direct neighbor. On first insertion it also installs
// the direct one-hop route. It reports whether id was new.
func (t *Table) AddNeighbor(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, known := t.neighbors[id]; known {
		return false
	}
	t.neighbors[id] = struct{}{}

	// The direct route replaces whatever multi-hop route was known, keeping
	// its sequence number so later updates still compare against it.
	direct := Route{Destination: id, NextHop: id, HopCount: 1, Timestamp: t.now(), Valid: true}
	if r, ok := t.routes[id]; ok && r.usable(direct.Timestamp, t.lifetime) {
		direct.Sequence = r.Sequence
	}
	t.routes[id] = direct
	return true
}

// RemoveNeighbor forgets id and every route whose next hop is id. It
// returns the number of routes removed.
func (t *Table) RemoveNeighbor(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.neighbors, id)
	removed := 0
	for dest, r := range t.routes {
		if r.NextHop == id {
			delete(t.routes, dest)
			removed++
		}
	}
	return removed
}

func (t *Table) IsNeighbor(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.neighbors[id]
	return ok
}

// Neighbors returns the neighbor ids in sorted order.
func (t *Table) Neighbors() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.neighbors))
	for id := range t.neighbors {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Routes returns a snapshot of the usable routes sorted by destination.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	now := t.now()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		if r.usable(now, t.lifetime) {
			out = append(out, r)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Len returns the number of stored routes, including ones not yet swept.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// PerformMaintenance removes every expired or invalid route and returns how
// many were removed.
func (t *Table) PerformMaintenance() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	removed := 0
	for dest, r := range t.routes {
		if !r.usable(now, t.lifetime) {
			delete(t.routes, dest)
			removed++
		}
	}
	return removed
}
