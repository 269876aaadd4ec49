package routing

import (
	"sort"
	"sync"
	"time"
)

// DiscoveryTimeout bounds how long a pending discovery is remembered.
// Nothing is retried or reported when it lapses; the entry is only pruned.
const DiscoveryTimeout = 10 * time.Second

// Discovery is a route request this node originated and has not yet seen
// answered.
type Discovery struct {
	Destination string
	StartedAt   time.Time
	Attempts    int
}

type discoveries struct {
	mu      sync.Mutex
	pending map[string]Discovery
}

func newDiscoveries() *discoveries {
	return &discoveries{pending: make(map[string]Discovery)}
}

// begin records a request for destination and returns the attempt number.
func (d *discoveries) begin(destination string, now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[destination]
	if !ok {
		p = Discovery{Destination: destination, StartedAt: now}
	}
	p.Attempts++
	d.pending[destination] = p
	return p.Attempts
}

// resolve drops the pending entry for destination, if any.
func (d *discoveries) resolve(destination string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[destination]
	delete(d.pending, destination)
	return ok
}

func (d *discoveries) prune(now time.Time, timeout time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for dest, p := range d.pending {
		if now.Sub(p.StartedAt) > timeout {
			delete(d.pending, dest)
			removed++
		}
	}
	return removed
}

func (d *discoveries) list() []Discovery {
	d.mu.Lock()
	out := make([]Discovery, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, p)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}
