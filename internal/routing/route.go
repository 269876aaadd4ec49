// Package routing implements on-demand route discovery for the mesh.
//
// Routes are learned passively from every message a node relays (the
// reverse path to its source) and actively through ROUTE_REQUEST floods
// answered by ROUTE_REPLY. Each node keeps one best route per destination.
package routing

import (
	"fmt"
	"time"
)

// RouteLifetime is how long an installed route stays usable.
const RouteLifetime = 30 * time.Second

// Security describes the links a route was learned over.
type Security uint8

const (
	SecurityUnknown Security = iota
	SecuritySecure
	SecurityInsecure
)

func (s Security) String() string {
	switch s {
	case SecuritySecure:
		return "SECURE"
	case SecurityInsecure:
		return "INSECURE"
	default:
		return "UNKNOWN"
	}
}

// Route binds a destination to the neighbor that leads to it.
type Route struct {
	Destination string
	NextHop     string
	HopCount    int
	Sequence    uint32
	Timestamp   time.Time
	Valid       bool
	Security    Security
}

// Expired reports whether r is older than lifetime at now.
func (r Route) Expired(now time.Time, lifetime time.Duration) bool {
	return now.Sub(r.Timestamp) > lifetime
}

func (r Route) usable(now time.Time, lifetime time.Duration) bool {
	return r.Valid && !r.Expired(now, lifetime)
}

// IsBetterThan orders candidate routes for one destination. A usable route
// beats a missing, invalid or expired one; then the higher sequence number
// wins, then fewer hops, then a secure route over a non-secure one. Routes
// that tie on all of these are not better than each other.
func (r Route) IsBetterThan(other *Route, now time.Time, lifetime time.Duration) bool {
	if !r.usable(now, lifetime) {
		return false
	}
	if other == nil || !other.usable(now, lifetime) {
		return true
	}
	if r.Sequence != other.Sequence {
		return r.Sequence > other.Sequence
	}
	if r.HopCount != other.HopCount {
		return r.HopCount < other.HopCount
	}
	return r.Security == SecuritySecure && other.Security != SecuritySecure
}

// sameRoute reports whether r and other describe the same path with the
// same freshness, which makes r a refresh of other.
func (r Route) sameRoute(other Route) bool {
	return r.NextHop == other.NextHop && r.Sequence == other.Sequence && r.HopCount == other.HopCount
}

func (r Route) String() string {
	return fmt.Sprintf("%s via %s (hops=%d seq=%d %s)", r.Destination, r.NextHop, r.HopCount, r.Sequence, r.Security)
}
