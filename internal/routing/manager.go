package routing

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/felix-dieterle/4people-sub001/internal/metrics"
	"github.com/felix-dieterle/4people-sub001/internal/observer"
	"github.com/felix-dieterle/4people-sub001/internal/protocol"
	"github.com/felix-dieterle/4people-sub001/internal/seen"
)

// Forwarder hands messages to a direct neighbor. It decouples routing
// decisions from the transport that carries them.
type Forwarder interface {
	// Forward delivers msg to the neighbor nextHop.
	Forward(msg protocol.Message, nextHop string) bool
	// ForwardFrame delivers an already serialised frame to nextHop.
	ForwardFrame(frame []byte, nextHop string) bool
}

// Listener receives messages addressed to this node.
type Listener func(msg protocol.Message)

// Config configures a Manager.
type Config struct {
	NodeID    string
	Forwarder Forwarder

	// LinkSecurity reports whether the link to a neighbor is protected.
	// When nil every link is treated as insecure and routes are learned with
	// SecurityUnknown.
	LinkSecurity func(peer string) bool

	RouteLifetime    time.Duration // defaults to RouteLifetime
	SeenMaxAge       time.Duration // defaults to seen.DefaultMaxAge
	DiscoveryTimeout time.Duration // defaults to DiscoveryTimeout

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// RouteReply is the payload of a ROUTE_REPLY.
type RouteReply struct {
	Target   string `json:"target"`
	HopCount int    `json:"hop_count"`
	Sequence uint32 `json:"sequence"`
	Replier  string `json:"replier"`
}

// MaintenanceReport summarises one PerformMaintenance pass.
type MaintenanceReport struct {
	RoutesExpired      int
	SeenExpired        int
	DiscoveriesExpired int
}

var (
	ErrNoNodeID    = errors.New("routing: node id is required")
	ErrNoForwarder = errors.New("routing: forwarder is required")
)

// Manager runs the route discovery protocol for one node identity. It owns
// the route table and the seen-message cache. All methods are safe for
// concurrent use.
type Manager struct {
	id        string
	fwd       Forwarder
	linkSec   func(string) bool
	table     *Table
	seen      *seen.Cache
	pending   *discoveries
	listeners observer.Registry[Listener]
	seq       atomic.Uint32

	discoveryTimeout time.Duration
	now              func() time.Time
	log              *zap.Logger
	metrics          *metrics.Metrics
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, ErrNoNodeID
	}
	if cfg.Forwarder == nil {
		return nil, ErrNoForwarder
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DiscoveryTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		id:               cfg.NodeID,
		fwd:              cfg.Forwarder,
		linkSec:          cfg.LinkSecurity,
		table:            NewTable(cfg.RouteLifetime).WithClock(cfg.Clock),
		seen:             seen.New(cfg.SeenMaxAge).WithClock(cfg.Clock),
		pending:          newDiscoveries(),
		discoveryTimeout: cfg.DiscoveryTimeout,
		now:              cfg.Clock,
		log:              cfg.Logger.Named("routing").With(zap.String("node", cfg.NodeID)),
		metrics:          cfg.Metrics,
	}, nil
}

// NodeID returns the identity this manager routes for.
func (m *Manager) NodeID() string { return m.id }

// Table exposes the route table for inspection.
func (m *Manager) Table() *Table { return m.table }

// Subscribe registers fn for messages delivered to this node.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	return m.listeners.Subscribe(fn)
}

// PendingDiscoveries lists route requests that have not been answered.
func (m *Manager) PendingDiscoveries() []Discovery {
	return m.pending.list()
}

// AddNeighbor registers a direct neighbor.
func (m *Manager) AddNeighbor(id string) {
	if id == "" || id == m.id {
		return
	}
	if m.table.AddNeighbor(id) {
		m.log.Debug("neighbor added", zap.String("peer", id))
		m.updateGauges()
	}
}

// RemoveNeighbor forgets a neighbor and every route through it.
func (m *Manager) RemoveNeighbor(id string) {
	removed := m.table.RemoveNeighbor(id)
	m.log.Debug("neighbor removed", zap.String("peer", id), zap.Int("routes", removed))
	m.updateGauges()
}

// ReceiveMessage processes a message that arrived from the neighbor sender.
// It returns false if the message was a duplicate.
func (m *Manager) ReceiveMessage(msg protocol.Message, sender string) bool {
	if !m.seen.Add(msg.Source, msg.ID) {
		m.metrics.Dropped(metrics.DropDuplicate)
		return false
	}
	m.metrics.Received(msg.Type.String())
	m.AddNeighbor(sender)

	switch msg.Type {
	case protocol.TypeData, protocol.TypeLocationUpdate, protocol.TypeHelpRequest:
		m.handleData(msg, sender)
	case protocol.TypeRouteRequest:
		m.handleRouteRequest(msg, sender)
	case protocol.TypeRouteReply:
		m.handleRouteReply(msg, sender)
	case protocol.TypeRouteError:
		m.handleRouteError(msg, sender)
	case protocol.TypeHello:
		// Neighbor registration above is all a HELLO does.
	default:
		m.log.Debug("unknown message type", zap.Stringer("type", msg.Type))
	}
	return true
}

func (m *Manager) handleData(msg protocol.Message, sender string) {
	m.learnRoute(msg, sender)

	switch {
	case msg.Destination == m.id:
		m.deliver(msg)
	case msg.IsBroadcast():
		m.deliver(msg)
		if !msg.CanForward() {
			m.metrics.Dropped(metrics.DropTTL)
			return
		}
		m.flood(msg.Forward(m.secureLink(sender)), sender)
	default:
		route, ok := m.table.Route(msg.Destination)
		if ok && msg.CanForward() {
			m.forward(msg.Forward(m.secureLink(sender)), route.NextHop)
			return
		}
		if !msg.CanForward() {
			m.metrics.Dropped(metrics.DropTTL)
		} else {
			m.metrics.Dropped(metrics.DropNoRoute)
		}
		m.sendRouteError(msg.Source, msg.Destination)
	}
}

func (m *Manager) handleRouteRequest(msg protocol.Message, sender string) {
	m.learnRoute(msg, sender)

	if msg.Destination == m.id {
		reply := RouteReply{Target: m.id, Sequence: m.nextSeq(), Replier: m.id}
		m.sendRouteReply(msg.Source, sender, m.id, reply, 0)
		return
	}
	if route, ok := m.table.Route(msg.Destination); ok && route.NextHop != sender {
		// Answer on behalf of the target so the requester installs a route to
		// the target itself. The reply starts with our hop distance to it.
		reply := RouteReply{Target: msg.Destination, HopCount: route.HopCount, Sequence: route.Sequence, Replier: m.id}
		m.sendRouteReply(msg.Source, sender, msg.Destination, reply, route.HopCount)
		return
	}
	if !msg.CanForward() {
		m.metrics.Dropped(metrics.DropTTL)
		return
	}
	m.flood(msg.Forward(m.secureLink(sender)), sender)
}

func (m *Manager) sendRouteReply(requester, via, target string, reply RouteReply, hops int) {
	payload, err := json.Marshal(reply)
	if err != nil {
		m.log.Warn("encode route reply", zap.Error(err))
		return
	}
	rrep := protocol.NewMessage(protocol.TypeRouteReply, target, requester, payload, reply.Sequence)
	rrep.HopCount = hops
	m.seen.Add(rrep.Source, rrep.ID)
	m.log.Debug("route reply",
		zap.String("target", target), zap.String("requester", requester), zap.String("via", via))
	m.forward(rrep, via)
}

func (m *Manager) handleRouteReply(msg protocol.Message, sender string) {
	m.learnRoute(msg, sender)
	if m.pending.resolve(msg.Source) {
		m.log.Debug("route discovered", zap.String("target", msg.Source), zap.Int("hops", msg.HopCount+1))
	}
	if msg.Destination == m.id {
		return
	}
	route, ok := m.table.Route(msg.Destination)
	if !ok || !msg.CanForward() {
		m.metrics.Dropped(metrics.DropNoRoute)
		return
	}
	m.forward(msg.Forward(m.secureLink(sender)), route.NextHop)
}

func (m *Manager) handleRouteError(msg protocol.Message, sender string) {
	unreachable := string(msg.Payload)
	if m.table.RemoveRoute(unreachable) {
		m.log.Debug("route invalidated", zap.String("destination", unreachable), zap.String("reported_by", msg.Source))
		m.updateGauges()
	}
	if msg.Destination == m.id || msg.IsBroadcast() {
		return
	}
	route, ok := m.table.Route(msg.Destination)
	if !ok || !msg.CanForward() {
		return
	}
	m.forward(msg.Forward(m.secureLink(sender)), route.NextHop)
}

// sendRouteError tells origin that destination is unreachable from here.
// Without a route back to origin the error is dropped.
func (m *Manager) sendRouteError(origin, destination string) {
	if origin == m.id {
		return
	}
	route, ok := m.table.Route(origin)
	if !ok {
		m.log.Debug("no reverse route for route error", zap.String("origin", origin))
		return
	}
	rerr := protocol.NewMessage(protocol.TypeRouteError, m.id, origin, []byte(destination), m.nextSeq())
	m.seen.Add(m.id, rerr.ID)
	m.metrics.RouteError()
	m.forward(rerr, route.NextHop)
}

// learnRoute installs or refreshes the route back to msg.Source via sender.
func (m *Manager) learnRoute(msg protocol.Message, sender string) {
	if sender == "" || msg.Source == "" || msg.Source == m.id {
		return
	}
	changed := m.table.AddRoute(Route{
		Destination: msg.Source,
		NextHop:     sender,
		HopCount:    msg.HopCount + 1,
		Sequence:    msg.Sequence,
		Valid:       true,
		Security:    m.routeSecurity(msg, sender),
	})
	if changed {
		m.updateGauges()
	}
}

func (m *Manager) routeSecurity(msg protocol.Message, sender string) Security {
	if m.linkSec == nil {
		return SecurityUnknown
	}
	if m.linkSec(sender) && msg.IsFullySecure() {
		return SecuritySecure
	}
	return SecurityInsecure
}

func (m *Manager) secureLink(peer string) bool {
	return m.linkSec != nil && m.linkSec(peer)
}

// Send originates a DATA message to destination. If no route is known a
// route discovery is started and false is returned; the message itself is
// not queued.
func (m *Manager) Send(destination string, payload []byte) bool {
	return m.SendTyped(protocol.TypeData, destination, payload)
}

// SendTyped is Send with an explicit application message type.
func (m *Manager) SendTyped(typ protocol.Type, destination string, payload []byte) bool {
	switch destination {
	case "":
		return false
	case protocol.Broadcast:
		return m.BroadcastTyped(typ, payload)
	}
	msg := protocol.NewMessage(typ, m.id, destination, payload, m.nextSeq())
	if destination == m.id {
		m.deliver(msg)
		return true
	}
	route, ok := m.table.Route(destination)
	if !ok {
		m.startDiscovery(destination)
		return false
	}
	m.seen.Add(m.id, msg.ID)
	return m.forward(msg, route.NextHop)
}

func (m *Manager) startDiscovery(destination string) {
	attempt := m.pending.begin(destination, m.now())
	rreq := protocol.NewMessage(protocol.TypeRouteRequest, m.id, destination, nil, m.nextSeq())
	m.seen.Add(m.id, rreq.ID)
	m.metrics.DiscoveryStarted()
	sent := m.flood(rreq, "")
	m.log.Debug("route discovery",
		zap.String("destination", destination), zap.Int("attempt", attempt), zap.Int("neighbors", sent))
}

// Broadcast floods a DATA message to every neighbor. It returns false when
// there are no neighbors or none accepted the message.
func (m *Manager) Broadcast(payload []byte) bool {
	return m.BroadcastTyped(protocol.TypeData, payload)
}

// BroadcastTyped is Broadcast with an explicit application message type.
func (m *Manager) BroadcastTyped(typ protocol.Type, payload []byte) bool {
	if len(m.table.Neighbors()) == 0 {
		return false
	}
	msg := protocol.NewMessage(typ, m.id, protocol.Broadcast, payload, m.nextSeq())
	m.seen.Add(m.id, msg.ID)
	return m.flood(msg, "") > 0
}

// DiscoverNeighbors sends a one-hop HELLO to every known neighbor and
// returns how many accepted it.
func (m *Manager) DiscoverNeighbors() int {
	hello := protocol.NewMessage(protocol.TypeHello, m.id, protocol.Broadcast, nil, m.nextSeq())
	hello.TTL = protocol.HelloTTL
	m.seen.Add(m.id, hello.ID)
	return m.flood(hello, "")
}

// Hello sends a HELLO to a single peer, used to introduce this node on a
// freshly opened link.
func (m *Manager) Hello(peer string) bool {
	hello := protocol.NewMessage(protocol.TypeHello, m.id, protocol.Broadcast, nil, m.nextSeq())
	hello.TTL = protocol.HelloTTL
	m.seen.Add(m.id, hello.ID)
	return m.fwd.Forward(hello, peer)
}

// Relay moves a pre-serialised frame toward destination: along the known
// route if there is one, otherwise to every neighbor except exclude.
func (m *Manager) Relay(frame []byte, destination, exclude string) bool {
	if destination != "" && destination != protocol.Broadcast && destination != m.id {
		if route, ok := m.table.Route(destination); ok && route.NextHop != exclude {
			return m.fwd.ForwardFrame(frame, route.NextHop)
		}
	}
	sent := 0
	for _, n := range m.table.Neighbors() {
		if n == exclude {
			continue
		}
		if m.fwd.ForwardFrame(frame, n) {
			sent++
		}
	}
	return sent > 0
}

// PerformMaintenance expires stale routes, seen entries and pending
// discoveries.
func (m *Manager) PerformMaintenance() MaintenanceReport {
	rep := MaintenanceReport{
		RoutesExpired:      m.table.PerformMaintenance(),
		SeenExpired:        m.seen.Sweep(),
		DiscoveriesExpired: m.pending.prune(m.now(), m.discoveryTimeout),
	}
	m.updateGauges()
	if rep != (MaintenanceReport{}) {
		m.log.Debug("maintenance",
			zap.Int("routes_expired", rep.RoutesExpired),
			zap.Int("seen_expired", rep.SeenExpired),
			zap.Int("discoveries_expired", rep.DiscoveriesExpired))
	}
	return rep
}

func (m *Manager) deliver(msg protocol.Message) {
	m.metrics.Delivered()
	m.listeners.Each(func(fn Listener) { fn(msg) })
}

// flood hands msg to every neighbor except except and returns how many
// accepted it.
func (m *Manager) flood(msg protocol.Message, except string) int {
	sent := 0
	for _, n := range m.table.Neighbors() {
		if n == except {
			continue
		}
		if m.forward(msg, n) {
			sent++
		}
	}
	return sent
}

func (m *Manager) forward(msg protocol.Message, nextHop string) bool {
	if !m.fwd.Forward(msg, nextHop) {
		m.log.Debug("forward failed", zap.Stringer("msg", msg), zap.String("next_hop", nextHop))
		return false
	}
	m.metrics.Forwarded(msg.Type.String())
	return true
}

func (m *Manager) nextSeq() uint32 {
	return m.seq.Add(1)
}

func (m *Manager) updateGauges() {
	m.metrics.UpdateTable(m.table.Len(), len(m.table.Neighbors()))
}
