// Package node wires one mesh node together.
//
// Design:
//   - The transport delivers raw frames from directly connected peers.
//   - Each frame goes to the interop handler first; frames it does not
//     claim are decoded with the native codec and handed to the routing
//     manager.
//   - The routing manager decides what happens to every message and sends
//     through the node's forwarder, which resolves a neighbor id to a link
//     address via the peer directory and picks the wire format the
//     neighbor understands.
//   - Two background loops run route maintenance and the HELLO beacon.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/felix-dieterle/4people-sub001/internal/crypto"
	"github.com/felix-dieterle/4people-sub001/internal/directory"
	"github.com/felix-dieterle/4people-sub001/internal/interop"
	"github.com/felix-dieterle/4people-sub001/internal/metrics"
	"github.com/felix-dieterle/4people-sub001/internal/protocol"
	"github.com/felix-dieterle/4people-sub001/internal/routing"
	"github.com/felix-dieterle/4people-sub001/internal/transport"
)

const (
	AppID      = "4people-mesh"
	AppVersion = "0.1.0"

	defaultHelloInterval       = 10 * time.Second
	defaultMaintenanceInterval = 30 * time.Second
	messageQueueDepth          = 64
)

var (
	ErrNoIdentity  = errors.New("node: node id or keys required")
	ErrNoTransport = errors.New("node: transport required")
)

// Config configures a Node.
type Config struct {
	// NodeID names the node on the mesh. Defaults to Keys.NodeID().
	NodeID string
	Keys   *crypto.KeyPair

	Transport transport.Transport
	Directory *directory.Directory // defaults to an in-memory directory

	Bootstrap []string // peer addresses to connect on start
	// Redial connects to the peers remembered in the directory on start.
	Redial bool

	HelloInterval       time.Duration
	MaintenanceInterval time.Duration

	// Transports lists the link kinds advertised in SEPS HELLOs.
	Transports []string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Node is one running mesh node.
type Node struct {
	cfg     Config
	id      string
	tr      transport.Transport
	dir     *directory.Directory
	router  *routing.Manager
	handler *interop.Handler
	log     *zap.Logger
	metrics *metrics.Metrics

	messages chan IncomingMessage
	unsub    []func()

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Node. The transport must be configured with the same node
// id; New does not start it.
func New(cfg Config) (*Node, error) {
	id := cfg.NodeID
	if id == "" && cfg.Keys != nil {
		id = cfg.Keys.NodeID()
	}
	if id == "" {
		return nil, ErrNoIdentity
	}
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.NewMemory()
	}
	if cfg.HelloInterval <= 0 {
		cfg.HelloInterval = defaultHelloInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	n := &Node{
		cfg:      cfg,
		id:       id,
		tr:       cfg.Transport,
		dir:      cfg.Directory,
		log:      cfg.Logger.Named("node").With(zap.String("node", id)),
		metrics:  cfg.Metrics,
		messages: make(chan IncomingMessage, messageQueueDepth),
		stopCh:   make(chan struct{}),
	}

	codec := interop.Codec{
		App:          interop.Sender{AppID: AppID, DeviceID: id, AppVersion: AppVersion},
		Capabilities: []string{"relay", "route-discovery"},
		Transports:   cfg.Transports,
	}
	router, err := routing.NewManager(routing.Config{
		NodeID:       id,
		Forwarder:    &forwarder{node: n, codec: codec},
		LinkSecurity: n.linkSecure,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("node: routing: %w", err)
	}
	handler, err := interop.NewHandler(interop.HandlerConfig{
		Codec:   codec,
		Router:  router,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("node: interop: %w", err)
	}
	n.router, n.handler = router, handler
	return n, nil
}

func (n *Node) ID() string { return n.id }

// Router exposes the routing manager for inspection.
func (n *Node) Router() *routing.Manager { return n.router }

// Interop exposes the SEPS handler so callers can subscribe to alerts,
// help requests, locations and safe zones.
func (n *Node) Interop() *interop.Handler { return n.handler }

func (n *Node) Directory() *directory.Directory { return n.dir }

func (n *Node) Transport() transport.Transport { return n.tr }

// Start begins listening, connects to bootstrap peers and launches the
// background loops.
// A failed start is final; later calls return the same error.
func (n *Node) Start() error {
	n.startOnce.Do(func() {
		n.unsub = append(n.unsub,
			n.tr.Subscribe(n.onFrame),
			n.tr.SubscribeLinks(n.onLink),
			n.router.Subscribe(n.deliver),
		)
		if err := n.tr.StartListening(); err != nil {
			for _, unsubscribe := range n.unsub {
				unsubscribe()
			}
			n.unsub = nil
			n.startErr = fmt.Errorf("node: transport start: %w", err)
			return
		}
		n.wg.Add(3)
		go n.maintenanceLoop()
		go n.helloLoop()
		go n.bootstrap()
		n.log.Info("started", zap.String("listen", n.tr.LocalAddr()))
	})
	return n.startErr
}

// Stop shuts down the node and its transport.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
		for _, unsubscribe := range n.unsub {
			unsubscribe()
		}
		n.tr.Cleanup()
		n.log.Info("stopped")
	})
}

// Messages returns a channel of messages delivered to this node. Messages
// are dropped when the channel is full.
func (n *Node) Messages() <-chan IncomingMessage {
	return n.messages
}

// Connect dials a peer address and registers it as a neighbor.
func (n *Node) Connect(ctx context.Context, addr string) (transport.Peer, error) {
	return n.tr.Connect(ctx, addr)
}

// Send routes payload to destination. It returns false when no route is
// known yet; a route discovery is then in progress and the caller may retry.
func (n *Node) Send(destination string, payload []byte) bool {
	return n.router.Send(destination, payload)
}

func (n *Node) SendTyped(typ protocol.Type, destination string, payload []byte) bool {
	return n.router.SendTyped(typ, destination, payload)
}

func (n *Node) Broadcast(payload []byte) bool {
	return n.router.Broadcast(payload)
}

// Publish broadcasts an app-originated SEPS message such as an emergency
// alert built with the interop codec.
func (n *Node) Publish(msg interop.Message) bool {
	return n.handler.Publish(msg)
}

func (n *Node) Routes() []routing.Route { return n.router.Table().Routes() }

func (n *Node) Neighbors() []string { return n.router.Table().Neighbors() }

func (n *Node) deliver(msg protocol.Message) {
	select {
	case n.messages <- incomingFrom(msg):
	default:
		n.log.Warn("message queue full, dropping", zap.Stringer("msg", msg))
	}
}

func (n *Node) onFrame(frame []byte, from transport.Peer) {
	if n.handler.ProcessIncomingData(frame, from.ID) {
		return
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		n.metrics.Dropped(metrics.DropDecode)
		n.log.Debug("undecodable frame", zap.String("peer", from.ID), zap.Int("size", len(frame)), zap.Error(err))
		return
	}
	n.router.ReceiveMessage(msg, from.ID)
}

func (n *Node) onLink(p transport.Peer, up bool) {
	if !up {
		n.log.Info("peer lost", zap.String("peer", p.ID))
		n.router.RemoveNeighbor(p.ID)
		return
	}
	entry := directory.Entry{
		NodeID:  p.ID,
		Addr:    p.Addr,
		Interop: interop.IsInteropDevice(p.ID),
		Secure:  p.Secure,
	}
	if err := n.dir.Put(entry); err != nil {
		n.log.Warn("remember peer", zap.String("peer", p.ID), zap.Error(err))
	}
	n.log.Info("peer connected",
		zap.String("peer", p.ID), zap.String("addr", p.Addr),
		zap.Bool("secure", p.Secure), zap.Bool("interop", entry.Interop))
	n.router.AddNeighbor(p.ID)
	n.router.Hello(p.ID)
}

// linkSecure reports whether the current link to peer is sealed.
func (n *Node) linkSecure(peer string) bool {
	e, ok := n.dir.Lookup(peer)
	return ok && e.Secure
}

func (n *Node) bootstrap() {
	defer n.wg.Done()
	addrs := append([]string(nil), n.cfg.Bootstrap...)
	if n.cfg.Redial {
		for _, e := range n.dir.All() {
			if transport.Dialable(e.Addr) && e.NodeID != n.id {
				addrs = append(addrs, e.Addr)
			}
		}
	}
	for _, addr := range addrs {
		select {
		case <-n.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultDialTimeout)
		p, err := n.tr.Connect(ctx, addr)
		cancel()
		if err != nil {
			n.log.Warn("bootstrap", zap.String("addr", addr), zap.Error(err))
			continue
		}
		n.log.Debug("bootstrap connected", zap.String("addr", addr), zap.String("peer", p.ID))
	}
}

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.router.PerformMaintenance()
		}
	}
}

func (n *Node) helloLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HelloInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.router.DiscoverNeighbors()
		}
	}
}
