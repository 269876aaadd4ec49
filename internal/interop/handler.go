package interop

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/felix-dieterle/4people-sub001/internal/metrics"
	"github.com/felix-dieterle/4people-sub001/internal/observer"
	"github.com/felix-dieterle/4people-sub001/internal/protocol"
	"github.com/felix-dieterle/4people-sub001/internal/seen"
)

// Router is the part of the routing manager the handler feeds.
type Router interface {
	NodeID() string
	ReceiveMessage(msg protocol.Message, sender string) bool
	Relay(frame []byte, destination, exclude string) bool
	AddNeighbor(id string)
}

type (
	AlertHandler    func(alert EmergencyAlert, msg Message)
	HelpHandler     func(req HelpRequest, msg Message)
	LocationHandler func(update LocationUpdate, msg Message)
	SafeZoneHandler func(zone SafeZone, msg Message)
	HelloHandler    func(hello Hello, msg Message)
)

type HandlerConfig struct {
	Codec  Codec
	Router Router

	DedupCapacity int           // defaults to seen.DefaultWindowSize
	DedupMaxAge   time.Duration // defaults to seen.DefaultWindowMaxAge

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

var ErrNoRouter = errors.New("interop: router is required")

// Handler ingests SEPS frames from mesh links. It keeps its own duplicate
// window, independent of the routing manager's seen cache.
type Handler struct {
	codec   Codec
	router  Router
	seen    *seen.Window
	log     *zap.Logger
	metrics *metrics.Metrics

	alerts    observer.Registry[AlertHandler]
	help      observer.Registry[HelpHandler]
	locations observer.Registry[LocationHandler]
	zones     observer.Registry[SafeZoneHandler]
	hellos    observer.Registry[HelloHandler]
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Router == nil {
		return nil, ErrNoRouter
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{
		codec:   cfg.Codec,
		router:  cfg.Router,
		seen:    seen.NewWindow(cfg.DedupCapacity, cfg.DedupMaxAge),
		log:     cfg.Logger.Named("interop"),
		metrics: cfg.Metrics,
	}, nil
}

func (h *Handler) Codec() Codec { return h.codec }

func (h *Handler) OnEmergencyAlert(fn AlertHandler) func() { return h.alerts.Subscribe(fn) }
func (h *Handler) OnHelpRequest(fn HelpHandler) func()     { return h.help.Subscribe(fn) }
func (h *Handler) OnLocationUpdate(fn LocationHandler) func() {
	return h.locations.Subscribe(fn)
}
func (h *Handler) OnSafeZone(fn SafeZoneHandler) func() { return h.zones.Subscribe(fn) }
func (h *Handler) OnHello(fn HelloHandler) func()       { return h.hellos.Subscribe(fn) }

// ProcessIncomingData handles one frame received from the neighbor from.
// It returns false when the frame is not SEPS (or is an unsupported
// version), so the caller can try the native codec. Duplicates are SEPS
// and return true without side effects.
func (h *Handler) ProcessIncomingData(data []byte, from string) bool {
	msg, err := Parse(data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			h.metrics.Dropped(metrics.DropVersion)
			h.log.Debug("rejecting SEPS version", zap.String("peer", from), zap.Error(err))
		}
		return false
	}
	if !h.seen.Add(msg.ID) {
		h.metrics.Dropped(metrics.DropDuplicate)
		return true
	}
	h.metrics.InteropAccepted(string(msg.Type))
	h.log.Debug("SEPS message", zap.Stringer("msg", msg), zap.String("peer", from))

	switch msg.Type {
	case TypeRouteRequest, TypeRouteReply, TypeTextMessage:
		h.reinject(msg, from)
		return true
	case TypeEmergencyAlert:
		if a, ok := ExtractEmergencyAlert(msg); ok {
			h.alerts.Each(func(fn AlertHandler) { fn(a, msg) })
		}
	case TypeHelpRequest:
		if r, ok := ExtractHelpRequest(msg); ok {
			h.help.Each(func(fn HelpHandler) { fn(r, msg) })
		}
	case TypeLocationUpdate:
		if u, ok := ExtractLocationUpdate(msg); ok {
			h.locations.Each(func(fn LocationHandler) { fn(u, msg) })
		}
	case TypeSafeZone:
		if z, ok := ExtractSafeZone(msg); ok {
			h.zones.Each(func(fn SafeZoneHandler) { fn(z, msg) })
		}
	case TypeHello:
		h.router.AddNeighbor(from)
		if hello, ok := ExtractHello(msg); ok {
			h.hellos.Each(func(fn HelloHandler) { fn(hello, msg) })
		}
	}
	h.relay(msg, from)
	return true
}

// reinject hands routing traffic to the routing manager, which then owns
// its forwarding.
func (h *Handler) reinject(msg Message, from string) {
	native, err := h.codec.FromInterop(msg)
	if err != nil {
		h.metrics.Dropped(metrics.DropDecode)
		h.log.Debug("convert SEPS message", zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	h.router.ReceiveMessage(native, from)
}

func (h *Handler) relay(msg Message, from string) {
	if !msg.Routing.CanForward() || msg.Routing.Destination == h.router.NodeID() {
		return
	}
	fwd := msg.Forwarded()
	frame, err := Marshal(fwd)
	if err != nil {
		h.log.Warn("encode forwarded SEPS message", zap.Error(err))
		return
	}
	dst := fwd.Routing.Destination
	if fwd.Routing.IsBroadcast() {
		dst = protocol.Broadcast
	}
	if h.router.Relay(frame, dst, from) {
		h.metrics.InteropRelay()
	}
}

// Publish sends an app-originated SEPS message to every neighbor, marking
// it seen so echoes are ignored.
func (h *Handler) Publish(msg Message) bool {
	frame, err := Marshal(msg)
	if err != nil {
		h.log.Warn("encode SEPS message", zap.Error(err))
		return false
	}
	h.seen.Add(msg.ID)
	dst := msg.Routing.Destination
	if msg.Routing.IsBroadcast() {
		dst = protocol.Broadcast
	}
	return h.router.Relay(frame, dst, "")
}
