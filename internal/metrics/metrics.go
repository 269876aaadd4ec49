// Package metrics provides Prometheus metrics for a mesh node.
//
// Every node owns its own registry so several nodes can run in one process
// (tests, simulations) without colliding on metric names. All recording
// methods are safe on a nil *Metrics, which lets components treat metrics as
// optional.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as label values.
const (
	DropDuplicate = "duplicate"
	DropTTL       = "ttl"
	DropNoRoute   = "no_route"
	DropDecode    = "decode"
	DropVersion   = "version"
)

// Metrics holds all Prometheus metrics for a node.
type Metrics struct {
	registry *prometheus.Registry

	// Routing
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	MessagesForwarded *prometheus.CounterVec
	RouteDiscoveries  prometheus.Counter
	RouteErrors       prometheus.Counter
	Routes            prometheus.Gauge
	Neighbors         prometheus.Gauge

	// Transport
	Connections      prometheus.Gauge
	FramesSent       prometheus.Counter
	SendFailures     prometheus.Counter
	FrameSize        prometheus.Histogram
	HandshakeLatency prometheus.Histogram

	// Interop
	InteropReceived *prometheus.CounterVec
	InteropRelayed  prometheus.Counter
}

// New creates a Metrics instance registered on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Native mesh messages received, by type",
		}, []string{"type"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason",
		}, []string{"reason"}),
		MessagesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to local listeners",
		}),
		MessagesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages handed to a next hop, by type",
		}, []string{"type"}),
		RouteDiscoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_discoveries_total",
			Help:      "Route requests originated by this node",
		}),
		RouteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_errors_total",
			Help:      "Route errors emitted by this node",
		}),
		Routes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes",
			Help:      "Routes currently installed",
		}),
		Neighbors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors",
			Help:      "Directly connected neighbors",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_connections",
			Help:      "Open link connections",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_frames_sent_total",
			Help:      "Frames written to links",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_send_failures_total",
			Help:      "Frame writes or dials that failed",
		}),
		FrameSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_frame_bytes",
			Help:      "Size of frames read from links",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
		HandshakeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_handshake_seconds",
			Help:      "Link hello/handshake latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		InteropReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interop_received_total",
			Help:      "SEPS messages accepted, by message type",
		}, []string{"type"}),
		InteropRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interop_relayed_total",
			Help:      "SEPS messages relayed onward",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Received(typ string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.MessagesDelivered.Inc()
}

func (m *Metrics) Forwarded(typ string) {
	if m == nil {
		return
	}
	m.MessagesForwarded.WithLabelValues(typ).Inc()
}

func (m *Metrics) DiscoveryStarted() {
	if m == nil {
		return
	}
	m.RouteDiscoveries.Inc()
}

func (m *Metrics) RouteError() {
	if m == nil {
		return
	}
	m.RouteErrors.Inc()
}

// UpdateTable updates the route and neighbor gauges.
func (m *Metrics) UpdateTable(routes, neighbors int) {
	if m == nil {
		return
	}
	m.Routes.Set(float64(routes))
	m.Neighbors.Set(float64(neighbors))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) FrameRead(size int) {
	if m == nil {
		return
	}
	m.FrameSize.Observe(float64(size))
}

func (m *Metrics) Handshake(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(d.Seconds())
}

func (m *Metrics) InteropAccepted(typ string) {
	if m == nil {
		return
	}
	m.InteropReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) InteropRelay() {
	if m == nil {
		return
	}
	m.InteropRelayed.Inc()
}

// Server runs an HTTP server exposing /metrics and /health.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server for m on addr.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// StartAsync starts the server in a goroutine. Errors other than a clean
// shutdown are passed to onErr when it is non-nil.
func (s *Server) StartAsync(onErr func(error)) {
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && onErr != nil {
			onErr(err)
		}
	}()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
