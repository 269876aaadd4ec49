// Package transport moves opaque frames between directly connected peers.
//
// Links are byte streams supplied by a Network (TCP, QUIC or in-memory).
// The Stream type manages them: one accept task, one reader task per link,
// a pool keyed by peer address and a supervisor that tears links down when
// their reader exits. Frames handed to listeners are exactly the bytes the
// peer passed to SendFrame.
package transport

import (
	"context"

	"github.com/felix-dieterle/4people-sub001/internal/protocol"
)

// Peer identifies the far end of a link.
type Peer struct {
	ID     string // node id announced in the link hello
	Addr   string // pool key: the peer's advertised listen address, or its remote address
	Secure bool   // frames on this link are encrypted and authenticated
}

// Listener receives every frame read from any link.
type Listener func(frame []byte, from Peer)

// LinkListener is told when a peer becomes reachable (up) or unreachable.
type LinkListener func(p Peer, up bool)

// Transport abstracts peer-to-peer frame I/O. Send and SendFrame dial the
// address on demand and report failure as false; they never panic on I/O
// errors.
type Transport interface {
	// StartListening begins accepting links. Calling it while already
	// listening is a no-op.
	StartListening() error

	// StopListening stops accepting new links. Open links stay up.
	StopListening()

	// Connect dials addr, if not already connected, and returns the peer.
	Connect(ctx context.Context, addr string) (Peer, error)

	// Send encodes msg with the native codec and sends it to addr.
	Send(msg protocol.Message, addr string) bool

	// SendFrame sends raw bytes to addr.
	SendFrame(frame []byte, addr string) bool

	Subscribe(fn Listener) (unsubscribe func())
	SubscribeLinks(fn LinkListener) (unsubscribe func())

	// Connections lists the pooled links.
	Connections() []Peer

	// LocalAddr is the address advertised to peers, empty when not listening.
	LocalAddr() string

	// Cleanup closes every link and stops all tasks. It is idempotent.
	Cleanup()
}
