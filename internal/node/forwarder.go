package node

import (
	"go.uber.org/zap"

	"github.com/felix-dieterle/4people-sub001/internal/interop"
	"github.com/felix-dieterle/4people-sub001/internal/protocol"
)

// forwarder carries routing decisions to the transport. Native neighbors
// get binary frames; SEPS neighbors get the message translated to JSON.
type forwarder struct {
	node  *Node
	codec interop.Codec
}

func (f *forwarder) Forward(msg protocol.Message, nextHop string) bool {
	e, ok := f.node.dir.Lookup(nextHop)
	if !ok {
		f.node.log.Debug("no address for neighbor", zap.String("peer", nextHop))
		return false
	}
	if !e.Interop {
		return f.node.tr.Send(msg, e.Addr)
	}
	seps, err := f.codec.ToInterop(msg, f.node.id)
	if err != nil {
		f.node.log.Debug("not forwarding to SEPS peer", zap.String("peer", nextHop), zap.Error(err))
		return false
	}
	frame, err := interop.Marshal(seps)
	if err != nil {
		return false
	}
	return f.node.tr.SendFrame(frame, e.Addr)
}

// ForwardFrame sends an already encoded frame unchanged. Only SEPS frames
// are relayed this way, and every node understands them.
func (f *forwarder) ForwardFrame(frame []byte, nextHop string) bool {
	e, ok := f.node.dir.Lookup(nextHop)
	if !ok {
		return false
	}
	return f.node.tr.SendFrame(frame, e.Addr)
}
