package node

import (
	"time"

	"github.com/felix-dieterle/4people-sub001/internal/protocol"
)

// IncomingMessage is delivered to callers via the Messages() channel.
type IncomingMessage struct {
	ID        string
	From      string // originating node id
	Type      protocol.Type
	Payload   []byte
	Hops      int
	Secure    bool // every hop on the way was a sealed link
	Broadcast bool
	SentAt    time.Time
}

func (m IncomingMessage) Content() string { return string(m.Payload) }

func incomingFrom(msg protocol.Message) IncomingMessage {
	return IncomingMessage{
		ID:        msg.ID,
		From:      msg.Source,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Hops:      msg.HopCount,
		Secure:    msg.IsFullySecure(),
		Broadcast: msg.IsBroadcast(),
		SentAt:    msg.Timestamp,
	}
}
