package interop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felix-dieterle/4people-sub001/internal/protocol"
)

var toSEPS = map[protocol.Type]MessageType{
	protocol.TypeData:           TypeTextMessage,
	protocol.TypeRouteRequest:   TypeRouteRequest,
	protocol.TypeRouteReply:     TypeRouteReply,
	protocol.TypeHello:          TypeHello,
	protocol.TypeLocationUpdate: TypeLocationUpdate,
	protocol.TypeHelpRequest:    TypeHelpRequest,
}

var fromSEPS = map[MessageType]protocol.Type{
	TypeTextMessage:    protocol.TypeData,
	TypeRouteRequest:   protocol.TypeRouteRequest,
	TypeRouteReply:     protocol.TypeRouteReply,
	TypeHello:          protocol.TypeHello,
	TypeLocationUpdate: protocol.TypeLocationUpdate,
	TypeHelpRequest:    protocol.TypeHelpRequest,
	TypeEmergencyAlert: protocol.TypeData,
	TypeSafeZone:       protocol.TypeData,
}

// Codec translates between native and SEPS messages. App identifies this
// application in the sender block; its DeviceID is the fallback sender for
// messages without a source. A Codec is immutable and safe to share.
type Codec struct {
	App          Sender
	Capabilities []string
	Transports   []string
}

// ToInterop converts a native message. selfID is the node doing the
// translation; it is recorded as relay in routing payloads. ROUTE_ERROR
// has no SEPS counterpart and yields ErrNoInteropType.
func (c Codec) ToInterop(msg protocol.Message, selfID string) (Message, error) {
	typ, ok := toSEPS[msg.Type]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrNoInteropType, msg.Type)
	}

	var doc any
	switch msg.Type {
	case protocol.TypeData:
		doc = TextMessage{Text: string(msg.Payload)}
	case protocol.TypeHello:
		doc = Hello{NodeID: msg.Source, Capabilities: c.Capabilities, Transports: c.Transports}
	case protocol.TypeRouteRequest:
		doc = RouteRequest{Target: msg.Destination, Origin: msg.Source, Relay: selfID}
	case protocol.TypeRouteReply:
		doc = RouteReply{Target: msg.Source, Requester: msg.Destination, HopCount: msg.HopCount, Relay: selfID}
	default:
		doc = documentOrText(msg.Payload)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return Message{}, fmt.Errorf("interop: encode payload: %w", err)
	}

	sender := c.App
	sender.DeviceID = msg.Source
	if sender.DeviceID == "" {
		sender.DeviceID = selfID
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{
		Version:   Version,
		ID:        msg.ID,
		Timestamp: ts.UnixMilli(),
		Sender:    sender,
		Type:      typ,
		Routing: Routing{
			TTL:         msg.TTL,
			HopCount:    msg.HopCount,
			Destination: msg.Destination,
			Sequence:    int64(msg.Sequence),
		},
		Payload: payload,
	}, nil
}

// documentOrText passes JSON objects through and wraps anything else as text.
func documentOrText(p []byte) any {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return TextMessage{Text: string(p)}
}

// FromInterop converts a SEPS message to a native one. TEXT_MESSAGE becomes
// DATA carrying the text; EMERGENCY_ALERT and SAFE_ZONE become DATA carrying
// the raw payload document. SEPS traffic is unauthenticated, so the result
// is marked as having crossed an insecure hop.
func (c Codec) FromInterop(m Message) (protocol.Message, error) {
	typ, ok := fromSEPS[m.Type]
	if !ok {
		return protocol.Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	payload := []byte(m.Payload)
	if m.Type == TypeTextMessage {
		var text TextMessage
		if err := json.Unmarshal(m.Payload, &text); err != nil {
			return protocol.Message{}, fmt.Errorf("interop: text payload: %w", err)
		}
		payload = []byte(text.Text)
	} else {
		payload = append([]byte(nil), payload...)
	}

	dst := m.Routing.Destination
	if dst == "" {
		dst = protocol.Broadcast
	}
	seq := m.Routing.Sequence
	if seq < 0 || seq > int64(^uint32(0)) {
		seq = 0
	}
	return protocol.Message{
		ID:             m.ID,
		Source:         m.Sender.DeviceID,
		Destination:    dst,
		Payload:        payload,
		Type:           typ,
		Timestamp:      time.UnixMilli(m.Timestamp),
		TTL:            m.Routing.TTL,
		Sequence:       uint32(seq),
		HopCount:       m.Routing.HopCount,
		HadInsecureHop: true,
	}, nil
}

// newMessage builds an app-originated broadcast.
func (c Codec) newMessage(typ MessageType, doc any) (Message, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return Message{}, fmt.Errorf("interop: encode %s: %w", typ, err)
	}
	return Message{
		Version:   Version,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Sender:    c.App,
		Type:      typ,
		Routing:   Routing{TTL: protocol.DefaultTTL, Destination: protocol.Broadcast},
		Payload:   payload,
	}, nil
}

func (c Codec) NewEmergencyAlert(a EmergencyAlert) (Message, error) {
	return c.newMessage(TypeEmergencyAlert, a)
}

func (c Codec) NewHelpRequest(h HelpRequest) (Message, error) {
	return c.newMessage(TypeHelpRequest, h)
}

func (c Codec) NewLocationUpdate(u LocationUpdate) (Message, error) {
	return c.newMessage(TypeLocationUpdate, u)
}

func (c Codec) NewSafeZone(z SafeZone) (Message, error) {
	return c.newMessage(TypeSafeZone, z)
}

// NewHello builds a one-hop HELLO announcing this node.
func (c Codec) NewHello() (Message, error) {
	m, err := c.newMessage(TypeHello, Hello{NodeID: c.App.DeviceID, Capabilities: c.Capabilities, Transports: c.Transports})
	if err != nil {
		return Message{}, err
	}
	m.Routing.TTL = protocol.HelloTTL
	return m, nil
}
