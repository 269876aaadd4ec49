// Package protocol defines the mesh envelope and its binary wire format.
//
// A Message is the unit of routed traffic. It is a plain value: forwarding a
// message produces a new value with the TTL decremented and the hop count
// incremented, the original is never modified.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Broadcast is the destination of messages addressed to every node.
	Broadcast = "BROADCAST"

	DefaultTTL = 10
	HelloTTL   = 1
)

// Type is the routing role of a message.
type Type uint8

const (
	TypeData Type = iota + 1
	TypeRouteRequest
	TypeRouteReply
	TypeRouteError
	TypeHello
	TypeLocationUpdate
	TypeHelpRequest
)

var typeNames = map[Type]string{
	TypeData:           "DATA",
	TypeRouteRequest:   "ROUTE_REQUEST",
	TypeRouteReply:     "ROUTE_REPLY",
	TypeRouteError:     "ROUTE_ERROR",
	TypeHello:          "HELLO",
	TypeLocationUpdate: "LOCATION_UPDATE",
	TypeHelpRequest:    "HELP_REQUEST",
}

// Types lists every message type in declaration order.
func Types() []Type {
	return []Type{TypeData, TypeRouteRequest, TypeRouteReply, TypeRouteError, TypeHello, TypeLocationUpdate, TypeHelpRequest}
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType is the inverse of Type.String. Matching is case-insensitive.
func ParseType(s string) (Type, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown message type %q", s)
}

// Message is an immutable mesh envelope.
type Message struct {
	ID             string
	Source         string
	Destination    string
	Payload        []byte
	Type           Type
	Timestamp      time.Time
	TTL            int
	Sequence       uint32
	HopCount       int
	HadInsecureHop bool
}

// NewMessage builds a freshly originated message with a random ID and the
// default TTL.
func NewMessage(typ Type, source, destination string, payload []byte, sequence uint32) Message {
	return Message{
		ID:          NewID(),
		Source:      source,
		Destination: destination,
		Payload:     append([]byte(nil), payload...),
		Type:        typ,
		Timestamp:   time.Now(),
		TTL:         DefaultTTL,
		Sequence:    sequence,
	}
}

// NewID returns a random version 4 UUID string.
func NewID() string {
	return uuid.NewString()
}

// Forward returns the copy of m that is handed to the next hop.
// secureHop reports whether the link m arrived over was protected.
func (m Message) Forward(secureHop bool) Message {
	out := m
	out.Payload = append([]byte(nil), m.Payload...)
	out.TTL = m.TTL - 1
	out.HopCount = m.HopCount + 1
	out.HadInsecureHop = m.HadInsecureHop || !secureHop
	return out
}

func (m Message) IsBroadcast() bool {
	return m.Destination == Broadcast
}

func (m Message) CanForward() bool {
	return m.TTL > 0
}

// IsFullySecure reports whether every hop so far was a protected link.
func (m Message) IsFullySecure() bool {
	return !m.HadInsecureHop
}

// PayloadString returns the payload as text.
func (m Message) PayloadString() string {
	return string(m.Payload)
}

func (m Message) String() string {
	return fmt.Sprintf("%s[%s %s->%s ttl=%d hop=%d seq=%d]",
		m.Type, shortID(m.ID), m.Source, m.Destination, m.TTL, m.HopCount, m.Sequence)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
