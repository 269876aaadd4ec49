// Package interop speaks SEPS, the open JSON format emergency apps use to
// exchange alerts, help requests, locations and safe zones. It translates
// between SEPS messages and native mesh messages and ingests SEPS frames
// arriving on mesh links.
package interop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/felix-dieterle/4people-sub001/internal/protocol"
)

const (
	// Version is the SEPS version written by this package. Any "1.x" is
	// accepted on input.
	Version      = "1.0"
	majorVersion = "1."
)

var (
	ErrNotSEPS            = errors.New("interop: not a SEPS message")
	ErrUnsupportedVersion = errors.New("interop: unsupported SEPS version")
	ErrUnknownType        = errors.New("interop: unknown message type")
	ErrNoInteropType      = errors.New("interop: message type has no SEPS equivalent")
)

// MessageType is the SEPS message_type.
type MessageType string

const (
	TypeEmergencyAlert MessageType = "EMERGENCY_ALERT"
	TypeHelpRequest    MessageType = "HELP_REQUEST"
	TypeLocationUpdate MessageType = "LOCATION_UPDATE"
	TypeSafeZone       MessageType = "SAFE_ZONE"
	TypeRouteRequest   MessageType = "ROUTE_REQUEST"
	TypeRouteReply     MessageType = "ROUTE_REPLY"
	TypeHello          MessageType = "HELLO"
	TypeTextMessage    MessageType = "TEXT_MESSAGE"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeEmergencyAlert, TypeHelpRequest, TypeLocationUpdate, TypeSafeZone,
		TypeRouteRequest, TypeRouteReply, TypeHello, TypeTextMessage:
		return true
	}
	return false
}

// Sender identifies the app and device that built a message.
type Sender struct {
	AppID      string `json:"app_id"`
	DeviceID   string `json:"device_id"`
	AppVersion string `json:"app_version"`
}

type Routing struct {
	TTL         int    `json:"ttl"`
	HopCount    int    `json:"hop_count"`
	Destination string `json:"destination"`
	Sequence    int64  `json:"sequence"`
}

func (r Routing) CanForward() bool { return r.TTL > 0 }

// Forward returns the routing block for the next hop.
func (r Routing) Forward() Routing {
	r.TTL--
	r.HopCount++
	return r
}

// IsBroadcast reports whether the message is addressed to everyone. SEPS
// senders may leave the destination empty for that.
func (r Routing) IsBroadcast() bool {
	return r.Destination == "" || r.Destination == protocol.Broadcast
}

// Message is one SEPS message. Payload holds the type-specific document
// unparsed. Signature is carried through untouched and never checked.
type Message struct {
	Version   string          `json:"seps_version"`
	ID        string          `json:"message_id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Sender    Sender          `json:"sender"`
	Type      MessageType     `json:"message_type"`
	Routing   Routing         `json:"routing"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// Forwarded returns a copy prepared for the next hop.
func (m Message) Forwarded() Message {
	m.Routing = m.Routing.Forward()
	m.Payload = append(json.RawMessage(nil), m.Payload...)
	return m
}

func (m Message) String() string {
	return fmt.Sprintf("SEPS[%s %s from=%s dst=%s ttl=%d]",
		m.Type, m.ID, m.Sender.DeviceID, m.Routing.Destination, m.Routing.TTL)
}

// LooksLikeSEPS is a cheap pre-check: SEPS frames are JSON objects.
func LooksLikeSEPS(data []byte) bool {
	data = bytes.TrimLeft(data, " \t\r\n")
	return len(data) > 0 && data[0] == '{'
}

// Parse decodes a SEPS frame. It returns ErrNotSEPS for anything that is
// not a SEPS object and ErrUnsupportedVersion for a major version other
// than 1.
func Parse(data []byte) (Message, error) {
	var m Message
	if !LooksLikeSEPS(data) {
		return m, ErrNotSEPS
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrNotSEPS, err)
	}
	if m.Version == "" || m.ID == "" {
		return Message{}, ErrNotSEPS
	}
	if !strings.HasPrefix(m.Version, majorVersion) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, m.Version)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if len(m.Payload) == 0 || bytes.Equal(m.Payload, []byte("null")) {
		m.Payload = json.RawMessage("{}")
	}
	return m, nil
}

func Marshal(m Message) ([]byte, error) {
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("{}")
	}
	return json.Marshal(m)
}
