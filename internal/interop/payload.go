package interop

import "encoding/json"

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"` // metres
	Altitude  float64 `json:"altitude,omitempty"`
}

func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

type EmergencyAlert struct {
	Severity    string    `json:"severity"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Location    *Location `json:"location,omitempty"`
}

type HelpRequest struct {
	Urgency     string    `json:"urgency"`
	HelpType    string    `json:"help_type"`
	Description string    `json:"description,omitempty"`
	PeopleCount int       `json:"people_count,omitempty"`
	Location    *Location `json:"location,omitempty"`
}

type LocationUpdate struct {
	Location     *Location `json:"location"`
	BatteryLevel int       `json:"battery_level"` // percent
	NetworkSize  int       `json:"network_size"`  // peers currently known
}

type SafeZone struct {
	ZoneID      string    `json:"zone_id"`
	ZoneType    string    `json:"zone_type"`
	Name        string    `json:"name,omitempty"`
	Location    *Location `json:"location"`
	Capacity    int       `json:"capacity,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Hello announces what a node can do and which links it offers.
type Hello struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
	Transports   []string `json:"transports"`
}

type TextMessage struct {
	Text string `json:"text"`
}

type RouteRequest struct {
	Target string `json:"target"`
	Origin string `json:"origin"`
	Relay  string `json:"relay,omitempty"`
}

type RouteReply struct {
	Target    string `json:"target"`
	Requester string `json:"requester"`
	HopCount  int    `json:"hop_count"`
	Relay     string `json:"relay,omitempty"`
}

// decodePayload unmarshals m's payload into v if m has type want.
func decodePayload(m Message, want MessageType, v any) bool {
	if m.Type != want {
		return false
	}
	return json.Unmarshal(m.Payload, v) == nil
}

func ExtractEmergencyAlert(m Message) (EmergencyAlert, bool) {
	var a EmergencyAlert
	if !decodePayload(m, TypeEmergencyAlert, &a) || a.Severity == "" {
		return EmergencyAlert{}, false
	}
	return a, true
}

func ExtractHelpRequest(m Message) (HelpRequest, bool) {
	var h HelpRequest
	if !decodePayload(m, TypeHelpRequest, &h) || h.HelpType == "" {
		return HelpRequest{}, false
	}
	return h, true
}

// ExtractLocationUpdate requires a location with valid coordinates.
func ExtractLocationUpdate(m Message) (LocationUpdate, bool) {
	var u LocationUpdate
	if !decodePayload(m, TypeLocationUpdate, &u) || u.Location == nil || !u.Location.Valid() {
		return LocationUpdate{}, false
	}
	return u, true
}

// ExtractSafeZone requires a zone id and a valid location.
func ExtractSafeZone(m Message) (SafeZone, bool) {
	var z SafeZone
	if !decodePayload(m, TypeSafeZone, &z) || z.ZoneID == "" || z.Location == nil || !z.Location.Valid() {
		return SafeZone{}, false
	}
	return z, true
}

func ExtractHello(m Message) (Hello, bool) {
	var h Hello
	if !decodePayload(m, TypeHello, &h) {
		return Hello{}, false
	}
	if h.NodeID == "" {
		h.NodeID = m.Sender.DeviceID
	}
	return h, true
}
