package interop

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/felix-dieterle/4people-sub001/internal/protocol"
)

var testCodec = Codec{
	App:          Sender{AppID: "mesh-test", DeviceID: "self", AppVersion: "0.1.0"},
	Capabilities: []string{"relay"},
	Transports:   []string{"tcp"},
}

// routedFields are the envelope fields a SEPS round trip preserves.
type routedFields struct {
	ID, Source, Destination string
	Type                    protocol.Type
	TTL, HopCount           int
	Sequence                uint32
}

func fieldsOf(m protocol.Message) routedFields {
	return routedFields{m.ID, m.Source, m.Destination, m.Type, m.TTL, m.HopCount, m.Sequence}
}

func TestRoundTripPreservesRoutingFields(t *testing.T) {
	for typ := range toSEPS {
		t.Run(typ.String(), func(t *testing.T) {
			msg := protocol.NewMessage(typ, "node-a", "node-c", []byte("payload"), 42)
			msg = msg.Forward(true).Forward(false)

			seps, err := testCodec.ToInterop(msg, "node-b")
			if err != nil {
				t.Fatalf("ToInterop: %v", err)
			}
			wire, err := Marshal(seps)
			if err != nil {
				t.Fatal(err)
			}
			parsed, err := Parse(wire)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			back, err := testCodec.FromInterop(parsed)
			if err != nil {
				t.Fatalf("FromInterop: %v", err)
			}
			if diff := cmp.Diff(fieldsOf(msg), fieldsOf(back)); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTextPayloadSurvivesRoundTrip(t *testing.T) {
	msg := protocol.NewMessage(protocol.TypeData, "a", protocol.Broadcast, []byte("need water"), 1)
	seps, _ := testCodec.ToInterop(msg, "a")
	if seps.Type != TypeTextMessage {
		t.Fatalf("DATA should map to TEXT_MESSAGE, got %s", seps.Type)
	}
	back, _ := testCodec.FromInterop(seps)
	if string(back.Payload) != "need water" {
		t.Fatalf("payload = %q", back.Payload)
	}
}

func TestRouteErrorHasNoInteropType(t *testing.T) {
	msg := protocol.NewMessage(protocol.TypeRouteError, "a", "b", []byte("c"), 1)
	if _, err := testCodec.ToInterop(msg, "a"); !errors.Is(err, ErrNoInteropType) {
		t.Fatalf("expected ErrNoInteropType, got %v", err)
	}
}

func TestAlertAndSafeZoneDegradeToData(t *testing.T) {
	alert, err := testCodec.NewEmergencyAlert(EmergencyAlert{Severity: "HIGH", Category: "FIRE"})
	if err != nil {
		t.Fatal(err)
	}
	zone, err := testCodec.NewSafeZone(SafeZone{ZoneID: "z1", ZoneType: "SHELTER", Location: &Location{Latitude: 1, Longitude: 2}})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range []Message{alert, zone} {
		native, err := testCodec.FromInterop(m)
		if err != nil {
			t.Fatal(err)
		}
		if native.Type != protocol.TypeData {
			t.Fatalf("%s should degrade to DATA, got %s", m.Type, native.Type)
		}
		if !json.Valid(native.Payload) {
			t.Fatalf("payload should be the raw document, got %q", native.Payload)
		}
		if native.Source != "self" || native.Destination != protocol.Broadcast {
			t.Fatalf("unexpected addressing %s -> %s", native.Source, native.Destination)
		}
	}
}

func TestJSONPayloadPassesThrough(t *testing.T) {
	doc := `{"location":{"latitude":48.1,"longitude":11.5},"battery_level":80,"network_size":3}`
	msg := protocol.NewMessage(protocol.TypeLocationUpdate, "a", protocol.Broadcast, []byte(doc), 1)
	seps, err := testCodec.ToInterop(msg, "a")
	if err != nil {
		t.Fatal(err)
	}
	u, ok := ExtractLocationUpdate(seps)
	if !ok {
		t.Fatal("location update should be extractable")
	}
	if u.Location.Latitude != 48.1 || u.BatteryLevel != 80 || u.NetworkSize != 3 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestFactoriesBuildBroadcasts(t *testing.T) {
	help, err := testCodec.NewHelpRequest(HelpRequest{Urgency: "HIGH", HelpType: "MEDICAL"})
	if err != nil {
		t.Fatal(err)
	}
	if help.Version != Version || help.Sender != testCodec.App || help.Routing.TTL != protocol.DefaultTTL {
		t.Fatalf("unexpected envelope %+v", help)
	}
	if !help.Routing.IsBroadcast() || help.ID == "" || help.Timestamp == 0 {
		t.Fatalf("factory output incomplete: %+v", help)
	}
	hello, err := testCodec.NewHello()
	if err != nil {
		t.Fatal(err)
	}
	if hello.Routing.TTL != protocol.HelloTTL {
		t.Fatalf("hello ttl = %d", hello.Routing.TTL)
	}
}

func TestExtractionRejectsWrongTypeOrMissingFields(t *testing.T) {
	alert, _ := testCodec.NewEmergencyAlert(EmergencyAlert{Severity: "LOW", Category: "FLOOD"})
	if _, ok := ExtractLocationUpdate(alert); ok {
		t.Fatal("alert is not a location update")
	}
	if _, ok := ExtractSafeZone(alert); ok {
		t.Fatal("alert is not a safe zone")
	}
	if a, ok := ExtractEmergencyAlert(alert); !ok || a.Category != "FLOOD" {
		t.Fatalf("alert extraction = %+v, %v", a, ok)
	}

	noLocation, _ := testCodec.NewLocationUpdate(LocationUpdate{BatteryLevel: 50})
	if _, ok := ExtractLocationUpdate(noLocation); ok {
		t.Fatal("location update without location must be rejected")
	}
	badCoords, _ := testCodec.NewLocationUpdate(LocationUpdate{Location: &Location{Latitude: 91}})
	if _, ok := ExtractLocationUpdate(badCoords); ok {
		t.Fatal("latitude 91 must be rejected")
	}
	noID, _ := testCodec.NewSafeZone(SafeZone{Location: &Location{}})
	if _, ok := ExtractSafeZone(noID); ok {
		t.Fatal("safe zone without id must be rejected")
	}
	garbage := Message{Type: TypeHelpRequest, Payload: json.RawMessage(`[1,2]`)}
	if _, ok := ExtractHelpRequest(garbage); ok {
		t.Fatal("malformed payload must be rejected")
	}
}

func TestParse(t *testing.T) {
	valid := `{"seps_version":"1.3","message_id":"m1","timestamp":1,"sender":{"app_id":"x","device_id":"d","app_version":"1"},` +
		`"message_type":"HELLO","routing":{"ttl":1,"hop_count":0,"destination":"","sequence":0},"payload":{}}`

	tests := []struct {
		name string
		in   string
		err  error
	}{
		{"valid minor version", valid, nil},
		{"major version 2", strings.Replace(valid, `"1.3"`, `"2.0"`, 1), ErrUnsupportedVersion},
		{"version 10", strings.Replace(valid, `"1.3"`, `"10.1"`, 1), ErrUnsupportedVersion},
		{"missing version", strings.Replace(valid, `"seps_version":"1.3",`, ``, 1), ErrNotSEPS},
		{"unknown type", strings.Replace(valid, `"HELLO"`, `"SELFIE"`, 1), ErrUnknownType},
		{"not json", "hello", ErrNotSEPS},
		{"native frame", string([]byte{protocol.Magic, 1, 2, 3}), ErrNotSEPS},
		{"truncated", valid[:40], ErrNotSEPS},
		{"empty", "", ErrNotSEPS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			if !errors.Is(err, tt.err) {
				t.Fatalf("Parse error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestSignatureCarriedThrough(t *testing.T) {
	m, _ := testCodec.NewEmergencyAlert(EmergencyAlert{Severity: "HIGH"})
	m.Signature = "not-checked"
	wire, _ := Marshal(m)
	parsed, err := Parse(wire)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Signature != "not-checked" {
		t.Fatalf("signature = %q", parsed.Signature)
	}
}

func TestForwardedDoesNotMutate(t *testing.T) {
	m, _ := testCodec.NewHelpRequest(HelpRequest{HelpType: "FOOD"})
	f := m.Forwarded()
	if f.Routing.TTL != m.Routing.TTL-1 || f.Routing.HopCount != m.Routing.HopCount+1 {
		t.Fatalf("forwarded routing %+v from %+v", f.Routing, m.Routing)
	}
	if m.Routing.TTL != protocol.DefaultTTL {
		t.Fatal("original must not change")
	}
}

func TestInteropDeviceNaming(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"SEPS-abc", true},
		{"SEPS-", true},
		{"4people-node", false},
		{"seps-abc", false},
		{"node-SEPS-x", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsInteropDevice(tt.name); got != tt.want {
			t.Errorf("IsInteropDevice(%q) = %v", tt.name, got)
		}
	}
	if got := InteropDeviceName("node-1"); got != "SEPS-node-1" || !IsInteropDevice(got) {
		t.Fatalf("InteropDeviceName = %q", got)
	}
	if got := InteropDeviceName("SEPS-x"); got != "SEPS-x" {
		t.Fatalf("name should not be prefixed twice, got %q", got)
	}
}
