package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

func newTCPNode(t *testing.T, id string, seal bool) *Stream {
	t.Helper()
	s, err := NewTCP(Config{NodeID: id, ListenAddr: "127.0.0.1:0", Seal: seal})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartListening(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	return s
}

func TestTCPExchange(t *testing.T) {
	for _, seal := range []bool{false, true} {
		name := "plain"
		if seal {
			name = "sealed"
		}
		t.Run(name, func(t *testing.T) {
			a := newTCPNode(t, "a", seal)
			b := newTCPNode(t, "b", seal)
			atA, atB := newSink(a), newSink(b)

			if !a.SendFrame([]byte("hello over tcp"), b.LocalAddr()) {
				t.Fatal("send failed")
			}
			r := atB.next(t)
			if string(r.frame) != "hello over tcp" || r.from.ID != "a" || r.from.Secure != seal {
				t.Fatalf("got %q from %+v", r.frame, r.from)
			}
			if !b.SendFrame([]byte("reply"), r.from.Addr) {
				t.Fatal("reply failed")
			}
			if r := atA.next(t); string(r.frame) != "reply" {
				t.Fatalf("got %q", r.frame)
			}
		})
	}
}

func TestTCPRejectsOversizedFrame(t *testing.T) {
	a := newTCPNode(t, "a", false)
	b := newTCPNode(t, "b", false)
	if a.SendFrame(make([]byte, MaxFrameSize+1), b.LocalAddr()) {
		t.Fatal("oversized frame must not be sent")
	}
}

func TestInboundPeersSharingWildcardAdvertise(t *testing.T) {
	hub := newTCPNode(t, "hub", false)
	atHub := newSink(hub)

	var mu sync.Mutex
	up := map[string]Peer{}
	hub.SubscribeLinks(func(p Peer, isUp bool) {
		if isUp {
			mu.Lock()
			up[p.ID] = p
			mu.Unlock()
		}
	})

	sinks := map[string]*sink{}
	for _, id := range []string{"p1", "p2"} {
		p, err := NewTCP(Config{NodeID: id, ListenAddr: "127.0.0.1:0", AdvertiseAddr: "0.0.0.0:4242"})
		if err != nil {
			t.Fatal(err)
		}
		if err := p.StartListening(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(p.Cleanup)
		sinks[id] = newSink(p)
		if _, err := p.Connect(context.Background(), hub.LocalAddr()); err != nil {
			t.Fatal(err)
		}
		if !p.SendFrame([]byte("hi from "+id), hub.LocalAddr()) {
			t.Fatalf("%s could not reach hub", id)
		}
		if r := atHub.next(t); r.from.ID != id {
			t.Fatalf("hub got frame from %+v, want %s", r.from, id)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(up) == 2
	})
	if got := len(hub.Connections()); got != 2 {
		t.Fatalf("hub pools %d links, want 2", got)
	}
	mu.Lock()
	peers := map[string]Peer{"p1": up["p1"], "p2": up["p2"]}
	mu.Unlock()
	if peers["p1"].Addr == peers["p2"].Addr {
		t.Fatalf("peers share address %q", peers["p1"].Addr)
	}
	for id, p := range peers {
		if strings.HasPrefix(p.Addr, "0.0.0.0") {
			t.Fatalf("%s keyed by wildcard address %q", id, p.Addr)
		}
		if !hub.SendFrame([]byte("to "+id), p.Addr) {
			t.Fatalf("hub could not reach %s at %q", id, p.Addr)
		}
		if r := sinks[id].next(t); string(r.frame) != "to "+id {
			t.Fatalf("%s got %q", id, r.frame)
		}
	}
}

// nopConn is a ReadWriteCloser that carries no data.
type nopConn struct{}

func (nopConn) Read([]byte) (int, error)  { return 0, io.EOF }
func (nopConn) Write([]byte) (int, error) { return 0, io.EOF }
func (nopConn) Close() error              { return nil }

type addrConn struct {
	nopConn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func TestDialBackAddr(t *testing.T) {
	remote := addrConn{remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 51234}}
	tests := []struct {
		name       string
		advertised string
		rw         io.ReadWriteCloser
		want       string
	}{
		{"wildcard v4", "0.0.0.0:4242", remote, "10.0.0.7:4242"},
		{"wildcard v6", "[::]:4242", remote, "10.0.0.7:4242"},
		{"empty host", ":4242", remote, "10.0.0.7:4242"},
		{"concrete host", "192.168.1.5:4242", remote, "192.168.1.5:4242"},
		{"hostname", "relay.local:4242", remote, "relay.local:4242"},
		{"not host port", "mem-3", remote, "mem-3"},
		{"empty", "", remote, ""},
		{"no remote address", "0.0.0.0:4242", nopConn{}, "0.0.0.0:4242"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dialBackAddr(tt.advertised, tt.rw); got != tt.want {
				t.Fatalf("dialBackAddr(%q) = %q, want %q", tt.advertised, got, tt.want)
			}
		})
	}
}

func TestDialable(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:4242", true},
		{"relay.local:4242", true},
		{"mem-1", true},
		{"", false},
		{"unknown:node-a", false},
		{"127.0.0.1:4242#node-b", false},
		{"0.0.0.0:4242", false},
		{"[::]:4242", false},
		{":4242", false},
	}
	for _, tt := range tests {
		if got := Dialable(tt.addr); got != tt.want {
			t.Errorf("Dialable(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestQUICExchange(t *testing.T) {
	newQUICNode := func(id string) *Stream {
		s, err := NewQUIC(Config{NodeID: id, ListenAddr: "127.0.0.1:0"})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.StartListening(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(s.Cleanup)
		return s
	}
	a, b := newQUICNode("a"), newQUICNode("b")
	atB := newSink(b)

	if !a.SendFrame([]byte("over quic"), b.LocalAddr()) {
		t.Fatal("send failed")
	}
	r := atB.next(t)
	if string(r.frame) != "over quic" || r.from.ID != "a" || !r.from.Secure {
		t.Fatalf("got %q from %+v", r.frame, r.from)
	}
}
