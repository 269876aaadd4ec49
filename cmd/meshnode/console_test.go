package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/felix-dieterle/4people-sub001/internal/interop"
	"github.com/felix-dieterle/4people-sub001/internal/node"
	"github.com/felix-dieterle/4people-sub001/internal/transport"
)

func startNode(t *testing.T, network *transport.MemoryNetwork, id string) *node.Node {
	t.Helper()
	tr, err := transport.NewMemory(network, transport.Config{NodeID: id})
	if err != nil {
		t.Fatal(err)
	}
	n, err := node.New(node.Config{NodeID: id, Transport: tr})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return n
}

func linkedPair(t *testing.T) (*node.Node, *node.Node) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	a := startNode(t, network, "node-a")
	b := startNode(t, network, "node-b")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.Connect(ctx, b.Transport().LocalAddr()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !b.Router().Table().IsNeighbor("node-a") {
		if time.Now().After(deadline) {
			t.Fatal("link never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return a, b
}

func TestConsoleSendAndBroadcast(t *testing.T) {
	color.NoColor = true
	a, b := linkedPair(t)

	var buf bytes.Buffer
	c := newConsole(a, &buf)

	if !c.exec("send node-b hello there") {
		t.Fatal("send must not end the console")
	}
	if !strings.Contains(buf.String(), "✓ sent") {
		t.Fatalf("expected confirmation, got: %s", buf.String())
	}
	select {
	case msg := <-b.Messages():
		if msg.Content() != "hello there" || msg.From != "node-a" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never arrived")
	}

	buf.Reset()
	c.exec("broadcast all clear")
	if !strings.Contains(buf.String(), "✓ broadcast sent") {
		t.Fatalf("expected broadcast confirmation, got: %s", buf.String())
	}
}

func TestConsoleAlertReachesNeighbor(t *testing.T) {
	color.NoColor = true
	a, b := linkedPair(t)

	alerts := make(chan interop.EmergencyAlert, 1)
	b.Interop().OnEmergencyAlert(func(al interop.EmergencyAlert, _ interop.Message) { alerts <- al })

	var buf bytes.Buffer
	c := newConsole(a, &buf)
	c.exec("alert high fire smoke near the bridge")
	if !strings.Contains(buf.String(), "✓ alert sent") {
		t.Fatalf("expected alert confirmation, got: %s", buf.String())
	}
	select {
	case al := <-alerts:
		if al.Severity != "HIGH" || al.Category != "FIRE" || al.Description != "smoke near the bridge" {
			t.Fatalf("unexpected alert %+v", al)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("alert never arrived")
	}
}

func TestConsoleMisc(t *testing.T) {
	color.NoColor = true
	a, _ := linkedPair(t)

	var buf bytes.Buffer
	c := newConsole(a, &buf)

	c.exec("routes")
	if !strings.Contains(buf.String(), "node-b") {
		t.Fatalf("routes should list the neighbor, got: %s", buf.String())
	}
	buf.Reset()
	c.exec("send node-z hi")
	if !strings.Contains(buf.String(), "no route to node-z") {
		t.Fatalf("expected discovery notice, got: %s", buf.String())
	}
	buf.Reset()
	c.exec("frobnicate")
	if !strings.Contains(buf.String(), "unknown command: frobnicate") {
		t.Fatalf("expected unknown command, got: %s", buf.String())
	}
	buf.Reset()
	c.exec("send")
	if !strings.Contains(buf.String(), "usage: send") {
		t.Fatalf("expected usage, got: %s", buf.String())
	}
	if c.exec("quit") {
		t.Fatal("quit should end the console")
	}
	if !c.run(strings.NewReader("help\nquit\n")) {
		t.Fatal("run should report quit")
	}
	if c.run(strings.NewReader("help\n")) {
		t.Fatal("end of input is not quit")
	}
}

func TestPrintPeers(t *testing.T) {
	color.NoColor = true
	a, _ := linkedPair(t)

	var buf bytes.Buffer
	printPeers(&buf, a.Directory().All())
	out := buf.String()
	if !strings.Contains(out, "node-b") || !strings.Contains(out, "native") {
		t.Fatalf("unexpected peers output: %s", out)
	}
	buf.Reset()
	printPeers(&buf, nil)
	if !strings.Contains(buf.String(), "no peers known") {
		t.Fatalf("unexpected empty output: %s", buf.String())
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := newLogger("debug"); err != nil {
		t.Fatal(err)
	}
}
