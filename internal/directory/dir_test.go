package directory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestDir(t *testing.T) (*Directory, string) {
	t.Helper()
	tmp := t.TempDir()
	d, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, tmp
}

func TestPutAndLookup(t *testing.T) {
	d, _ := newTestDir(t)
	e := Entry{NodeID: "alice", Addr: "10.0.0.1:7000", Secure: true, LastSeen: 1000}
	if err := d.Put(e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := d.Lookup("alice")
	if !ok {
		t.Fatal("Lookup missed")
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
	byAddr, ok := d.LookupByAddr("10.0.0.1:7000")
	if !ok || byAddr.NodeID != "alice" {
		t.Fatalf("LookupByAddr = %v, %v", byAddr, ok)
	}
}

func TestLookupMissing(t *testing.T) {
	d := NewMemory()
	if _, ok := d.Lookup("nobody"); ok {
		t.Fatal("expected miss")
	}
	if _, ok := d.LookupByAddr("nowhere"); ok {
		t.Fatal("expected miss")
	}
}

func TestPutRequiresNodeID(t *testing.T) {
	if err := NewMemory().Put(Entry{Addr: "x"}); err != ErrNoNodeID {
		t.Fatalf("expected ErrNoNodeID, got %v", err)
	}
}

func TestPutStampsLastSeen(t *testing.T) {
	d := NewMemory()
	d.Put(Entry{NodeID: "a", Addr: "x"})
	e, _ := d.Lookup("a")
	if e.LastSeen == 0 {
		t.Fatal("LastSeen should be stamped")
	}
}

func TestNewerEntryReplaces(t *testing.T) {
	d := NewMemory()
	d.Put(Entry{NodeID: "bob", Addr: "old:1", LastSeen: 1000})
	d.Put(Entry{NodeID: "bob", Addr: "new:1", LastSeen: 2000})
	got, _ := d.Lookup("bob")
	if got.Addr != "new:1" {
		t.Fatal("expected newer entry to replace older")
	}
}

func TestOlderEntryIgnored(t *testing.T) {
	d := NewMemory()
	d.Put(Entry{NodeID: "carol", Addr: "new:1", LastSeen: 2000})
	d.Put(Entry{NodeID: "carol", Addr: "old:1", LastSeen: 1000})
	got, _ := d.Lookup("carol")
	if got.Addr != "new:1" {
		t.Fatal("older entry should not replace newer")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	d, dir := newTestDir(t)
	want := []Entry{
		{NodeID: "a", Addr: "a:1", LastSeen: 1},
		{NodeID: "b", Addr: "b:1", Interop: true, LastSeen: 2},
		{NodeID: "c", Addr: "c:1", LastSeen: 3},
	}
	for _, e := range want {
		if err := d.Put(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Remove("c"); err != nil {
		t.Fatal(err)
	}
	d.Close()

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if diff := cmp.Diff(want[:2], reopened.All()); diff != "" {
		t.Fatalf("entries after reopen (-want +got):\n%s", diff)
	}
}
