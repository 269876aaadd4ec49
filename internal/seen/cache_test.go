package seen

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAddAndHas(t *testing.T) {
	c := New(10 * time.Second)
	id := uuid.NewString()

	if c.Has("a", id) {
		t.Fatal("fresh cache should not have id")
	}
	if !c.Add("a", id) {
		t.Fatal("first Add should return true (new)")
	}
	if !c.Has("a", id) {
		t.Fatal("should have id after Add")
	}
	if c.Add("a", id) {
		t.Fatal("second Add should return false (duplicate)")
	}
}

func TestSameIDDifferentSource(t *testing.T) {
	c := New(10 * time.Second)
	c.Add("a", "m1")

	if c.Has("b", "m1") {
		t.Fatal("source is part of the key")
	}
	if !c.Add("b", "m1") {
		t.Fatal("different source should be new traffic")
	}
}

func TestSeparatorInSourceDoesNotCollide(t *testing.T) {
	c := New(10 * time.Second)
	if !c.Add("SEPS-a/b", "c") {
		t.Fatal("first pair should be new")
	}
	if !c.Add("SEPS-a", "b/c") {
		t.Fatal("a different (source, id) pair must not be suppressed")
	}
	if c.Has("SEPS-a/b/c", "") {
		t.Fatal("joined form must not match either pair")
	}
}

func TestExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New(time.Minute).WithClock(clk.Now)
	c.Add("a", "m1")

	clk.Advance(59 * time.Second)
	if !c.Has("a", "m1") {
		t.Fatal("should still be remembered before max age")
	}

	clk.Advance(2 * time.Second)
	if c.Has("a", "m1") {
		t.Fatal("entry should have aged out")
	}
	if !c.Add("a", "m1") {
		t.Fatal("aged-out entry should count as new")
	}
}

func TestSweepRemovesOnlyOldEntries(t *testing.T) {
	clk := newFakeClock()
	c := New(time.Minute).WithClock(clk.Now)
	for i := 0; i < 10; i++ {
		c.Add("old", fmt.Sprint(i))
	}
	clk.Advance(45 * time.Second)
	for i := 0; i < 5; i++ {
		c.Add("new", fmt.Sprint(i))
	}
	clk.Advance(30 * time.Second)

	if removed := c.Sweep(); removed != 10 {
		t.Fatalf("expected 10 removed, got %d", removed)
	}
	if c.Len() != 5 {
		t.Fatalf("expected 5 entries left, got %d", c.Len())
	}
}

func TestConcurrentAddReportsNewOnce(t *testing.T) {
	c := New(time.Minute)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Add("a", "same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("expected exactly one new Add, got %d", fresh)
	}
}
