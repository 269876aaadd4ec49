package observer

import (
	"sync"
	"testing"
)

func TestSubscribeAndEach(t *testing.T) {
	var r Registry[func(int)]
	var got []int
	r.Subscribe(func(v int) { got = append(got, v) })
	r.Subscribe(func(v int) { got = append(got, v*10) })

	r.Each(func(fn func(int)) { fn(2) })

	if len(got) != 2 || got[0] != 2 || got[1] != 20 {
		t.Fatalf("unexpected calls: %v", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	var r Registry[func()]
	calls := 0
	unsub := r.Subscribe(func() { calls++ })
	r.Subscribe(func() {})

	unsub()
	unsub()
	if r.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", r.Len())
	}
	r.Each(func(fn func()) { fn() })
	if calls != 0 {
		t.Fatal("unsubscribed callback was called")
	}
}

func TestUnsubscribeFromInsideCallback(t *testing.T) {
	var r Registry[func()]
	var unsub func()
	calls := 0
	unsub = r.Subscribe(func() {
		calls++
		unsub()
	})

	r.Each(func(fn func()) { fn() })
	r.Each(func(fn func()) { fn() })
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestConcurrentSubscribeAndEach(t *testing.T) {
	var r Registry[func()]
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := r.Subscribe(func() {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			r.Each(func(fn func()) { fn() })
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
