package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var ErrNoListener = errors.New("transport: no listener at address")

// MemoryNetwork is an in-process Network for tests and simulations. Each
// network is an isolated namespace of addresses; there is no shared global
// state between networks.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memAcceptor
	nextAddr  int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memAcceptor)}
}

// NewMemory returns a Stream on network. An empty cfg.ListenAddr is
// replaced by a fresh unique address on the network.
func NewMemory(network *MemoryNetwork, cfg Config) (*Stream, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = network.allocAddr()
	}
	return NewStream(network, cfg)
}

func (n *MemoryNetwork) allocAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextAddr++
	return fmt.Sprintf("mem-%d", n.nextAddr)
}

func (n *MemoryNetwork) Secure() bool { return false }

func (n *MemoryNetwork) Listen(addr string) (Acceptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[addr]; taken {
		return nil, fmt.Errorf("memory network: address %q in use", addr)
	}
	a := &memAcceptor{net: n, addr: addr, incoming: make(chan *memConn, 16), done: make(chan struct{})}
	n.listeners[addr] = a
	return a, nil
}

func (n *MemoryNetwork) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	n.mu.Lock()
	a, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	}
	local, remote := memPipe()
	select {
	case a.incoming <- remote:
		return local, nil
	case <-a.done:
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memAcceptor struct {
	net      *MemoryNetwork
	addr     string
	incoming chan *memConn
	done     chan struct{}
	once     sync.Once
}

func (a *memAcceptor) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-a.incoming:
		return c, nil
	case <-a.done:
		return nil, io.EOF
	}
}

func (a *memAcceptor) Addr() string { return a.addr }

func (a *memAcceptor) Close() error {
	a.once.Do(func() {
		a.net.mu.Lock()
		if a.net.listeners[a.addr] == a {
			delete(a.net.listeners, a.addr)
		}
		a.net.mu.Unlock()
		close(a.done)
		for {
			select {
			case c := <-a.incoming:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

// memBuffer is one direction of a link. Writes never block, so two peers
// writing to each other from their reader tasks cannot deadlock.
type memBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	closed   bool
	deadline time.Time
	timer    *time.Timer
}

func newMemBuffer() *memBuffer {
	b := &memBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 {
		if b.closed {
			return 0, io.EOF
		}
		if !b.deadline.IsZero() && !time.Now().Before(b.deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		b.cond.Wait()
	}
	return b.buf.Read(p)
}

func (b *memBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := b.buf.Write(p)
	b.cond.Broadcast()
	return n, nil
}

func (b *memBuffer) close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *memBuffer) setDeadline(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadline = t
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if !t.IsZero() {
		b.timer = time.AfterFunc(time.Until(t), func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
	}
	b.cond.Broadcast()
}

type memConn struct {
	in, out *memBuffer
}

func memPipe() (*memConn, *memConn) {
	ab, ba := newMemBuffer(), newMemBuffer()
	return &memConn{in: ba, out: ab}, &memConn{in: ab, out: ba}
}

func (c *memConn) Read(p []byte) (int, error)  { return c.in.read(p) }
func (c *memConn) Write(p []byte) (int, error) { return c.out.write(p) }

// SetDeadline bounds reads only; writes never block.
func (c *memConn) SetDeadline(t time.Time) error {
	c.in.setDeadline(t)
	return nil
}

func (c *memConn) Close() error {
	c.in.close()
	c.out.close()
	return nil
}
