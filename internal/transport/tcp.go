package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// TCPNetwork carries links over plain TCP. Links are sealed by the Stream
// when Config.Seal is set.
type TCPNetwork struct {
	KeepAlive time.Duration
}

// NewTCP returns a Stream over TCP.
func NewTCP(cfg Config) (*Stream, error) {
	return NewStream(TCPNetwork{KeepAlive: 15 * time.Second}, cfg)
}

func (TCPNetwork) Secure() bool { return false }

func (n TCPNetwork) Listen(addr string) (Acceptor, error) {
	lc := net.ListenConfig{KeepAlive: n.KeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpAcceptor{ln}, nil
}

func (n TCPNetwork) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	d := net.Dialer{KeepAlive: n.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

type tcpAcceptor struct {
	ln net.Listener
}

func (a tcpAcceptor) Accept() (io.ReadWriteCloser, error) { return a.ln.Accept() }
func (a tcpAcceptor) Addr() string                        { return a.ln.Addr().String() }
func (a tcpAcceptor) Close() error                        { return a.ln.Close() }
