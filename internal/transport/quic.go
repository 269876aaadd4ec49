package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const quicALPN = "mesh-link"

// QUICNetwork carries each link as one bidirectional stream on its own QUIC
// connection. TLS protects every link, so all QUIC peers are secure hops.
// Peers authenticate each other by node id in the link hello, not by
// certificate: every node presents a throwaway self-signed certificate.
type QUICNetwork struct {
	server *tls.Config
	client *tls.Config
	conf   *quic.Config

	// AcceptStreamTimeout bounds how long an accepted connection may take
	// to open its stream.
	AcceptStreamTimeout time.Duration
}

func NewQUICNetwork() (*QUICNetwork, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &QUICNetwork{
		server: &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{quicALPN}},
		client: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{quicALPN}},
		conf: &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  60 * time.Second,
		},
		AcceptStreamTimeout: DefaultHandshakeTimeout,
	}, nil
}

// NewQUIC returns a Stream over QUIC.
func NewQUIC(cfg Config) (*Stream, error) {
	n, err := NewQUICNetwork()
	if err != nil {
		return nil, err
	}
	return NewStream(n, cfg)
}

func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func (n *QUICNetwork) Secure() bool { return true }

func (n *QUICNetwork) Listen(addr string) (Acceptor, error) {
	ln, err := quic.ListenAddr(addr, n.server, n.conf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &quicAcceptor{ln: ln, ctx: ctx, cancel: cancel, streamTimeout: n.AcceptStreamTimeout}, nil
}

func (n *QUICNetwork) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, addr, n.client, n.conf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

type quicAcceptor struct {
	ln            *quic.Listener
	ctx           context.Context
	cancel        context.CancelFunc
	streamTimeout time.Duration
}

func (a *quicAcceptor) Accept() (io.ReadWriteCloser, error) {
	for {
		conn, err := a.ln.Accept(a.ctx)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(a.ctx, a.streamTimeout)
		stream, err := conn.AcceptStream(ctx)
		cancel()
		if err != nil {
			conn.CloseWithError(0, "no stream")
			if a.ctx.Err() != nil {
				return nil, a.ctx.Err()
			}
			continue
		}
		return &quicStream{Stream: stream, conn: conn}, nil
	}
}

func (a *quicAcceptor) Addr() string { return a.ln.Addr().String() }

func (a *quicAcceptor) Close() error {
	a.cancel()
	return a.ln.Close()
}

// quicStream closes its connection along with the stream.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	s.conn.CloseWithError(0, "closed")
	return err
}

func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
