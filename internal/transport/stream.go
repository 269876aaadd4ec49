package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/felix-dieterle/4people-sub001/internal/crypto"
	"github.com/felix-dieterle/4people-sub001/internal/metrics"
	"github.com/felix-dieterle/4people-sub001/internal/observer"
	"github.com/felix-dieterle/4people-sub001/internal/protocol"
)

const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
)

var (
	ErrClosed        = errors.New("transport: closed")
	ErrNoNodeID      = errors.New("transport: node id is required")
	ErrSelfConnected = errors.New("transport: dialed own node")
)

// Network opens byte-stream links for a Stream.
type Network interface {
	Listen(addr string) (Acceptor, error)
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
	// Secure reports whether the network itself protects every link.
	Secure() bool
}

// Acceptor yields incoming links until closed.
type Acceptor interface {
	Accept() (io.ReadWriteCloser, error)
	Addr() string
	Close() error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Config configures a Stream.
type Config struct {
	NodeID     string
	ListenAddr string
	// AdvertiseAddr is announced to peers as the address to dial back.
	// Defaults to the bound listen address.
	AdvertiseAddr string
	// Seal encrypts links whose peer also asks for it. Ignored on networks
	// that are already secure.
	Seal bool

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type link struct {
	peer   Peer
	rw     io.ReadWriteCloser
	cipher *crypto.LinkCipher

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (l *link) write(frame []byte) error {
	switch {
	case len(frame) == 0:
		return ErrEmptyFrame
	case len(frame) > MaxFrameSize:
		return ErrFrameTooLarge
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.cipher != nil {
		frame = l.cipher.Seal(frame)
	}
	return writeFrame(l.rw, frame)
}

func (l *link) close() {
	l.closeOnce.Do(func() { l.rw.Close() })
}

// Stream is a Transport over any Network.
type Stream struct {
	cfg     Config
	net     Network
	log     *zap.Logger
	metrics *metrics.Metrics

	frames observer.Registry[Listener]
	links  observer.Registry[LinkListener]
	dials  singleflight.Group

	mu        sync.Mutex
	acceptor  Acceptor
	acceptEnd chan struct{}
	pool      map[string]*link                // pooled link per peer address
	all       map[*link]struct{}              // every open link, pooled or not
	pending   map[io.ReadWriteCloser]struct{} // accepted, still handshaking
	closed    bool

	exits chan *link
	quit  chan struct{}
	wg    sync.WaitGroup
}

var _ Transport = (*Stream)(nil)

// NewStream creates a Stream and starts its supervisor. Listening starts
// with StartListening.
func NewStream(network Network, cfg Config) (*Stream, error) {
	if cfg.NodeID == "" {
		return nil, ErrNoNodeID
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Stream{
		cfg:     cfg,
		net:     network,
		log:     cfg.Logger.Named("transport"),
		metrics: cfg.Metrics,
		pool:    make(map[string]*link),
		all:     make(map[*link]struct{}),
		pending: make(map[io.ReadWriteCloser]struct{}),
		exits:   make(chan *link),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.supervise()
	return s, nil
}

func (s *Stream) StartListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.acceptor != nil {
		return nil
	}
	acc, err := s.net.Listen(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.acceptor = acc
	s.acceptEnd = make(chan struct{})
	s.wg.Add(1)
	go s.acceptLoop(acc, s.acceptEnd)
	s.log.Info("listening", zap.String("addr", acc.Addr()))
	return nil
}

func (s *Stream) StopListening() {
	s.mu.Lock()
	acc, done := s.acceptor, s.acceptEnd
	s.acceptor, s.acceptEnd = nil, nil
	s.mu.Unlock()
	if acc == nil {
		return
	}
	acc.Close()
	<-done
	s.log.Info("stopped listening", zap.String("addr", acc.Addr()))
}

func (s *Stream) LocalAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertiseLocked()
}

func (s *Stream) advertiseLocked() string {
	if s.cfg.AdvertiseAddr != "" {
		return s.cfg.AdvertiseAddr
	}
	if s.acceptor != nil {
		return s.acceptor.Addr()
	}
	return ""
}

func (s *Stream) Subscribe(fn Listener) func() { return s.frames.Subscribe(fn) }

func (s *Stream) SubscribeLinks(fn LinkListener) func() { return s.links.Subscribe(fn) }

func (s *Stream) Connections() []Peer {
	s.mu.Lock()
	out := make([]Peer, 0, len(s.pool))
	for _, l := range s.pool {
		out = append(out, l.peer)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (s *Stream) Connect(ctx context.Context, addr string) (Peer, error) {
	l, err := s.get(ctx, addr)
	if err != nil {
		return Peer{}, err
	}
	return l.peer, nil
}

func (s *Stream) Send(msg protocol.Message, addr string) bool {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.log.Warn("encode message", zap.Stringer("msg", msg), zap.Error(err))
		return false
	}
	return s.SendFrame(frame, addr)
}

func (s *Stream) SendFrame(frame []byte, addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()
	l, err := s.get(ctx, addr)
	if err != nil {
		s.metrics.SendFailed()
		s.log.Debug("no link", zap.String("addr", addr), zap.Error(err))
		return false
	}
	if err := l.write(frame); err != nil {
		s.metrics.SendFailed()
		s.log.Debug("write failed", zap.String("addr", addr), zap.Int("size", len(frame)), zap.Error(err))
		if !errors.Is(err, ErrFrameTooLarge) && !errors.Is(err, ErrEmptyFrame) {
			l.close()
		}
		return false
	}
	s.metrics.FrameSent()
	return true
}

// get returns the pooled link for addr, dialing it if needed. Concurrent
// callers for the same address share one dial.
func (s *Stream) get(ctx context.Context, addr string) (*link, error) {
	if l, err := s.pooled(addr); l != nil || err != nil {
		return l, err
	}
	v, err, _ := s.dials.Do(addr, func() (any, error) {
		if l, err := s.pooled(addr); l != nil || err != nil {
			return l, err
		}
		return s.dial(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*link), nil
}

func (s *Stream) pooled(addr string) (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.pool[addr], nil
}

func (s *Stream) dial(ctx context.Context, addr string) (*link, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	rw, err := s.net.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	l, err := s.handshake(rw, addr, true)
	if err != nil {
		rw.Close()
		return nil, err
	}
	if !s.register(l) {
		l.close()
		return nil, ErrClosed
	}
	return l, nil
}

func (s *Stream) acceptLoop(acc Acceptor, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	for {
		rw, err := acc.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			rw.Close()
			return
		}
		s.pending[rw] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			l, err := s.handshake(rw, "", false)
			s.mu.Lock()
			delete(s.pending, rw)
			s.mu.Unlock()
			if err != nil {
				s.log.Debug("incoming handshake failed", zap.Error(err))
				rw.Close()
				return
			}
			if !s.register(l) {
				l.close()
			}
		}()
	}
}

// handshake exchanges link hellos. The dialer speaks first. addr is the
// dialed address, empty on the accepting side.
func (s *Stream) handshake(rw io.ReadWriteCloser, addr string, dialer bool) (*link, error) {
	start := time.Now()
	if d, ok := rw.(deadliner); ok {
		d.SetDeadline(start.Add(s.cfg.HandshakeTimeout))
		defer d.SetDeadline(time.Time{})
	}

	s.mu.Lock()
	local := hello{NodeID: s.cfg.NodeID, ListenAddr: s.advertiseLocked()}
	s.mu.Unlock()

	var eph *crypto.Ephemeral
	if s.cfg.Seal && !s.net.Secure() {
		var err error
		if eph, err = crypto.NewEphemeral(); err != nil {
			return nil, err
		}
		local.Secure = true
		local.EphPub = hex.EncodeToString(eph.Pub[:])
	}

	var remote hello
	var err error
	if dialer {
		if err = writeHello(rw, local); err == nil {
			remote, err = readHello(rw)
		}
	} else {
		if remote, err = readHello(rw); err == nil {
			err = writeHello(rw, local)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}
	if remote.NodeID == s.cfg.NodeID {
		return nil, ErrSelfConnected
	}

	l := &link{rw: rw, peer: Peer{ID: remote.NodeID, Addr: addr, Secure: s.net.Secure()}}
	if l.peer.Addr == "" {
		l.peer.Addr = dialBackAddr(remote.ListenAddr, rw)
	}
	if l.peer.Addr == "" {
		l.peer.Addr = unknownAddrPrefix + remote.NodeID
	}
	if eph != nil && remote.Secure {
		pub, err := crypto.PubKeyFromHex(remote.EphPub)
		if err != nil {
			return nil, fmt.Errorf("transport: handshake: %w", err)
		}
		if l.cipher, err = crypto.NewLinkCipher(eph, pub, dialer); err != nil {
			return nil, fmt.Errorf("transport: handshake: %w", err)
		}
		l.peer.Secure = true
	}
	s.metrics.Handshake(time.Since(start))
	return l, nil
}

// register adds l to the pool and starts its reader. The first link for an
// address is pooled; later ones only read until the pooled one goes away.
func (s *Stream) register(l *link) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dup := false
	if pooled, ok := s.pool[l.peer.Addr]; ok {
		if pooled.peer.ID == l.peer.ID {
			dup = true
		} else {
			// Another node already holds this address; keep both reachable.
			l.peer.Addr = l.peer.Addr + peerAddrSep + l.peer.ID
			_, dup = s.pool[l.peer.Addr]
		}
	}
	s.all[l] = struct{}{}
	if !dup {
		s.pool[l.peer.Addr] = l
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(l)
	s.metrics.ConnectionOpened()
	s.log.Debug("link up",
		zap.String("peer", l.peer.ID), zap.String("addr", l.peer.Addr),
		zap.Bool("secure", l.peer.Secure), zap.Bool("duplicate", dup))
	if !dup {
		s.links.Each(func(fn LinkListener) { fn(l.peer, true) })
	}
	return true
}

func (s *Stream) readLoop(l *link) {
	defer s.wg.Done()
	defer func() {
		l.close()
		select {
		case s.exits <- l:
		case <-s.quit:
		}
	}()
	for {
		frame, err := readFrame(l.rw)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read failed", zap.String("peer", l.peer.ID), zap.Error(err))
			}
			return
		}
		if l.cipher != nil {
			if frame, err = l.cipher.Open(frame); err != nil {
				s.log.Warn("dropping link: bad sealed frame", zap.String("peer", l.peer.ID))
				return
			}
		}
		s.metrics.FrameRead(len(frame))
		from := l.peer
		s.frames.Each(func(fn Listener) { fn(frame, from) })
	}
}

// supervise removes links whose reader has exited.
func (s *Stream) supervise() {
	defer s.wg.Done()
	for {
		select {
		case l := <-s.exits:
			s.remove(l)
		case <-s.quit:
			return
		}
	}
}

func (s *Stream) remove(l *link) {
	s.mu.Lock()
	delete(s.all, l)
	lost := false
	if s.pool[l.peer.Addr] == l {
		delete(s.pool, l.peer.Addr)
		lost = true
		for other := range s.all {
			if other.peer.Addr == l.peer.Addr && other.peer.ID == l.peer.ID {
				s.pool[other.peer.Addr] = other
				lost = false
				break
			}
		}
	}
	s.mu.Unlock()

	s.metrics.ConnectionClosed()
	s.log.Debug("link down", zap.String("peer", l.peer.ID), zap.String("addr", l.peer.Addr))
	if lost {
		s.links.Each(func(fn LinkListener) { fn(l.peer, false) })
	}
}

func (s *Stream) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	acc, done := s.acceptor, s.acceptEnd
	s.acceptor, s.acceptEnd = nil, nil
	closers := make([]io.Closer, 0, len(s.all)+len(s.pending))
	for l := range s.all {
		closers = append(closers, closerFunc(l.close))
	}
	for rw := range s.pending {
		closers = append(closers, rw)
	}
	s.pool = make(map[string]*link)
	s.all = make(map[*link]struct{})
	s.mu.Unlock()

	if acc != nil {
		acc.Close()
		<-done
	}
	close(s.quit)
	for _, c := range closers {
		c.Close()
	}
	s.wg.Wait()
	s.log.Debug("transport closed")
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
