package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/felix-dieterle/4people-sub001/internal/crypto"
)

// MaxFrameSize bounds the payload of a single frame. Sealed links add
// crypto.SealOverhead on the wire, so the wire limit is maxWireFrame. A peer
// announcing a larger frame is disconnected.
const (
	MaxFrameSize = 256 << 10
	maxWireFrame = MaxFrameSize + crypto.SealOverhead
)

var (
	ErrFrameTooLarge = errors.New("transport: frame too large")
	ErrEmptyFrame    = errors.New("transport: empty frame")
	ErrBadHello      = errors.New("transport: bad link hello")
)

// Framing: each frame is preceded by a 4-byte big-endian length.
func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	if len(frame) > maxWireFrame {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > maxWireFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// hello is the first frame in each direction of a new link.
type hello struct {
	NodeID     string `json:"node_id"`
	ListenAddr string `json:"listen_addr,omitempty"`
	Secure     bool   `json:"secure"`
	EphPub     string `json:"eph_pub,omitempty"`
}

func writeHello(w io.Writer, h hello) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

func readHello(r io.Reader) (hello, error) {
	var h hello
	b, err := readFrame(r)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	if h.NodeID == "" {
		return h, fmt.Errorf("%w: missing node id", ErrBadHello)
	}
	return h, nil
}
