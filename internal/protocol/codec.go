package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Wire layout (big-endian):
//
//	magic(1) version(1) type(1) flags(1) ttl(2) hop(2) seq(4) timestamp_ms(8)
//	id_len(2) id  src_len(2) src  dst_len(2) dst  payload_len(4) payload
//
// The magic byte is not a valid first byte of a JSON document, so native
// frames can be told apart from interop frames by their first byte.
const (
	Magic        byte = 0xA7
	WireVersion  byte = 1
	HeaderSize        = 1 + 1 + 1 + 1 + 2 + 2 + 4 + 8
	MaxFieldSize      = 1024
	MaxPayload        = 192 * 1024

	flagInsecureHop byte = 0x01
)

var (
	ErrShortFrame     = errors.New("protocol: frame too short")
	ErrBadMagic       = errors.New("protocol: bad magic byte")
	ErrBadVersion     = errors.New("protocol: unsupported wire version")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrFieldTooLarge  = errors.New("protocol: field exceeds limit")
	ErrTrailingBytes  = errors.New("protocol: trailing bytes after payload")
	ErrNegativeHeader = errors.New("protocol: ttl or hop count out of range")
)

// LooksNative reports whether b starts like a native frame.
func LooksNative(b []byte) bool {
	return len(b) > 0 && b[0] == Magic
}

// Encode serialises m. Oversized fields are rejected rather than truncated.
func Encode(m Message) ([]byte, error) {
	if len(m.ID) > MaxFieldSize || len(m.Source) > MaxFieldSize || len(m.Destination) > MaxFieldSize {
		return nil, ErrFieldTooLarge
	}
	if len(m.Payload) > MaxPayload {
		return nil, ErrFieldTooLarge
	}
	if m.TTL < 0 || m.TTL > math.MaxUint16 || m.HopCount < 0 || m.HopCount > math.MaxUint16 {
		return nil, ErrNegativeHeader
	}

	size := HeaderSize + 2 + len(m.ID) + 2 + len(m.Source) + 2 + len(m.Destination) + 4 + len(m.Payload)
	buf := make([]byte, HeaderSize, size)
	buf[0] = Magic
	buf[1] = WireVersion
	buf[2] = byte(m.Type)
	if m.HadInsecureHop {
		buf[3] |= flagInsecureHop
	}
	binary.BigEndian.PutUint16(buf[4:], uint16(m.TTL))
	binary.BigEndian.PutUint16(buf[6:], uint16(m.HopCount))
	binary.BigEndian.PutUint32(buf[8:], m.Sequence)
	var ts int64
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UnixMilli()
	}
	binary.BigEndian.PutUint64(buf[12:], uint64(ts))

	buf = appendString(buf, m.ID)
	buf = appendString(buf, m.Source)
	buf = appendString(buf, m.Destination)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// Decode parses a frame produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, ErrShortFrame
	}
	if b[0] != Magic {
		return Message{}, ErrBadMagic
	}
	if b[1] != WireVersion {
		return Message{}, ErrBadVersion
	}
	m := Message{
		Type:           Type(b[2]),
		HadInsecureHop: b[3]&flagInsecureHop != 0,
		TTL:            int(binary.BigEndian.Uint16(b[4:])),
		HopCount:       int(binary.BigEndian.Uint16(b[6:])),
		Sequence:       binary.BigEndian.Uint32(b[8:]),
	}
	if !m.Type.Valid() {
		return Message{}, ErrUnknownType
	}
	if ts := int64(binary.BigEndian.Uint64(b[12:])); ts != 0 {
		m.Timestamp = time.UnixMilli(ts)
	}

	r := reader{buf: b[HeaderSize:]}
	m.ID = r.string()
	m.Source = r.string()
	m.Destination = r.string()
	m.Payload = r.payload()
	if r.err != nil {
		return Message{}, r.err
	}
	if len(r.buf) != 0 {
		return Message{}, ErrTrailingBytes
	}
	return m, nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortFrame
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) string() string {
	hdr := r.take(2)
	if hdr == nil {
		return ""
	}
	n := int(binary.BigEndian.Uint16(hdr))
	if n > MaxFieldSize {
		r.err = ErrFieldTooLarge
		return ""
	}
	return string(r.take(n))
}

func (r *reader) payload() []byte {
	hdr := r.take(4)
	if hdr == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxPayload {
		r.err = ErrFieldTooLarge
		return nil
	}
	p := r.take(int(n))
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}
