// Package crypto holds node identities and the per-link encryption used
// to mark a hop as secure.
//
// A link is sealed by exchanging ephemeral X25519 public keys during the
// transport hello. Both ends derive two directional ChaCha20-Poly1305 keys
// with HKDF-SHA256 and number their frames, so a frame that is replayed,
// reordered or tampered with fails to open.
package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoDialer   = "mesh-link-v1 dialer"
	hkdfInfoListener = "mesh-link-v1 listener"
)

// SealOverhead is the number of bytes Seal adds to a plaintext.
const SealOverhead = chacha20poly1305.Overhead

// ErrDecryptFailed is returned when a sealed frame fails authentication.
var ErrDecryptFailed = errors.New("crypto: decrypt: authentication failed")

// Ephemeral is a one-shot X25519 key used for a single link handshake.
type Ephemeral struct {
	priv [32]byte
	Pub  [32]byte
}

func NewEphemeral() (*Ephemeral, error) {
	priv, err := newScalar()
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	e := &Ephemeral{priv: priv}
	copy(e.Pub[:], pub)
	return e, nil
}

// LinkCipher seals outgoing and opens incoming frames on one link. Seal and
// Open may be called concurrently with each other, but frames in each
// direction must be opened in the order they were sealed.
type LinkCipher struct {
	sendMu  sync.Mutex
	send    cipher.AEAD
	sendCtr uint64

	recvMu  sync.Mutex
	recv    cipher.AEAD
	recvCtr uint64
}

// NewLinkCipher derives the link keys from the local ephemeral key and the
// peer's ephemeral public key. dialer must be true on exactly one end.
func NewLinkCipher(local *Ephemeral, remotePub [32]byte, dialer bool) (*LinkCipher, error) {
	shared, err := curve25519.X25519(local.priv[:], remotePub[:])
	if err != nil {
		return nil, ErrInvalidKey
	}

	// Salt binds both public keys in a role-independent order.
	first, second := local.Pub[:], remotePub[:]
	if !dialer {
		first, second = second, first
	}
	salt := make([]byte, 0, 64)
	salt = append(salt, first...)
	salt = append(salt, second...)

	dialerKey, err := deriveKey(shared, salt, hkdfInfoDialer)
	if err != nil {
		return nil, err
	}
	listenerKey, err := deriveKey(shared, salt, hkdfInfoListener)
	if err != nil {
		return nil, err
	}
	sendKey, recvKey := dialerKey, listenerKey
	if !dialer {
		sendKey, recvKey = listenerKey, dialerKey
	}

	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	return &LinkCipher{send: send, recv: recv}, nil
}

// Seal encrypts plaintext as the next frame on the link.
func (c *LinkCipher) Seal(plaintext []byte) []byte {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	nonce := counterNonce(c.sendCtr)
	c.sendCtr++
	return c.send.Seal(nil, nonce, plaintext, nil)
}

// Open decrypts the next frame received on the link.
func (c *LinkCipher) Open(sealed []byte) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if len(sealed) < SealOverhead {
		return nil, ErrDecryptFailed
	}
	pt, err := c.recv.Open(nil, counterNonce(c.recvCtr), sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	c.recvCtr++
	return pt, nil
}

func counterNonce(ctr uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], ctr)
	return nonce
}

func deriveKey(shared, salt []byte, info string) ([]byte, error) {
	if bytes.Equal(shared, make([]byte, len(shared))) {
		return nil, ErrInvalidKey
	}
	r := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
