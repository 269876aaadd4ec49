package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKey is returned for malformed key material.
var ErrInvalidKey = errors.New("crypto: invalid key")

// KeyPair is the long-lived X25519 identity of a node. The node id is
// derived from the public key, so a node keeps its id across restarts as
// long as identity.json survives.
type KeyPair struct {
	Priv [32]byte `json:"-"`
	Pub  [32]byte `json:"-"`

	PrivHex string `json:"priv"`
	PubHex  string `json:"pub"`
}

func newScalar() ([32]byte, error) {
	var k [32]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, err
	}
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
	return k, nil
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := newScalar()
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{Priv: priv}
	copy(kp.Pub[:], pub)
	kp.syncHex()
	return kp, nil
}

func (kp *KeyPair) syncHex() {
	kp.PrivHex = hex.EncodeToString(kp.Priv[:])
	kp.PubHex = hex.EncodeToString(kp.Pub[:])
}

func (kp *KeyPair) syncFromHex() error {
	priv, err := PubKeyFromHex(kp.PrivHex)
	if err != nil {
		return fmt.Errorf("crypto: priv: %w", err)
	}
	pub, err := PubKeyFromHex(kp.PubHex)
	if err != nil {
		return fmt.Errorf("crypto: pub: %w", err)
	}
	derived, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("crypto: derive pub: %w", err)
	}
	if string(derived) != string(pub[:]) {
		return fmt.Errorf("crypto: public key does not match private key: %w", ErrInvalidKey)
	}
	kp.Priv, kp.Pub = priv, pub
	return nil
}

// NodeID is the routing identity for this key: "node-" followed by the
// first 8 bytes of SHA-256(pub) in hex.
func (kp *KeyPair) NodeID() string {
	sum := sha256.Sum256(kp.Pub[:])
	return "node-" + hex.EncodeToString(sum[:8])
}

func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Pub[:])
}

func (kp *KeyPair) Save(path string) error {
	kp.syncHex()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(kp)
}

func LoadKeyPair(path string) (*KeyPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	kp := &KeyPair{}
	if err := json.NewDecoder(f).Decode(kp); err != nil {
		return nil, fmt.Errorf("crypto: decode %s: %w", path, err)
	}
	return kp, kp.syncFromHex()
}

// LoadOrGenerate loads the identity at path, creating and saving a new one
// if the file does not exist.
func LoadOrGenerate(path string) (kp *KeyPair, created bool, err error) {
	kp, err = LoadKeyPair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(path); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// PubKeyFromHex parses a 32-byte hex-encoded X25519 key.
func PubKeyFromHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, ErrInvalidKey
	}
	if len(b) != 32 {
		return out, ErrInvalidKey
	}
	copy(out[:], b)
	return out, nil
}
