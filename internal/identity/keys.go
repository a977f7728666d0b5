package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Keys holds a long-term x25519 identity keypair. The secret is owned by the
// caller (host keystore custody is out of scope); everything on the wire uses
// the hex-encoded public key.
type Keys struct {
	secret [32]byte
	public [32]byte
}

// Generate creates a fresh identity keypair.
func Generate() (*Keys, error) {
	var k Keys
	if _, err := rand.Read(k.secret[:]); err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	pub, err := curve25519.X25519(k.secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(k.public[:], pub)
	return &k, nil
}

// Parse reconstructs a keypair from a hex-encoded secret key.
func Parse(secretHex string) (*Keys, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("parse secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("parse secret key: want 32 bytes, got %d", len(raw))
	}
	var k Keys
	copy(k.secret[:], raw)
	pub, err := curve25519.X25519(k.secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(k.public[:], pub)
	return &k, nil
}

// SecretHex returns the hex-encoded secret key.
func (k *Keys) SecretHex() string {
	return hex.EncodeToString(k.secret[:])
}

// PublicHex returns the hex-encoded public key.
func (k *Keys) PublicHex() string {
	return hex.EncodeToString(k.public[:])
}

// SharedSecret computes the x25519 shared secret with a hex-encoded peer
// public key. Used by the engine to seal and unseal welcome envelopes.
func (k *Keys) SharedSecret(peerPublicHex string) ([]byte, error) {
	peer, err := hex.DecodeString(peerPublicHex)
	if err != nil || len(peer) != 32 {
		return nil, fmt.Errorf("invalid peer public key %q", peerPublicHex)
	}
	shared, err := curve25519.X25519(k.secret[:], peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return shared, nil
}

// ParsePublic validates a hex-encoded public key and returns its canonical form.
func ParsePublic(publicHex string) (string, error) {
	raw, err := hex.DecodeString(publicHex)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("parse public key: want 32 bytes, got %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}
