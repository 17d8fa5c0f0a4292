// Package crypto holds the node's signing identity: Ed25519 signing,
// verification against a rotation-aware key ring, and derivation of
// purpose-scoped keys from a single master seed.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// SignatureSize is the length of every detached signature.
const SignatureSize = ed25519.SignatureSize

// ErrNoSigningKey is returned when a signer holds no usable private key.
// Signing failures are fatal to the enclosing decision.
var ErrNoSigningKey = errors.New("crypto: no signing key loaded")

// Signer produces detached signatures over canonical byte strings.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer signs with an in-memory Ed25519 private key. Key material
// at rest is protected out of band; this type only consumes a loaded key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

var _ Signer = (*Ed25519Signer)(nil)

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed builds a signer from a 32-byte seed.
func NewSignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the 64-byte detached signature over data. The input and the
// key are never logged.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return nil, ErrNoSigningKey
	}
	return ed25519.Sign(s.priv, data), nil
}

// PublicKey returns the 32-byte public key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// PrivateKey exposes the private key for callers that sign through another
// mechanism, such as JWT issuance. Handle with the same care as the seed.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.priv }

// PublicKeyHex returns the hex form used in configuration and logs.
func (s *Ed25519Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// Verify checks a detached signature. It never panics: malformed keys or
// signatures verify as false.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
