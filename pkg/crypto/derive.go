package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// deriveSalt domain-separates this deployment's key schedule.
const deriveSalt = "verdict-key-derivation-v1"

// Key purposes. Each purpose yields an independent keypair from the same
// master seed, so compromising one scope does not expose the others.
const (
	PurposeLedger   = "ledger-entry"
	PurposeToken    = "capability-token"
	PurposeApproval = "approval-credential"
)

// DeriveSigner derives a purpose-scoped Ed25519 signer from a 32-byte master
// seed using HKDF-SHA256. Derivation is deterministic: the same seed and
// purpose always produce the same keypair.
func DeriveSigner(masterSeed []byte, purpose string) (*Ed25519Signer, error) {
	if len(masterSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("master seed length %d, want %d", len(masterSeed), ed25519.SeedSize)
	}
	if purpose == "" {
		return nil, fmt.Errorf("derivation purpose must not be empty")
	}

	kdf := hkdf.New(sha256.New, masterSeed, []byte(deriveSalt), []byte(purpose))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return NewSignerFromSeed(seed)
}
