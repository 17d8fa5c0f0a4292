package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DigestSize is the byte length of every content digest in the system.
const DigestSize = sha256.Size

// Digest is a SHA-256 content digest. It identifies requests, policies,
// reason traces and ledger entries; the zero value is the genesis hash.
type Digest [DigestSize]byte

// NewDigest hashes b with SHA-256.
func NewDigest(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// ParseDigest decodes a 64-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest not hex: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("digest length %d, want %d", len(raw), DigestSize)
	}
	copy(d[:], raw)
	return d, nil
}

// Hex returns the lowercase hex form.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

// String implements fmt.Stringer.
func (d Digest) String() string { return d.Hex() }

// IsZero reports whether the digest is all zero bytes (the genesis value).
func (d Digest) IsZero() bool { return d == Digest{} }

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Hex())
}

// UnmarshalJSON decodes a hex string.
func (d *Digest) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
