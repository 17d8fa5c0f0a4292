// Package capability mints and verifies the short-lived authorization
// tokens issued on an Allow verdict. A token binds a specific request
// digest to the policy version that allowed it; the wire form is the
// canonical body followed by a 64-byte Ed25519 signature over the body.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/crypto"
	"github.com/attestor-io/verdict/pkg/policy"
)

// Verification failure reasons.
const (
	ReasonTokenIDMismatch  = "token_id_mismatch"
	ReasonTTLOutOfBounds   = "ttl_out_of_bounds"
	ReasonUnknownSigner    = "unknown_signer"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonNotYetValid      = "not_yet_valid"
	ReasonExpired          = "expired"
)

// MintSpec carries everything a token is bound to. IssuedAt is the decision
// service's frozen clock; TTL has already been reduced to
// min(requested, policy default) by the caller.
type MintSpec struct {
	RequestDigest     contracts.Digest
	ActorID           string
	ActionID          string
	DataClass         string
	IssuedAt          time.Time
	TTL               time.Duration
	PolicyVersionHash contracts.Digest
}

// Issuer signs capability tokens with the node's token key.
type Issuer struct {
	signer crypto.Signer
}

// NewIssuer wraps a signer.
func NewIssuer(s crypto.Signer) *Issuer { return &Issuer{signer: s} }

// Mint builds, hashes and signs a token. Errors here are fatal integrity
// errors for the enclosing decision: a half-minted token must never reach
// the caller or the ledger.
func (i *Issuer) Mint(spec MintSpec) (*contracts.CapabilityToken, error) {
	switch {
	case spec.ActorID == "" || spec.ActionID == "":
		return nil, fmt.Errorf("capability: mint spec missing actor or action")
	case spec.RequestDigest.IsZero():
		return nil, fmt.Errorf("capability: mint spec missing request digest")
	case spec.PolicyVersionHash.IsZero():
		return nil, fmt.Errorf("capability: mint spec missing policy version hash")
	case spec.IssuedAt.IsZero():
		return nil, fmt.Errorf("capability: mint spec missing issue time")
	case spec.TTL <= 0 || spec.TTL > policy.MaxTokenTTL:
		return nil, fmt.Errorf("capability: ttl %v outside (0, %v]", spec.TTL, policy.MaxTokenTTL)
	}

	tok := &contracts.CapabilityToken{
		RequestDigest:     spec.RequestDigest,
		ActorID:           spec.ActorID,
		ActionID:          spec.ActionID,
		DataClass:         spec.DataClass,
		IssuedAt:          spec.IssuedAt.UTC(),
		ExpiresAt:         spec.IssuedAt.UTC().Add(spec.TTL),
		PolicyVersionHash: spec.PolicyVersionHash,
	}
	body := canonical.EncodeTokenBody(tok)
	sig, err := i.signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("capability: signing token body: %w", err)
	}
	tok.Signature = sig
	tok.TokenID = TokenID(body)
	return tok, nil
}

// TokenID derives the public identifier: hex of the first 16 bytes of
// SHA-256(canonical body).
func TokenID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}

// Wire serializes a token to its transportable form, body then signature.
func Wire(t *contracts.CapabilityToken) []byte {
	body := canonical.EncodeTokenBody(t)
	out := make([]byte, 0, len(body)+len(t.Signature))
	out = append(out, body...)
	return append(out, t.Signature...)
}

// DecodeWire parses the wire form and recomputes the token id from the body
// bytes. The signature is carried over unverified; call Verifier.Verify.
func DecodeWire(b []byte) (*contracts.CapabilityToken, error) {
	if len(b) <= crypto.SignatureSize {
		return nil, fmt.Errorf("capability: wire form too short (%d bytes)", len(b))
	}
	body, sig := b[:len(b)-crypto.SignatureSize], b[len(b)-crypto.SignatureSize:]
	tok, err := canonical.DecodeTokenBody(body)
	if err != nil {
		return nil, fmt.Errorf("capability: decoding token body: %w", err)
	}
	tok.Signature = append([]byte(nil), sig...)
	tok.TokenID = TokenID(body)
	return tok, nil
}

// Verifier checks presented tokens against the key ring, so tokens minted
// before a key rotation stay verifiable for their lifetime.
type Verifier struct {
	ring *crypto.KeyRing
}

// NewVerifier wraps a key ring.
func NewVerifier(ring *crypto.KeyRing) *Verifier { return &Verifier{ring: ring} }

// Verify checks structure, signature and validity window at the supplied
// time. The bound policy version hash is reported either way so callers can
// audit what a rejected token claimed.
func (v *Verifier) Verify(t *contracts.CapabilityToken, now time.Time) contracts.TokenVerification {
	out := contracts.TokenVerification{BoundPolicyVersionHash: t.PolicyVersionHash}

	body := canonical.EncodeTokenBody(t)
	if t.TokenID != TokenID(body) {
		out.Reason = ReasonTokenIDMismatch
		return out
	}
	if ttl := t.ExpiresAt.Sub(t.IssuedAt); ttl <= 0 || ttl > policy.MaxTokenTTL {
		out.Reason = ReasonTTLOutOfBounds
		return out
	}
	valid, known := v.ring.VerifyAt(t.IssuedAt, body, t.Signature)
	if !known {
		out.Reason = ReasonUnknownSigner
		return out
	}
	if !valid {
		out.Reason = ReasonSignatureInvalid
		return out
	}
	if now.Before(t.IssuedAt) {
		out.Reason = ReasonNotYetValid
		return out
	}
	if !now.Before(t.ExpiresAt) {
		out.Reason = ReasonExpired
		return out
	}
	out.Valid = true
	return out
}

// VerifyWire decodes and verifies in one step.
func (v *Verifier) VerifyWire(b []byte, now time.Time) (contracts.TokenVerification, error) {
	tok, err := DecodeWire(b)
	if err != nil {
		return contracts.TokenVerification{}, err
	}
	return v.Verify(tok, now), nil
}
