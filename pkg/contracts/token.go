package contracts

import "time"

// CapabilityToken is the signed authorization artifact minted on an Allow.
// TokenID is the hex form of the first 16 bytes of SHA-256(canonical body).
// The wire form is the canonical body encoding followed by the 64-byte
// Ed25519 signature over the body.
type CapabilityToken struct {
	TokenID           string    `json:"token_id"`
	RequestDigest     Digest    `json:"request_digest"`
	ActorID           string    `json:"actor_id"`
	ActionID          string    `json:"action_id"`
	DataClass         string    `json:"data_class,omitempty"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	PolicyVersionHash Digest    `json:"policy_version_hash"`
	Signature         []byte    `json:"signature"`
}

// TokenVerification is the result of checking a presented token.
type TokenVerification struct {
	Valid                  bool   `json:"valid"`
	Reason                 string `json:"reason,omitempty"`
	BoundPolicyVersionHash Digest `json:"bound_policy_version_hash"`
}
