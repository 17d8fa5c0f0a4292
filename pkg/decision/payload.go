package decision

import (
	"fmt"
	"time"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/contracts"
)

// payloadTagDecision leads every decision payload so a payload is
// self-describing without its enclosing ledger entry.
const payloadTagDecision uint8 = 1

// Record is the audit payload of one decided request: everything a later
// reader needs to tie a verdict back to the exact request, trace and policy
// version that produced it. The raw request and trace are not stored; their
// digests are.
type Record struct {
	TenantID          string            `json:"tenant_id"`
	DecisionID        string            `json:"decision_id"`
	RequestDigest     contracts.Digest  `json:"request_digest"`
	Verdict           contracts.Verdict `json:"verdict"`
	ReasonTraceDigest contracts.Digest  `json:"reason_trace_digest"`
	PolicyVersionHash contracts.Digest  `json:"policy_version_hash"`
	TokenID           string            `json:"token_id,omitempty"`
	IssuedAt          time.Time         `json:"issued_at"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
}

// EncodeRecord produces the canonical payload form: u8 event tag |
// tenant_id | decision_id | request_digest | u8 verdict |
// reason_trace_digest | policy_version_hash | optional(token_id) |
// issued_at µs | optional(expires_at µs).
func EncodeRecord(r *Record) []byte {
	e := canonical.NewEncoder()
	e.PutU8(payloadTagDecision)
	e.PutString(r.TenantID)
	e.PutString(r.DecisionID)
	e.PutDigest(r.RequestDigest)
	e.PutU8(uint8(r.Verdict))
	e.PutDigest(r.ReasonTraceDigest)
	e.PutDigest(r.PolicyVersionHash)
	e.PutOptionalString(r.TokenID)
	e.PutTime(r.IssuedAt)
	e.PutOptionalTime(r.ExpiresAt)
	return e.Bytes()
}

// DecodeRecord parses a canonical decision payload.
func DecodeRecord(b []byte) (*Record, error) {
	d := canonical.NewDecoder(b)
	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	if tag != payloadTagDecision {
		return nil, fmt.Errorf("decision: payload tag 0x%02x is not a decision", tag)
	}
	var r Record
	if r.TenantID, err = d.String(); err != nil {
		return nil, err
	}
	if r.DecisionID, err = d.String(); err != nil {
		return nil, err
	}
	if r.RequestDigest, err = d.Digest(); err != nil {
		return nil, err
	}
	v, err := d.U8()
	if err != nil {
		return nil, err
	}
	r.Verdict = contracts.Verdict(v)
	if !r.Verdict.Valid() {
		return nil, fmt.Errorf("decision: payload verdict tag 0x%02x unknown", v)
	}
	if r.ReasonTraceDigest, err = d.Digest(); err != nil {
		return nil, err
	}
	if r.PolicyVersionHash, err = d.Digest(); err != nil {
		return nil, err
	}
	if r.TokenID, err = d.OptionalString(); err != nil {
		return nil, err
	}
	if r.IssuedAt, err = d.Time(); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = d.OptionalTime(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &r, nil
}
