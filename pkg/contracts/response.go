package contracts

import "time"

// DecisionResponse is returned to the caller for every decided request. The
// ledger entry referenced by EntrySeq/EntryHash is durable before this value
// is returned.
type DecisionResponse struct {
	DecisionID        string           `json:"decision_id"`
	Verdict           Verdict          `json:"verdict"`
	ReasonTrace       []ReasonStep     `json:"reason_trace"`
	Token             *CapabilityToken `json:"token,omitempty"`
	EntrySeq          uint64           `json:"entry_seq"`
	EntryHash         Digest           `json:"entry_hash"`
	EntrySignature    []byte           `json:"entry_signature"`
	PolicyVersionHash Digest           `json:"policy_version_hash"`
	IssuedAt          time.Time        `json:"issued_at"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
}
