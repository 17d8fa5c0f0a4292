package canonical

import (
	"fmt"

	"github.com/attestor-io/verdict/pkg/contracts"
)

// Step-role tags used by the reason-trace encoding.
const (
	tagForbid            uint8 = 1
	tagPermit            uint8 = 2
	tagRequiredUnmet     uint8 = 3
	tagDefault           uint8 = 4
	tagImpliedBy         uint8 = 5
	tagEscalationTrigger uint8 = 6
	tagDegradedPolicy    uint8 = 7
)

func roleTag(r contracts.StepRole) (uint8, error) {
	switch r {
	case contracts.RoleForbid:
		return tagForbid, nil
	case contracts.RolePermit:
		return tagPermit, nil
	case contracts.RoleRequiredUnmet:
		return tagRequiredUnmet, nil
	case contracts.RoleDefault:
		return tagDefault, nil
	case contracts.RoleImpliedBy:
		return tagImpliedBy, nil
	case contracts.RoleEscalationTrigger:
		return tagEscalationTrigger, nil
	case contracts.RoleDegradedPolicy:
		return tagDegradedPolicy, nil
	}
	return 0, fmt.Errorf("canonical: unknown step role %q", r)
}

// EncodeRequest produces the canonical form of a validated request:
// tenant_id | actor_id | action_id | optional(resource_id) |
// optional(data_class) | sorted context map | optional(risk_level) |
// i64 wall clock µs | request_id.
func EncodeRequest(req *contracts.DecisionRequest) []byte {
	e := NewEncoder()
	e.PutString(req.TenantID)
	e.PutString(req.ActorID)
	e.PutString(req.ActionID)
	e.PutOptionalString(req.ResourceID)
	e.PutOptionalString(req.DataClass)
	e.PutContextMap(req.Context)
	e.PutOptionalU8(req.RiskLevel != 0, req.RiskLevel)
	e.PutTime(req.WallClockTime)
	e.PutString(req.RequestID)
	return e.Bytes()
}

// RequestDigest hashes the canonical request form.
func RequestDigest(req *contracts.DecisionRequest) contracts.Digest {
	return contracts.NewDigest(EncodeRequest(req))
}

// EncodeReasonTrace produces the canonical form of an ordered reason trace.
// Steps with a role outside the closed set fail rather than encode an
// ambiguous tag.
func EncodeReasonTrace(trace []contracts.ReasonStep) ([]byte, error) {
	e := NewEncoder()
	e.PutU32(uint32(len(trace)))
	for _, step := range trace {
		tag, err := roleTag(step.Role)
		if err != nil {
			return nil, err
		}
		e.PutString(step.RuleID)
		e.PutU8(tag)
		e.PutString(step.Note)
	}
	return e.Bytes(), nil
}

// ReasonTraceDigest hashes the canonical reason trace.
func ReasonTraceDigest(trace []contracts.ReasonStep) (contracts.Digest, error) {
	b, err := EncodeReasonTrace(trace)
	if err != nil {
		return contracts.Digest{}, err
	}
	return contracts.NewDigest(b), nil
}

// EncodeTokenBody produces the canonical capability-token body:
// request_digest | actor_id | action_id | optional(data_class) |
// issued_at µs | expires_at µs | policy_version_hash.
func EncodeTokenBody(t *contracts.CapabilityToken) []byte {
	e := NewEncoder()
	e.PutDigest(t.RequestDigest)
	e.PutString(t.ActorID)
	e.PutString(t.ActionID)
	e.PutOptionalString(t.DataClass)
	e.PutTime(t.IssuedAt)
	e.PutTime(t.ExpiresAt)
	e.PutDigest(t.PolicyVersionHash)
	return e.Bytes()
}

// DecodeTokenBody parses a canonical token body. The signature and token id
// are not part of the body; the caller fills them in.
func DecodeTokenBody(b []byte) (*contracts.CapabilityToken, error) {
	d := NewDecoder(b)
	var t contracts.CapabilityToken
	var err error
	if t.RequestDigest, err = d.Digest(); err != nil {
		return nil, err
	}
	if t.ActorID, err = d.String(); err != nil {
		return nil, err
	}
	if t.ActionID, err = d.String(); err != nil {
		return nil, err
	}
	if t.DataClass, err = d.OptionalString(); err != nil {
		return nil, err
	}
	if t.IssuedAt, err = d.Time(); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = d.Time(); err != nil {
		return nil, err
	}
	if t.PolicyVersionHash, err = d.Digest(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &t, nil
}
