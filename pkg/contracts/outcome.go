package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Verdict is the outcome of evaluating a request against a policy. The
// numeric order is the restrictiveness lattice: Allow < Escalate < Deny.
type Verdict uint8

// Verdicts, least to most restrictive.
const (
	VerdictAllow    Verdict = 1
	VerdictEscalate Verdict = 2
	VerdictDeny     Verdict = 3
)

// Meet returns the most restrictive of the two verdicts.
func (v Verdict) Meet(o Verdict) Verdict {
	if o > v {
		return o
	}
	return v
}

// Valid reports whether v is one of the three defined verdicts.
func (v Verdict) Valid() bool { return v >= VerdictAllow && v <= VerdictDeny }

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictEscalate:
		return "escalate"
	case VerdictDeny:
		return "deny"
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// MarshalJSON encodes the verdict as its string form.
func (v Verdict) MarshalJSON() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid verdict %d", uint8(v))
	}
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes the string form.
func (v *Verdict) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "allow":
		*v = VerdictAllow
	case "escalate":
		*v = VerdictEscalate
	case "deny":
		*v = VerdictDeny
	default:
		return fmt.Errorf("unknown verdict %q", s)
	}
	return nil
}

// StepRole names the part a rule played in a reason trace.
type StepRole string

// Step roles.
const (
	RoleForbid            StepRole = "forbid"
	RolePermit            StepRole = "permit"
	RoleRequiredUnmet     StepRole = "required_unmet"
	RoleDefault           StepRole = "default"
	RoleImpliedBy         StepRole = "implied_by"
	RoleEscalationTrigger StepRole = "escalation_trigger"
	RoleDegradedPolicy    StepRole = "degraded_policy"
)

// ReasonStep records one rule's contribution to a verdict.
type ReasonStep struct {
	RuleID string   `json:"rule_id,omitempty"`
	Role   StepRole `json:"role"`
	Note   string   `json:"note,omitempty"`
}

// EvaluationOutcome is the engine's result: a verdict plus the ordered trace
// of every rule that contributed to it.
type EvaluationOutcome struct {
	Verdict        Verdict      `json:"verdict"`
	ReasonTrace    []ReasonStep `json:"reason_trace"`
	MatchedRuleIDs []string     `json:"matched_rule_ids,omitempty"`
	EvaluatedAt    time.Time    `json:"evaluated_at"`
}
