package policy

import (
	"bytes"
	"sort"
	"time"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/contracts"
)

// ConditionKind names one of the closed set of condition semantics. The set
// is deliberately closed: conditions are data, not code.
type ConditionKind string

// Condition kinds.
const (
	CondTimeWindow      ConditionKind = "time_window"
	CondRateLimit       ConditionKind = "rate_limit"
	CondApprovalPresent ConditionKind = "approval_present"
	CondContextEquals   ConditionKind = "context_equals"
	CondContextIn       ConditionKind = "context_in"
	CondSensitivityMax  ConditionKind = "data_sensitivity_at_most"
	CondTrustMin        ConditionKind = "actor_trust_at_least"
)

// KnownConditionKind reports whether k is in the closed set.
func KnownConditionKind(k ConditionKind) bool {
	switch k {
	case CondTimeWindow, CondRateLimit, CondApprovalPresent,
		CondContextEquals, CondContextIn, CondSensitivityMax, CondTrustMin:
		return true
	}
	return false
}

// Rate-limit key selectors: which request field feeds the sidecar counter.
const (
	SelectorActor       = "actor"
	SelectorAction      = "action"
	SelectorTenant      = "tenant"
	SelectorActorAction = "actor_action"
)

// KnownKeySelector reports whether s is a defined rate-limit key selector.
func KnownKeySelector(s string) bool {
	switch s {
	case SelectorActor, SelectorAction, SelectorTenant, SelectorActorAction:
		return true
	}
	return false
}

// WeekdayMask is a seven-bit set of weekdays, bit 0 = Sunday, matching
// time.Weekday numbering.
type WeekdayMask uint8

// AllDays covers the whole week.
const AllDays WeekdayMask = 0x7f

// Has reports whether the mask includes w.
func (m WeekdayMask) Has(w time.Weekday) bool { return m&(1<<uint(w)) != 0 }

// With returns the mask with w added.
func (m WeekdayMask) With(w time.Weekday) WeekdayMask { return m | 1<<uint(w) }

// Condition is one predicate on a permit or requirement. Kind selects which
// parameter group is meaningful; EscalateOnFail turns a required-condition
// failure into Escalate instead of Deny.
type Condition struct {
	Kind           ConditionKind
	EscalateOnFail bool

	// time_window: [StartMinute, EndMinute) in minutes since local
	// midnight in TZ, on the masked weekdays. A window with EndMinute <=
	// StartMinute wraps past midnight.
	StartMinute uint16
	EndMinute   uint16
	TZ          string
	Days        WeekdayMask

	// rate_limit
	KeySelector string
	Max         uint64
	Window      time.Duration

	// approval_present
	ApproverRole string

	// context_equals / context_in
	Field  string
	Value  contracts.Scalar
	Values []contracts.Scalar

	// data_sensitivity_at_most / actor_trust_at_least
	Level uint8
}

// normalizeConditions sorts context_in value sets into canonical byte order
// and drops duplicates, so semantically equal conditions hash identically.
func normalizeConditions(conds []Condition) {
	for i := range conds {
		if conds[i].Kind != CondContextIn || len(conds[i].Values) < 2 {
			continue
		}
		vals := conds[i].Values
		sort.Slice(vals, func(a, b int) bool {
			return bytes.Compare(encodeScalar(vals[a]), encodeScalar(vals[b])) < 0
		})
		dedup := vals[:1]
		for _, v := range vals[1:] {
			if !v.Equal(dedup[len(dedup)-1]) {
				dedup = append(dedup, v)
			}
		}
		conds[i].Values = dedup
	}
}

func encodeScalar(s contracts.Scalar) []byte {
	e := canonical.NewEncoder()
	e.PutScalar(s)
	return e.Bytes()
}
