package policy

import (
	"fmt"

	"github.com/attestor-io/verdict/pkg/canonical"
)

// Numeric tags used by the canonical policy encoding. Tag values are part
// of the cross-implementation wire contract and never change meaning.
const (
	modeTagStrict     uint8 = 1
	modeTagPermissive uint8 = 2

	condTagTimeWindow      uint8 = 1
	condTagRateLimit       uint8 = 2
	condTagApprovalPresent uint8 = 3
	condTagContextEquals   uint8 = 4
	condTagContextIn       uint8 = 5
	condTagSensitivityMax  uint8 = 6
	condTagTrustMin        uint8 = 7
)

func modeTag(m Mode) (uint8, error) {
	switch m {
	case ModeStrict:
		return modeTagStrict, nil
	case ModePermissive:
		return modeTagPermissive, nil
	}
	return 0, fmt.Errorf("unknown mode %q", m)
}

func condTag(k ConditionKind) (uint8, error) {
	switch k {
	case CondTimeWindow:
		return condTagTimeWindow, nil
	case CondRateLimit:
		return condTagRateLimit, nil
	case CondApprovalPresent:
		return condTagApprovalPresent, nil
	case CondContextEquals:
		return condTagContextEquals, nil
	case CondContextIn:
		return condTagContextIn, nil
	case CondSensitivityMax:
		return condTagSensitivityMax, nil
	case CondTrustMin:
		return condTagTrustMin, nil
	}
	return 0, fmt.Errorf("unknown condition kind %q", k)
}

// encodePolicy produces the canonical policy encoding whose SHA-256 is the
// version hash. Field order is fixed; lexicon and relations are encoded in
// the id-sorted order Finalize established.
func encodePolicy(p *Policy) ([]byte, error) {
	e := canonical.NewEncoder()
	e.PutString(p.PolicyID)
	e.PutString(p.VersionString)

	mt, err := modeTag(p.Mode)
	if err != nil {
		return nil, err
	}
	e.PutU8(mt)
	e.PutU8(p.EscalationThreshold)
	e.PutI64(p.DefaultTokenTTL.Microseconds())

	putTerms(e, p.Actions)
	putTerms(e, p.Actors)
	putTerms(e, p.DataClasses)

	e.PutU32(uint32(len(p.Permits)))
	for i := range p.Permits {
		r := &p.Permits[i]
		e.PutString(r.ID)
		e.PutString(r.Actor)
		e.PutString(r.Action)
		e.PutOptionalString(r.DataClass)
		if err := putConditions(e, r.Conditions); err != nil {
			return nil, fmt.Errorf("permit %s: %w", r.ID, err)
		}
	}

	e.PutU32(uint32(len(p.Forbids)))
	for i := range p.Forbids {
		r := &p.Forbids[i]
		e.PutString(r.ID)
		e.PutString(r.Actor)
		e.PutString(r.Action)
		e.PutOptionalString(r.DataClass)
		e.PutString(r.Reason)
	}

	e.PutU32(uint32(len(p.Requires)))
	for i := range p.Requires {
		r := &p.Requires[i]
		e.PutString(r.ID)
		e.PutString(r.Action)
		if err := putConditions(e, r.Conditions); err != nil {
			return nil, fmt.Errorf("requirement %s: %w", r.ID, err)
		}
	}

	e.PutU32(uint32(len(p.Implications)))
	for i := range p.Implications {
		r := &p.Implications[i]
		e.PutString(r.ID)
		e.PutString(r.Action)
		e.PutString(r.Implies)
	}

	return e.Bytes(), nil
}

func putTerms(e *canonical.Encoder, ts []Term) {
	e.PutU32(uint32(len(ts)))
	for i := range ts {
		e.PutString(ts[i].ID)
		e.PutOptionalString(ts[i].Description)
		e.PutOptionalU8(ts[i].Level != 0, ts[i].Level)
	}
}

func putConditions(e *canonical.Encoder, conds []Condition) error {
	e.PutU32(uint32(len(conds)))
	for i := range conds {
		c := &conds[i]
		tag, err := condTag(c.Kind)
		if err != nil {
			return err
		}
		e.PutU8(tag)
		e.PutBool(c.EscalateOnFail)
		switch c.Kind {
		case CondTimeWindow:
			e.PutU16(c.StartMinute)
			e.PutU16(c.EndMinute)
			e.PutString(c.TZ)
			e.PutU8(uint8(c.Days))
		case CondRateLimit:
			e.PutString(c.KeySelector)
			e.PutU64(c.Max)
			e.PutI64(c.Window.Microseconds())
		case CondApprovalPresent:
			e.PutString(c.ApproverRole)
		case CondContextEquals:
			e.PutString(c.Field)
			e.PutScalar(c.Value)
		case CondContextIn:
			e.PutString(c.Field)
			e.PutU32(uint32(len(c.Values)))
			for _, v := range c.Values {
				e.PutScalar(v)
			}
		case CondSensitivityMax, CondTrustMin:
			e.PutU8(c.Level)
		}
	}
	return nil
}
