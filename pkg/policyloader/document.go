package policyloader

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/policy"
)

// document is the YAML shape of a policy file. Durations and clock times
// travel as strings and are parsed during conversion.
type document struct {
	PolicyID            string       `yaml:"policy_id"`
	Version             string       `yaml:"version"`
	Mode                string       `yaml:"mode"`
	DefaultTokenTTL     string       `yaml:"default_token_ttl"`
	EscalationThreshold uint8        `yaml:"escalation_threshold"`
	Actions             []termDoc    `yaml:"actions"`
	Actors              []termDoc    `yaml:"actors"`
	DataClasses         []termDoc    `yaml:"data_classes"`
	Permits             []permitDoc  `yaml:"permits"`
	Forbids             []forbidDoc  `yaml:"forbids"`
	Requires            []requireDoc `yaml:"requires"`
	Implies             []impliesDoc `yaml:"implies"`
}

type termDoc struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	RiskLevel   uint8  `yaml:"risk_level"`
	TrustLevel  uint8  `yaml:"trust_level"`
	Sensitivity uint8  `yaml:"sensitivity"`
}

type permitDoc struct {
	ID         string         `yaml:"id"`
	Actor      string         `yaml:"actor"`
	Action     string         `yaml:"action"`
	DataClass  string         `yaml:"data_class"`
	Conditions []conditionDoc `yaml:"conditions"`
}

type forbidDoc struct {
	ID        string `yaml:"id"`
	Actor     string `yaml:"actor"`
	Action    string `yaml:"action"`
	DataClass string `yaml:"data_class"`
	Reason    string `yaml:"reason"`
}

type requireDoc struct {
	ID         string         `yaml:"id"`
	Action     string         `yaml:"action"`
	Conditions []conditionDoc `yaml:"conditions"`
}

type impliesDoc struct {
	ID      string `yaml:"id"`
	Action  string `yaml:"action"`
	Implies string `yaml:"implies"`
}

type conditionDoc struct {
	Kind           string   `yaml:"kind"`
	EscalateOnFail bool     `yaml:"escalate_on_fail"`
	Start          string   `yaml:"start"`
	End            string   `yaml:"end"`
	TZ             string   `yaml:"tz"`
	Days           []string `yaml:"days"`
	Key            string   `yaml:"key"`
	Max            uint64   `yaml:"max"`
	Window         string   `yaml:"window"`
	ApproverRole   string   `yaml:"approver_role"`
	Field          string   `yaml:"field"`
	Value          any      `yaml:"value"`
	Values         []any    `yaml:"values"`
	Level          uint8    `yaml:"level"`
}

// toPolicy converts the parsed document into an unfinalized policy. Every
// parameter is checked for well-formedness here; cross-reference checks run
// afterwards over the whole policy.
func (d *document) toPolicy() (*policy.Policy, error) {
	mode := policy.Mode(d.Mode)
	if !mode.Valid() {
		return nil, fmt.Errorf("mode %q is not strict or permissive", d.Mode)
	}

	ttl, err := time.ParseDuration(d.DefaultTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("default_token_ttl: %w", err)
	}
	if ttl <= 0 || ttl > policy.MaxTokenTTL {
		return nil, fmt.Errorf("default_token_ttl %s outside (0, %s]", ttl, policy.MaxTokenTTL)
	}

	p := &policy.Policy{
		PolicyID:            d.PolicyID,
		VersionString:       d.Version,
		Mode:                mode,
		DefaultTokenTTL:     ttl,
		EscalationThreshold: d.EscalationThreshold,
	}

	for _, t := range d.Actions {
		p.Actions = append(p.Actions, policy.Term{ID: t.ID, Description: t.Description, Level: t.RiskLevel})
	}
	for _, t := range d.Actors {
		p.Actors = append(p.Actors, policy.Term{ID: t.ID, Description: t.Description, Level: t.TrustLevel})
	}
	for _, t := range d.DataClasses {
		p.DataClasses = append(p.DataClasses, policy.Term{ID: t.ID, Description: t.Description, Level: t.Sensitivity})
	}

	for _, r := range d.Permits {
		conds, err := toConditions(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("permit %s: %w", r.ID, err)
		}
		p.Permits = append(p.Permits, policy.Permit{
			ID: r.ID, Actor: r.Actor, Action: r.Action, DataClass: r.DataClass, Conditions: conds,
		})
	}
	for _, r := range d.Forbids {
		p.Forbids = append(p.Forbids, policy.Forbid{
			ID: r.ID, Actor: r.Actor, Action: r.Action, DataClass: r.DataClass, Reason: r.Reason,
		})
	}
	for _, r := range d.Requires {
		conds, err := toConditions(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("require %s: %w", r.ID, err)
		}
		p.Requires = append(p.Requires, policy.Require{ID: r.ID, Action: r.Action, Conditions: conds})
	}
	for _, r := range d.Implies {
		p.Implications = append(p.Implications, policy.Implication{ID: r.ID, Action: r.Action, Implies: r.Implies})
	}

	return p, nil
}

func toConditions(docs []conditionDoc) ([]policy.Condition, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out := make([]policy.Condition, 0, len(docs))
	for i, cd := range docs {
		c, err := cd.toCondition()
		if err != nil {
			return nil, fmt.Errorf("condition %d (%s): %w", i, cd.Kind, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (cd *conditionDoc) toCondition() (policy.Condition, error) {
	c := policy.Condition{
		Kind:           policy.ConditionKind(cd.Kind),
		EscalateOnFail: cd.EscalateOnFail,
	}

	switch c.Kind {
	case policy.CondTimeWindow:
		start, err := parseClock(cd.Start)
		if err != nil {
			return c, fmt.Errorf("start: %w", err)
		}
		end, err := parseClock(cd.End)
		if err != nil {
			return c, fmt.Errorf("end: %w", err)
		}
		if cd.TZ != "" {
			if _, err := time.LoadLocation(cd.TZ); err != nil {
				return c, fmt.Errorf("tz: %w", err)
			}
		}
		days, err := parseDays(cd.Days)
		if err != nil {
			return c, err
		}
		c.StartMinute, c.EndMinute, c.TZ, c.Days = start, end, cd.TZ, days

	case policy.CondRateLimit:
		if !policy.KnownKeySelector(cd.Key) {
			return c, fmt.Errorf("unknown key selector %q", cd.Key)
		}
		if cd.Max == 0 {
			return c, fmt.Errorf("max must be at least 1")
		}
		window, err := time.ParseDuration(cd.Window)
		if err != nil {
			return c, fmt.Errorf("window: %w", err)
		}
		if window <= 0 {
			return c, fmt.Errorf("window must be positive, got %s", window)
		}
		c.KeySelector, c.Max, c.Window = cd.Key, cd.Max, window

	case policy.CondApprovalPresent:
		if cd.ApproverRole == "" {
			return c, fmt.Errorf("approver_role must be set")
		}
		c.ApproverRole = cd.ApproverRole

	case policy.CondContextEquals:
		if cd.Field == "" {
			return c, fmt.Errorf("field must be set")
		}
		v, err := toScalar(cd.Value)
		if err != nil {
			return c, fmt.Errorf("value: %w", err)
		}
		c.Field, c.Value = cd.Field, v

	case policy.CondContextIn:
		if cd.Field == "" {
			return c, fmt.Errorf("field must be set")
		}
		if len(cd.Values) == 0 {
			return c, fmt.Errorf("values must be non-empty")
		}
		vals := make([]contracts.Scalar, 0, len(cd.Values))
		for i, raw := range cd.Values {
			v, err := toScalar(raw)
			if err != nil {
				return c, fmt.Errorf("values[%d]: %w", i, err)
			}
			vals = append(vals, v)
		}
		c.Field, c.Values = cd.Field, vals

	case policy.CondSensitivityMax, policy.CondTrustMin:
		if cd.Level < 1 || cd.Level > 5 {
			return c, fmt.Errorf("level %d outside 1..5", cd.Level)
		}
		c.Level = cd.Level

	default:
		return c, fmt.Errorf("unknown condition kind %q", cd.Kind)
	}

	return c, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (uint16, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("clock time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock time %q has invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q has invalid minute", s)
	}
	return uint16(h*60 + m), nil
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// parseDays builds the weekday mask; an absent list covers the whole week.
func parseDays(names []string) (policy.WeekdayMask, error) {
	if len(names) == 0 {
		return policy.AllDays, nil
	}
	var mask policy.WeekdayMask
	for _, n := range names {
		d, ok := dayNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown day %q", n)
		}
		mask = mask.With(d)
	}
	return mask, nil
}

// toScalar maps a YAML value onto the closed scalar set. Floats, nulls and
// nested values are rejected.
func toScalar(v any) (contracts.Scalar, error) {
	switch x := v.(type) {
	case string:
		return contracts.StringScalar(x), nil
	case int:
		return contracts.IntScalar(int64(x)), nil
	case int64:
		return contracts.IntScalar(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return contracts.Scalar{}, fmt.Errorf("integer %d overflows int64", x)
		}
		return contracts.IntScalar(int64(x)), nil
	case bool:
		return contracts.BoolScalar(x), nil
	case nil:
		return contracts.Scalar{}, fmt.Errorf("value must be set")
	default:
		return contracts.Scalar{}, fmt.Errorf("unsupported scalar type %T", v)
	}
}
