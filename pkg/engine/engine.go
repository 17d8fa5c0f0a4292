// Package engine evaluates validated decision requests against a pinned
// policy version. Evaluation is deterministic: the engine never reads a
// clock, RNG or external state on its own. Time-dependent conditions use
// the wall clock frozen into the request, and rate-limit counts arrive
// through an injected observation source whose result is treated as an
// input. Given the same policy version and request digest, evaluation is
// replayable.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/policy"
)

// ObservationSource is the sidecar counter consulted by rate_limit
// conditions. Observe records one observation against key and returns the
// number of observations inside the window, including the one just
// recorded. The engine treats the returned count as a pure input.
type ObservationSource interface {
	Observe(ctx context.Context, key string, window time.Duration) (uint64, error)
}

// ApprovalVerifier checks an approval credential carried in the request
// context. Verification is pinned to the request's frozen wall clock so
// that evaluation stays replayable.
type ApprovalVerifier interface {
	VerifyApproval(credential, role string, at time.Time) bool
}

// ApprovalContextKey is the context-map key approval credentials travel in.
const ApprovalContextKey = "approval_token"

// Evaluator decides requests against finalized policies. Both dependencies
// may be nil: rate_limit conditions then evaluate as unmet with a degraded
// trace step, approval conditions as simply unmet.
type Evaluator struct {
	counters  ObservationSource
	approvals ApprovalVerifier
}

// New builds an evaluator with the given sidecars.
func New(counters ObservationSource, approvals ApprovalVerifier) *Evaluator {
	return &Evaluator{counters: counters, approvals: approvals}
}

// passResult is the outcome of running the forbid, permit and requires
// passes for one action. decided is false when nothing matched decisively:
// no forbid, no satisfied permit, no unmet requirement.
type passResult struct {
	verdict contracts.Verdict
	decided bool
	trace   []contracts.ReasonStep
	matched []string
}

// Evaluate runs the full decision procedure. It never panics and never
// returns an error: an internal failure degrades to Deny with reason
// "engine_internal".
func (ev *Evaluator) Evaluate(ctx context.Context, pol *policy.Policy, req *contracts.DecisionRequest) (out contracts.EvaluationOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = contracts.EvaluationOutcome{
				Verdict: contracts.VerdictDeny,
				ReasonTrace: []contracts.ReasonStep{
					{Role: contracts.RoleDegradedPolicy, Note: "engine_internal"},
				},
				EvaluatedAt: req.WallClockTime,
			}
		}
	}()

	if pol == nil || !pol.Finalized() {
		return contracts.EvaluationOutcome{
			Verdict: contracts.VerdictDeny,
			ReasonTrace: []contracts.ReasonStep{
				{Role: contracts.RoleDegradedPolicy, Note: "engine_internal"},
			},
			EvaluatedAt: req.WallClockTime,
		}
	}

	origin := ev.runPasses(ctx, pol, req, req.ActionID)

	trace := origin.trace
	matched := origin.matched
	verdict := origin.verdict

	// Single-level implies expansion: re-run the passes for each implied
	// action and meet the outcomes over the verdict lattice. An implied
	// evaluation that decided nothing is neutral.
	impliedDecided := false
	for i := range pol.Implications {
		imp := &pol.Implications[i]
		if !policy.MatchesPattern(imp.Action, req.ActionID) || imp.Implies == req.ActionID {
			continue
		}
		matched = append(matched, imp.ID)
		implied := ev.runPasses(ctx, pol, req, imp.Implies)
		if !implied.decided {
			continue
		}
		impliedDecided = true
		trace = append(trace, contracts.ReasonStep{
			RuleID: imp.ID,
			Role:   contracts.RoleImpliedBy,
			Note:   "action:" + imp.Implies,
		})
		trace = append(trace, implied.trace...)
		matched = append(matched, implied.matched...)
		verdict = verdict.Meet(implied.verdict)
	}

	// The mode default fills in when the original action's passes decided
	// nothing; implied outcomes still tighten it through the meet.
	if !origin.decided {
		def := contracts.VerdictAllow
		note := "permissive_default_allow"
		if pol.Mode == policy.ModeStrict {
			def = contracts.VerdictDeny
			note = "strict_default_deny"
		}
		if impliedDecided {
			verdict = verdict.Meet(def)
		} else {
			verdict = def
		}
		trace = append(trace, contracts.ReasonStep{Role: contracts.RoleDefault, Note: note})
	}

	// Step 7: risk escalation on an otherwise-allowed request.
	if verdict == contracts.VerdictAllow {
		if risk := effectiveRisk(pol, req); risk >= pol.EscalationThreshold {
			verdict = contracts.VerdictEscalate
			trace = append(trace, contracts.ReasonStep{
				Role: contracts.RoleEscalationTrigger,
				Note: "risk_level_at_threshold",
			})
		}
	}

	return contracts.EvaluationOutcome{
		Verdict:        verdict,
		ReasonTrace:    trace,
		MatchedRuleIDs: sortedUnique(matched),
		EvaluatedAt:    req.WallClockTime,
	}
}

// runPasses executes steps 2-4 for one action id. Relations are stored
// id-sorted, so traces come out ordered by rule id within each pass.
func (ev *Evaluator) runPasses(ctx context.Context, pol *policy.Policy, req *contracts.DecisionRequest, actionID string) passResult {
	var res passResult

	// Forbid pass: unconditional, absolute precedence.
	forbidden := false
	for i := range pol.Forbids {
		f := &pol.Forbids[i]
		if !policy.MatchesForbid(f, req.ActorID, actionID, req.DataClass) {
			continue
		}
		forbidden = true
		res.matched = append(res.matched, f.ID)
		res.trace = append(res.trace, contracts.ReasonStep{
			RuleID: f.ID,
			Role:   contracts.RoleForbid,
			Note:   f.Reason,
		})
	}
	if forbidden {
		res.verdict = contracts.VerdictDeny
		res.decided = true
		return res
	}

	// Permit pass: a permit is satisfied iff all of its conditions hold.
	permitSatisfied := false
	for i := range pol.Permits {
		p := &pol.Permits[i]
		if !policy.MatchesPermit(p, req.ActorID, actionID, req.DataClass) {
			continue
		}
		res.matched = append(res.matched, p.ID)
		ok := true
		for ci := range p.Conditions {
			holds, degraded := ev.conditionHolds(ctx, pol, req, actionID, &p.Conditions[ci])
			if degraded {
				res.trace = append(res.trace, contracts.ReasonStep{
					RuleID: p.ID,
					Role:   contracts.RoleDegradedPolicy,
					Note:   degradedNote(&p.Conditions[ci]),
				})
			}
			if !holds {
				ok = false
				break
			}
		}
		if ok {
			permitSatisfied = true
			res.trace = append(res.trace, contracts.ReasonStep{
				RuleID: p.ID,
				Role:   contracts.RolePermit,
			})
		}
	}

	// Requires pass: every matching requirement must hold. Unmet
	// requirements are all recorded; a single untagged failure denies,
	// tagged-only failures escalate.
	requiresVerdict := contracts.VerdictAllow
	requiresUnmet := false
	for i := range pol.Requires {
		r := &pol.Requires[i]
		if !policy.MatchesPattern(r.Action, actionID) {
			continue
		}
		res.matched = append(res.matched, r.ID)
		for ci := range r.Conditions {
			c := &r.Conditions[ci]
			holds, degraded := ev.conditionHolds(ctx, pol, req, actionID, c)
			if degraded {
				res.trace = append(res.trace, contracts.ReasonStep{
					RuleID: r.ID,
					Role:   contracts.RoleDegradedPolicy,
					Note:   degradedNote(c),
				})
			}
			if holds {
				continue
			}
			requiresUnmet = true
			failure := contracts.VerdictDeny
			if c.EscalateOnFail {
				failure = contracts.VerdictEscalate
			}
			// Deny outranks Escalate when several requirements fail.
			if failure == contracts.VerdictDeny || requiresVerdict != contracts.VerdictDeny {
				requiresVerdict = requiresVerdict.Meet(failure)
			}
			res.trace = append(res.trace, contracts.ReasonStep{
				RuleID: r.ID,
				Role:   contracts.RoleRequiredUnmet,
				Note:   string(c.Kind),
			})
		}
	}

	switch {
	case requiresUnmet:
		res.verdict = requiresVerdict
		res.decided = true
	case permitSatisfied:
		res.verdict = contracts.VerdictAllow
		res.decided = true
	}
	return res
}

// effectiveRisk is the request's declared risk level, falling back to the
// action term's risk attribute when the caller did not set one.
func effectiveRisk(pol *policy.Policy, req *contracts.DecisionRequest) uint8 {
	if req.RiskLevel != 0 {
		return req.RiskLevel
	}
	if term, ok := pol.ActionTerm(req.ActionID); ok {
		return term.Level
	}
	return 0
}

func degradedNote(c *policy.Condition) string {
	if policy.KnownConditionKind(c.Kind) {
		return "condition_unavailable:" + string(c.Kind)
	}
	return "unknown_condition:" + string(c.Kind)
}

func sortedUnique(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
