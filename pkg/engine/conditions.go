package engine

import (
	"context"
	"time"
	_ "time/tzdata"

	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/policy"
)

// conditionHolds evaluates one condition against the frozen request. The
// second result flags a degraded evaluation: an unknown condition kind or a
// sidecar the engine could not consult. Degraded conditions never hold.
func (ev *Evaluator) conditionHolds(ctx context.Context, pol *policy.Policy, req *contracts.DecisionRequest, actionID string, c *policy.Condition) (holds, degraded bool) {
	switch c.Kind {
	case policy.CondTimeWindow:
		return ev.timeWindowHolds(req, c)
	case policy.CondRateLimit:
		return ev.rateLimitHolds(ctx, req, actionID, c)
	case policy.CondApprovalPresent:
		return ev.approvalHolds(req, c), false
	case policy.CondContextEquals:
		v, ok := req.Context[c.Field]
		return ok && v.Equal(c.Value), false
	case policy.CondContextIn:
		v, ok := req.Context[c.Field]
		if !ok {
			return false, false
		}
		for _, want := range c.Values {
			if v.Equal(want) {
				return true, false
			}
		}
		return false, false
	case policy.CondSensitivityMax:
		if req.DataClass == "" {
			return false, false
		}
		term, ok := pol.DataClassTerm(req.DataClass)
		return ok && term.Level != 0 && term.Level <= c.Level, false
	case policy.CondTrustMin:
		term, ok := pol.ActorTerm(req.ActorID)
		return ok && term.Level != 0 && term.Level >= c.Level, false
	}
	return false, true
}

// timeWindowHolds checks the request's frozen wall clock against the window
// in the condition's zone. An EndMinute at or before StartMinute wraps past
// midnight.
func (ev *Evaluator) timeWindowHolds(req *contracts.DecisionRequest, c *policy.Condition) (bool, bool) {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return false, true
	}
	local := req.WallClockTime.In(loc)
	if !c.Days.Has(local.Weekday()) {
		return false, false
	}
	minute := uint16(local.Hour()*60 + local.Minute())
	if c.StartMinute < c.EndMinute {
		return minute >= c.StartMinute && minute < c.EndMinute, false
	}
	return minute >= c.StartMinute || minute < c.EndMinute, false
}

// rateLimitHolds consults the observation source. The condition holds while
// the in-window count, including the observation just recorded, stays at or
// below the limit.
func (ev *Evaluator) rateLimitHolds(ctx context.Context, req *contracts.DecisionRequest, actionID string, c *policy.Condition) (bool, bool) {
	if ev.counters == nil {
		return false, true
	}
	key, ok := rateKey(req, actionID, c.KeySelector)
	if !ok {
		return false, true
	}
	count, err := ev.counters.Observe(ctx, key, c.Window)
	if err != nil {
		return false, true
	}
	return count <= c.Max, false
}

// rateKey derives the tenant-scoped counter key. Ids cannot contain '|', so
// the joined form is collision-free.
func rateKey(req *contracts.DecisionRequest, actionID, selector string) (string, bool) {
	switch selector {
	case policy.SelectorActor:
		return req.TenantID + "|actor|" + req.ActorID, true
	case policy.SelectorAction:
		return req.TenantID + "|action|" + actionID, true
	case policy.SelectorTenant:
		return req.TenantID + "|tenant", true
	case policy.SelectorActorAction:
		return req.TenantID + "|actor_action|" + req.ActorID + "|" + actionID, true
	}
	return "", false
}

// approvalHolds looks for an approval credential in the request context and
// verifies it for the required role at the request's frozen wall clock.
func (ev *Evaluator) approvalHolds(req *contracts.DecisionRequest, c *policy.Condition) bool {
	if ev.approvals == nil {
		return false
	}
	cred, ok := req.Context[ApprovalContextKey]
	if !ok || cred.Kind != contracts.ScalarString || cred.Str == "" {
		return false
	}
	return ev.approvals.VerifyApproval(cred.Str, c.ApproverRole, req.WallClockTime)
}
