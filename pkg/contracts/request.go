package contracts

import (
	"regexp"
	"time"
)

// MaxIdentifierLength bounds every id field on a request.
const MaxIdentifierLength = 128

// identifierRe is the grammar every id field must satisfy.
var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_./:-]{1,128}$`)

// ValidIdentifier reports whether s satisfies the id grammar.
func ValidIdentifier(s string) bool { return identifierRe.MatchString(s) }

// ExternalRequest is the caller-supplied form of a decision request, before
// validation. RequestID is optional; one is generated when absent.
// RequestedTTLSeconds, when set, caps the minted token lifetime (the policy
// TTL is the upper bound either way).
type ExternalRequest struct {
	RequestID           string     `json:"request_id,omitempty"`
	ActorID             string     `json:"actor_id"`
	ActionID            string     `json:"action_id"`
	ResourceID          string     `json:"resource_id,omitempty"`
	DataClass           string     `json:"data_class,omitempty"`
	Context             ContextMap `json:"context,omitempty"`
	RiskLevel           uint8      `json:"risk_level,omitempty"`
	RequestedTTLSeconds int64      `json:"requested_ttl_seconds,omitempty"`
}

// RequestedTTL converts the caller's TTL cap to a duration; zero means the
// caller did not ask for one.
func (r *ExternalRequest) RequestedTTL() time.Duration {
	return time.Duration(r.RequestedTTLSeconds) * time.Second
}

// DecisionRequest is a validated request frozen at ingress. WallClockTime is
// captured exactly once by the decision service and is the only time source
// any downstream step may consult. Empty ResourceID/DataClass mean absent
// (the id grammar forbids empty values).
type DecisionRequest struct {
	RequestID     string
	TenantID      string
	ActorID       string
	ActionID      string
	ResourceID    string
	DataClass     string
	Context       ContextMap
	RiskLevel     uint8 // 0 when absent; 1..5 otherwise
	WallClockTime time.Time
}

// Principal identifies the authenticated caller. The core does not
// authenticate; it trusts the injected principal.
type Principal struct {
	TenantID string   `json:"tenant_id"`
	Subject  string   `json:"subject"`
	Roles    []string `json:"roles,omitempty"`
}
