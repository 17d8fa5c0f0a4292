package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ApprovalClaims carry a role-scoped approval grant.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
}

const approvalIssuer = "verdict/approvals"

// DefaultApprovalTTL bounds how long a grant stays usable when the caller
// does not pick a shorter one.
const DefaultApprovalTTL = 15 * time.Minute

// ApprovalAuthority issues approval grants and verifies them for the
// evaluation engine. Verification is pinned to the evaluation's frozen
// wall clock, never the verifier's own, so a replayed decision sees the
// same validity the original did.
type ApprovalAuthority struct {
	keys KeySet
}

// NewApprovalAuthority builds an authority over the given key set.
func NewApprovalAuthority(keys KeySet) *ApprovalAuthority {
	return &ApprovalAuthority{keys: keys}
}

// Grant issues a credential asserting that approver holds role within
// tenantID, valid from now for ttl (capped at DefaultApprovalTTL when zero
// or negative).
func (a *ApprovalAuthority) Grant(ctx context.Context, tenantID, approver, role string, ttl time.Duration) (string, error) {
	if role == "" {
		return "", fmt.Errorf("identity: approval role must be set")
	}
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	now := time.Now().UTC()
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   approver,
			Issuer:    approvalIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Role:     role,
	}
	return a.keys.Sign(ctx, claims)
}

// VerifyApproval reports whether credential is a well-signed grant for
// role that was valid at the given instant. Any parse, signature or
// validity failure is simply "not approved"; the engine records the
// condition as unmet, never as an error.
func (a *ApprovalAuthority) VerifyApproval(credential, role string, at time.Time) bool {
	claims := &ApprovalClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, a.keys.KeyFunc(),
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(approvalIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)
	if err != nil || !token.Valid {
		return false
	}
	return claims.Role == role
}
