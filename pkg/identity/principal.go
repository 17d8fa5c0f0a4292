package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/attestor-io/verdict/pkg/contracts"
)

// PrincipalClaims carry an authenticated caller: the tenant the bearer
// acts within plus any roles granted to it.
type PrincipalClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

const principalIssuer = "verdict/identity"

// Authenticator issues and checks bearer tokens for the HTTP surface.
type Authenticator struct {
	keys KeySet
}

// NewAuthenticator builds an authenticator over the given key set.
func NewAuthenticator(keys KeySet) *Authenticator {
	return &Authenticator{keys: keys}
}

// Issue mints a bearer token for the principal.
func (a *Authenticator) Issue(ctx context.Context, p contracts.Principal, ttl time.Duration) (string, error) {
	if !contracts.ValidIdentifier(p.TenantID) {
		return "", contracts.Errorf(contracts.KindInvalidRequest, "invalid tenant id %q", p.TenantID)
	}
	if p.Subject == "" {
		return "", contracts.Errorf(contracts.KindInvalidRequest, "principal subject must be set")
	}
	now := time.Now().UTC()
	claims := PrincipalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.Subject,
			Issuer:    principalIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: p.TenantID,
		Roles:    p.Roles,
	}
	return a.keys.Sign(ctx, claims)
}

// Authenticate parses and validates a bearer token, returning the caller
// principal. Every failure maps to the unauthorized kind so the transport
// layer never leaks parse details to clients.
func (a *Authenticator) Authenticate(token string) (contracts.Principal, error) {
	claims := &PrincipalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keys.KeyFunc(),
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(principalIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return contracts.Principal{}, contracts.WrapError(contracts.KindUnauthorized, err, "invalid bearer token")
	}
	if !parsed.Valid {
		return contracts.Principal{}, contracts.Errorf(contracts.KindUnauthorized, "invalid bearer token")
	}
	if !contracts.ValidIdentifier(claims.TenantID) {
		return contracts.Principal{}, contracts.Errorf(contracts.KindUnauthorized, "bearer token carries no usable tenant")
	}
	return contracts.Principal{
		TenantID: claims.TenantID,
		Subject:  claims.Subject,
		Roles:    claims.Roles,
	}, nil
}
