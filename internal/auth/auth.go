// Package auth verifies bearer tokens into principals.
package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v4"

	"jobbroker/internal/apperrors"
)

// RoleAdmin may see and cancel every job, not only its own.
const RoleAdmin = "admin"

// Principal is a validated identity: who submitted the request and which
// roles it carries. The core never sees raw tokens.
type Principal struct {
	UserID string
	Roles  []string
	Issuer string
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Admin reports whether the principal carries the admin role.
func (p Principal) Admin() bool {
	return p.HasRole(RoleAdmin)
}

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// claims are the JWT claims recognized on bearer tokens.
type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTVerifier validates HMAC-signed bearer tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for HS256-signed tokens. When issuer is
// non-empty the token's iss claim must match.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates the token.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, apperrors.Forbidden("token", "invalid bearer token")
	}
	if c.Subject == "" {
		return Principal{}, apperrors.Forbidden("token", "token has no subject")
	}
	if v.issuer != "" && c.Issuer != v.issuer {
		return Principal{}, apperrors.Forbidden("token", "token issuer not accepted")
	}
	return Principal{
		UserID: c.Subject,
		Roles:  c.Roles,
		Issuer: c.Issuer,
	}, nil
}

// AnonymousVerifier accepts any request as a fixed development principal.
// Used when no auth secret is configured.
type AnonymousVerifier struct{}

// Verify returns the anonymous principal regardless of token.
func (AnonymousVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	return Principal{UserID: "anonymous", Roles: []string{RoleAdmin}}, nil
}

type contextKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext retrieves the principal stored by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
