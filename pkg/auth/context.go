// Package auth guards HTTP endpoints with the tokens this server issues.
// Authentication verifies the bearer token; authorization evaluates property
// expressions against the claims the token carries.
package auth

import (
	"context"

	"github.com/diracgrid/diracx-auth/pkg/authserver/token"
)

type contextKey int

const claimsKey contextKey = iota

// WithClaims returns a context carrying verified token claims.
func WithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the verified claims stored by the authentication
// middleware, if any.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.Claims)
	return claims, ok
}
