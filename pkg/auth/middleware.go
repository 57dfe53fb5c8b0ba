package auth

import (
	"net/http"
	"strings"

	"github.com/diracgrid/diracx-auth/pkg/authserver/token"
	"github.com/diracgrid/diracx-auth/pkg/config"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// Verifier validates a presented bearer token and returns its claims.
type Verifier interface {
	Verify(raw string) (*token.Claims, error)
}

// Middleware authenticates requests with a bearer token. Requests without a
// valid token are rejected with 401 before reaching the handler; verified
// claims are placed on the request context.
func Middleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}

			claims, err := verifier.Verify(raw)
			if err != nil {
				logger.Debugw("rejected bearer token", "path", r.URL.Path)
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireProperties authorizes requests whose token properties satisfy the
// expression. It must run after Middleware.
func RequireProperties(expr config.PropertyExpr) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}

			if !expr.Evaluate(config.NewPropertySet(claims.DiracProperties)) {
				logger.Debugw("insufficient properties",
					"path", r.URL.Path, "subject", claims.Subject, "required", expr.String())
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return "", false
	}
	return raw, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="dirac"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
