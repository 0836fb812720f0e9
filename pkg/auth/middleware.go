// Package auth authenticates kernel callers. Tokens are JWTs signed by
// the identity KeySet; the claims bind the caller to one tenant and one
// role, and the middleware fails closed on anything it cannot verify.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/selene-os/selene/core/pkg/api"
	"github.com/selene-os/selene/core/pkg/identity"
)

// Claims are the JWT claims a kernel caller presents.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// JWTValidator verifies caller tokens against the identity key set.
type JWTValidator struct {
	keySet identity.KeySet
}

// NewJWTValidator creates a validator. A nil key set yields a nil
// validator, which the middleware treats as "authentication not
// configured" and rejects everything.
func NewJWTValidator(ks identity.KeySet) *JWTValidator {
	if ks == nil {
		return nil
	}
	return &JWTValidator{keySet: ks}
}

// Validate parses and verifies a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || v.keySet == nil {
		return nil, fmt.Errorf("auth: validator uninitialized")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keySet.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("auth: token validation: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}

// publicPaths need no authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware returns JWT auth middleware. A nil validator rejects
// every non-public request.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}
			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}
			if claims.TenantID == "" {
				api.WriteUnauthorized(w, "Token tenant binding is required")
				return
			}
			if claims.Role == "" {
				api.WriteUnauthorized(w, "Token role is required")
				return
			}

			principal := &api.Principal{
				Subject:  claims.Subject,
				TenantID: claims.TenantID,
				Role:     claims.Role,
			}
			next.ServeHTTP(w, r.WithContext(api.WithPrincipal(r.Context(), principal)))
		})
	}
}
