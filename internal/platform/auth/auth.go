// Package auth guards operator endpoints with HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/api"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/httpserver"
)

// RoleAdmin is the only role the relay's operator surface accepts.
const RoleAdmin = "admin"

type ctxKeySubject struct{}

func SubjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeySubject{}).(string)
	return v, ok
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type Verifier struct {
	Secret []byte
}

func (v Verifier) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// RequireRole validates the bearer token and rejects callers whose role
// claim does not match role (case-insensitive).
func RequireRole(verifier Verifier, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := httpserver.RequestIDFromContext(r.Context())

			token, ok := bearerToken(r)
			if !ok {
				api.Unauthorized(w, "UNAUTHENTICATED", "bearer token required", rid)
				return
			}
			claims, err := verifier.Parse(token)
			if err != nil || strings.TrimSpace(claims.Subject) == "" {
				api.Unauthorized(w, "UNAUTHENTICATED", "invalid token", rid)
				return
			}
			if !strings.EqualFold(strings.TrimSpace(claims.Role), role) {
				api.Forbidden(w, "FORBIDDEN", "insufficient role", rid)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeySubject{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}
