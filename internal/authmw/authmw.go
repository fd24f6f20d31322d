// Package authmw provides HTTP middleware for bearer token authentication
// and role checks.
package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Role is the access level carried by an authenticated caller.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:  1,
	RoleAnalyst: 2,
	RoleAdmin:   3,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Allows reports whether r grants at least the access of required.
// Roles are ordered viewer < analyst < admin.
func (r Role) Allows(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// Principal identifies the authenticated caller of a request.
type Principal struct {
	Subject string
	Role    Role
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by Authenticate.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// StaticTokenSubject is the principal subject used for the static API token.
const StaticTokenSubject = "api-token"

// Authenticate returns middleware accepting either the static token (admin)
// or a role token signed by iss. Either may be disabled by passing nil or "".
// The static token may be given as a bcrypt hash (see HashToken).
func Authenticate(iss *Issuer, staticToken string) func(http.Handler) http.Handler {
	matchStatic := staticMatcher(staticToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			raw := auth[len("Bearer "):]

			if matchStatic(raw) {
				ctx := WithPrincipal(r.Context(), Principal{Subject: StaticTokenSubject, Role: RoleAdmin})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if iss != nil {
				if claims, err := iss.Parse(raw); err == nil {
					ctx := WithPrincipal(r.Context(), Principal{Subject: claims.Subject, Role: claims.Role})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		})
	}
}

// HashToken returns a bcrypt hash of token suitable for the static token
// setting, so the plaintext need not be stored in config.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

func staticMatcher(token string) func(string) bool {
	if token == "" {
		return func(string) bool { return false }
	}
	if _, err := bcrypt.Cost([]byte(token)); err == nil {
		hash := []byte(token)
		return func(raw string) bool {
			return raw != "" && bcrypt.CompareHashAndPassword(hash, []byte(raw)) == nil
		}
	}
	expected := []byte(token)
	return func(raw string) bool {
		return subtle.ConstantTimeCompare([]byte(raw), expected) == 1
	}
}

// RequireRole rejects requests whose principal does not hold at least role.
// It must run after Authenticate.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			if !p.Role.Allows(role) {
				http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
