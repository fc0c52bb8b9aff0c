/*
middleware.go - Request authentication and role gating

PURPOSE:
  Turns credentials into a Principal on the request context. Two credential
  flavours produce the same abstract caller:

    Authorization: Bearer <access JWT>   -> role from claims, origin web/bot
    X-Admin-Secret: <shared secret>      -> admin role, origin automation

  Handlers depend on the Principal, never on the credential kind.

ADMIN SECRET SEMANTICS:
  Header present + wrong value -> 403. On routes that require auth, a
  missing credential -> 401. Comparison is constant-time.

SEE ALSO:
  - jwt.go: Claims parsing
  - api/server.go: Route-level Require() composition
*/
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/warp/crew-ledger/domain"
)

// Principal is the authenticated caller handlers see.
type Principal struct {
	UserID     int64
	Name       string
	Role       domain.Role
	Origin     domain.Origin
	TelegramID *int64
}

// Actor is the audit-log identity string.
func (p Principal) Actor() string {
	if p.Origin == domain.OriginAutomation {
		return "internal-admin"
	}
	return p.Name
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores the principal on a context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the principal, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Middleware authenticates requests that present credentials. Requests
// without credentials pass through unauthenticated; Require rejects them
// on protected routes.
func Middleware(issuer *Issuer, adminSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret := r.Header.Get("X-Admin-Secret"); secret != "" {
				if adminSecret == "" ||
					subtle.ConstantTimeCompare([]byte(secret), []byte(adminSecret)) != 1 {
					writeDenied(w, http.StatusForbidden, "forbidden_role", "invalid admin secret")
					return
				}
				p := Principal{Name: "internal-admin", Role: domain.RoleAdmin, Origin: domain.OriginAutomation}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeDenied(w, http.StatusUnauthorized, "unauthorized", "expected 'Bearer <token>'")
				return
			}

			claims, err := issuer.Parse(parts[1], TypeAccess)
			if err != nil {
				writeDenied(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				writeDenied(w, http.StatusUnauthorized, "unauthorized", "invalid token subject")
				return
			}

			p := Principal{
				UserID:     userID,
				Name:       claims.Name,
				Role:       domain.Role(claims.Role),
				Origin:     domain.OriginWeb,
				TelegramID: claims.TelegramID,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Require gates a route to the listed roles. No principal -> 401; wrong
// role -> 403 forbidden_role.
func Require(roles ...domain.Role) func(http.Handler) http.Handler {
	allowed := make(map[domain.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeDenied(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if _, ok := allowed[p.Role]; !ok {
				writeDenied(w, http.StatusForbidden, "forbidden_role", "role not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth gates a route to any authenticated caller.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			writeDenied(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeDenied emits the canonical error envelope without importing the api
// package (which imports this one).
func writeDenied(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"detail": map[string]any{"code": code, "message": message},
	})
}
