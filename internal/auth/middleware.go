package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const claimsKey contextKey = "claims"

func respondError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": message, "kind": kind})
}

// ExtractToken reads a Bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// RequireRole rejects requests without a valid token carrying one of roles.
// A nil verifier lets everything through (local development without a
// secret configured).
func RequireRole(v *Verifier, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ExtractToken(r)
			if tok == "" {
				respondError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
				return
			}
			claims, err := v.Verify(tok)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
				return
			}
			for _, role := range roles {
				if strings.EqualFold(claims.Role, role) {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
					return
				}
			}
			respondError(w, http.StatusForbidden, "Forbidden", "insufficient role")
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}
