package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// CallerResolver decides whether a request comes from an admin. Caller
// identity belongs to an outside collaborator; this is the seam for it.
type CallerResolver interface {
	IsAdmin(r *http.Request) bool
}

// TokenResolver treats "Authorization: Bearer <Token>" as admin.
// An empty Token admits nobody.
type TokenResolver struct {
	Token string
}

func (t TokenResolver) IsAdmin(r *http.Request) bool {
	if t.Token == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	got := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(t.Token)) == 1
}

// RequireAdmin answers 403 to non-admin callers.
func RequireAdmin(resolver CallerResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil || !resolver.IsAdmin(r) {
				writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "admin access required", Code: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
