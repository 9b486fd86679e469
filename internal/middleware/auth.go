package middleware

import (
	"net/http"
	"strconv"

	"github.com/courtsideapp/courtside/internal/auth"
	"github.com/courtsideapp/courtside/internal/store"
)

// identityHeader is set by the identity proxy in front of this service.
// The proxy strips any client-supplied value, so the header is trusted.
const identityHeader = "X-User-ID"

// RequireUser resolves the proxied identity header against the users table
// and installs the caller's identity on the request context.
func RequireUser(users *store.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := strconv.ParseInt(r.Header.Get(identityHeader), 10, 64)
			if err != nil || userID <= 0 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := users.GetByID(userID)
			if err != nil || user == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := auth.WithIdentity(r.Context(), auth.Identity{
				UserID: user.ID,
				Role:   user.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCoach checks that the authenticated user has the coach role.
func RequireCoach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsCoach(r.Context()) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
