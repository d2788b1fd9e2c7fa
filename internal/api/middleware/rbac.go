package middleware

import (
	"net/http"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

// RequireRole returns middleware that requires one of the given roles.
// Admin always has access.
func RequireRole(allowedRoles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetRole(r.Context())
			if role == "" {
				jsonForbidden(w)
				return
			}
			if role == models.RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, allowed := range allowedRoles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			jsonForbidden(w)
		})
	}
}

// RequireAdmin is shorthand for RequireRole(RoleAdmin).
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(models.RoleAdmin)(next)
}

// RequireCanWrite allows access to admin and operator roles.
func RequireCanWrite(next http.Handler) http.Handler {
	return RequireRole(models.RoleOperator)(next)
}
