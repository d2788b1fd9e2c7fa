package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazealert/internal/api/auth"
	"github.com/good-yellow-bee/blazealert/internal/models"
)

// Context keys for storing subject information.
type contextKey string

const (
	subjectIDKey contextKey = "subject_id"
	roleKey      contextKey = "role"
	claimsKey    contextKey = "claims"
)

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func jsonUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
}

func jsonForbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "FORBIDDEN", "access denied")
}

// JWTAuth returns middleware that authenticates the subject from a bearer token.
func JWTAuth(jwtService *auth.JWTService, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				jsonUnauthorized(w)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				jsonUnauthorized(w)
				return
			}

			claims, err := jwtService.ValidateToken(parts[1])
			if err != nil {
				logger.Debug("jwt auth failed",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err))
				jsonUnauthorized(w)
				return
			}

			ctx := WithSubjectContext(r.Context(), claims.SubjectID(), claims.Role)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithSubjectContext stores the authenticated subject in ctx.
func WithSubjectContext(ctx context.Context, subjectID string, role models.Role) context.Context {
	ctx = context.WithValue(ctx, subjectIDKey, subjectID)
	return context.WithValue(ctx, roleKey, role)
}

// GetSubjectID returns the subject ID from context.
func GetSubjectID(ctx context.Context) string {
	if s, ok := ctx.Value(subjectIDKey).(string); ok {
		return s
	}
	return ""
}

// GetRole returns the subject role from context.
func GetRole(ctx context.Context) models.Role {
	if r, ok := ctx.Value(roleKey).(models.Role); ok {
		return r
	}
	return ""
}

// GetClaims returns the JWT claims from context.
func GetClaims(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(claimsKey).(*auth.Claims); ok {
		return c
	}
	return nil
}
