package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

func setAuthContext(r *http.Request, subjectID string, role models.Role) *http.Request {
	return r.WithContext(WithSubjectContext(r.Context(), subjectID, role))
}

func TestRequireRole(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		role     models.Role
		allowed  []models.Role
		wantCode int
	}{
		{"exact match", models.RoleAdmin, []models.Role{models.RoleAdmin}, http.StatusOK},
		{"one of many", models.RoleOperator, []models.Role{models.RoleAdmin, models.RoleOperator}, http.StatusOK},
		{"admin bypass", models.RoleAdmin, []models.Role{models.RoleViewer}, http.StatusOK},
		{"viewer not admin", models.RoleViewer, []models.Role{models.RoleAdmin}, http.StatusForbidden},
		{"operator not admin", models.RoleOperator, []models.Role{models.RoleAdmin}, http.StatusForbidden},
		{"viewer not operator", models.RoleViewer, []models.Role{models.RoleOperator}, http.StatusForbidden},
		{"empty role", "", []models.Role{models.RoleViewer}, http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := RequireRole(tc.allowed...)(handler)

			req := httptest.NewRequest("GET", "/test", nil)
			if tc.role != "" {
				req = setAuthContext(req, "subject-123", tc.role)
			}
			rec := httptest.NewRecorder()

			wrapped.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

func TestRequireAdminAndCanWrite(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		role      models.Role
		wantAdmin int
		wantWrite int
	}{
		{models.RoleAdmin, http.StatusOK, http.StatusOK},
		{models.RoleOperator, http.StatusForbidden, http.StatusOK},
		{models.RoleViewer, http.StatusForbidden, http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			for _, c := range []struct {
				mw   func(http.Handler) http.Handler
				want int
			}{
				{RequireAdmin, tc.wantAdmin},
				{RequireCanWrite, tc.wantWrite},
			} {
				req := setAuthContext(httptest.NewRequest("POST", "/test", nil), "subject-123", tc.role)
				rec := httptest.NewRecorder()
				c.mw(handler).ServeHTTP(rec, req)
				if rec.Code != c.want {
					t.Errorf("status = %d, want %d", rec.Code, c.want)
				}
			}
		})
	}
}
