package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockPinger struct{ err error }

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ready",
			wantChecks: map[string]string{},
		},
		{
			name: "all healthy",
			checkers: []Checker{
				NewStorageChecker("sqlite", &mockPinger{}),
				NewFuncChecker("dispatcher", func(ctx context.Context) error { return nil }),
			},
			wantStatus: http.StatusOK,
			wantBody:   "ready",
			wantChecks: map[string]string{"sqlite": "ok", "dispatcher": "ok"},
		},
		{
			name: "one failing",
			checkers: []Checker{
				NewStorageChecker("postgres", &mockPinger{err: errors.New("connection refused")}),
				NewFuncChecker("dispatcher", func(ctx context.Context) error { return nil }),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not_ready",
			wantChecks: map[string]string{"postgres": "connection refused", "dispatcher": "ok"},
		},
		{
			name:       "uninitialized storage",
			checkers:   []Checker{NewStorageChecker("sqlite", nil)},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not_ready",
			wantChecks: map[string]string{"sqlite": "storage not initialized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler()
			for _, c := range tt.checkers {
				h.RegisterChecker(c)
			}

			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest("GET", "/ready", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp Response
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("status field = %q, want %q", resp.Status, tt.wantBody)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for k, v := range tt.wantChecks {
				if resp.Checks[k] != v {
					t.Errorf("check %s = %q, want %q", k, resp.Checks[k], v)
				}
			}
		})
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler().Health(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
