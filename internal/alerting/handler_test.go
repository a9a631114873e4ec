package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/security/audit"
)

type fakeService struct {
	alerts     []*Alert
	listErr    error
	resolved   bool
	resolveErr error
	lastLimit  int
	lastActor  string
}

func (f *fakeService) ListActiveAlerts(_ context.Context, limit int) ([]*Alert, error) {
	f.lastLimit = limit
	return f.alerts, f.listErr
}

func (f *fakeService) ResolveAlert(_ context.Context, _ string, actor string) (bool, error) {
	f.lastActor = actor
	return f.resolved, f.resolveErr
}

func newTestRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc).RegisterRoutes(r)
	return r
}

func TestHandleListAlerts(t *testing.T) {
	svc := &fakeService{alerts: []*Alert{testAlert("AUTH_BRUTE_FORCE", "10.0.0.1")}}
	router := newTestRouter(svc)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"default limit", "", http.StatusOK, defaultListLimit},
		{"explicit limit", "?limit=10", http.StatusOK, 10},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
		{"limit too large", "?limit=10000", http.StatusBadRequest, 0},
		{"non-numeric", "?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.lastLimit = 0
			req := httptest.NewRequest(http.MethodGet, "/alerts"+tt.query, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				if svc.lastLimit != tt.wantLimit {
					t.Errorf("limit = %d, want %d", svc.lastLimit, tt.wantLimit)
				}
				var body struct {
					Alerts []*Alert `json:"alerts"`
					Total  int      `json:"total"`
				}
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body.Total != 1 || len(body.Alerts) != 1 {
					t.Errorf("body = %+v", body)
				}
			}
		})
	}
}

func TestHandleListAlertsStoreUnavailable(t *testing.T) {
	svc := &fakeService{listErr: gerrors.Transient("list", errors.New("dial tcp 10.1.2.3:6379: refused"))}
	rec := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.1.2.3") {
		t.Error("response leaked store address")
	}
}

func TestHandleResolve(t *testing.T) {
	id := uuid.New().String()

	tests := []struct {
		name      string
		path      string
		actor     string
		svc       *fakeService
		wantCode  int
		wantBody  string
		wantActor string
	}{
		{"resolved", "/alerts/" + id + "/resolve", "alice", &fakeService{resolved: true}, http.StatusOK, `"resolved":true`, "alice"},
		{"already resolved", "/alerts/" + id + "/resolve", "alice", &fakeService{}, http.StatusOK, `"already_resolved"`, "alice"},
		{"unauthenticated actor", "/alerts/" + id + "/resolve", "", &fakeService{resolved: true}, http.StatusOK, `"resolved":true`, audit.Anonymous},
		{"not found", "/alerts/" + id + "/resolve", "alice", &fakeService{resolveErr: ErrAlertNotFound}, http.StatusNotFound, "not_found", "alice"},
		{"bad id", "/alerts/not-a-uuid/resolve", "alice", &fakeService{}, http.StatusBadRequest, "invalid_id", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{"actor":"mallory"}`))
			if tt.actor != "" {
				req = req.WithContext(audit.WithActor(req.Context(), tt.actor))
			}
			rec := httptest.NewRecorder()
			newTestRouter(tt.svc).ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rec.Body.String(), tt.wantBody)
			}
			if tt.svc.lastActor != tt.wantActor {
				t.Errorf("actor = %q, want %q", tt.svc.lastActor, tt.wantActor)
			}
		})
	}
}
