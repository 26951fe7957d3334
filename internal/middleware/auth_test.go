package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/auth"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantOK    bool
	}{
		{name: "bearer", header: "Bearer abc.def.ghi", wantToken: "abc.def.ghi", wantOK: true},
		{name: "case-insensitive scheme", header: "bearer abc", wantToken: "abc", wantOK: true},
		{name: "missing", header: "", wantOK: false},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantOK: false},
		{name: "no token", header: "Bearer ", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			token, ok := BearerToken(req)
			if token != tt.wantToken || ok != tt.wantOK {
				t.Errorf("BearerToken() = %q, %v; want %q, %v", token, ok, tt.wantToken, tt.wantOK)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	svc := auth.NewJWTService("test-secret-for-middleware")
	valid, err := svc.GenerateAccessToken(activity.Identity{ID: "user-1", Role: "admin"})
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	refresh, err := svc.GenerateRefreshToken("user-1")
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantID     string
		wantReason string
	}{
		{name: "valid token", header: "Bearer " + valid, wantStatus: http.StatusOK, wantID: "user-1"},
		{name: "missing token", wantStatus: http.StatusUnauthorized, wantReason: AuthReasonMissingToken},
		{name: "refresh token", header: "Bearer " + refresh, wantStatus: http.StatusUnauthorized, wantReason: AuthReasonInvalidToken},
		{name: "garbage", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantReason: AuthReasonInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics, reg := registeredMetrics(t)
			var gotID string
			handler := Authenticate(svc, metrics, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, _ := GetIdentity(r.Context())
				gotID = identity.ID
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if gotID != tt.wantID {
				t.Errorf("identity = %q, want %q", gotID, tt.wantID)
			}
			if tt.wantStatus == http.StatusUnauthorized && !strings.Contains(rr.Body.String(), `"auth_failed"`) {
				t.Errorf("body = %s, want auth_failed envelope", rr.Body.String())
			}
			if tt.wantReason != "" {
				if got := counterValue(t, reg, MetricAuthRejected, "reason", tt.wantReason); got != 1 {
					t.Errorf("%s{reason=%q} = %v, want 1", MetricAuthRejected, tt.wantReason, got)
				}
			}
		})
	}
}

type staticValidator struct {
	err error
}

func (v staticValidator) ValidateAccessToken(string) (activity.Identity, error) {
	return activity.Identity{}, v.err
}

func TestAuthenticate_ExpiredMessage(t *testing.T) {
	metrics, reg := registeredMetrics(t)
	handler := Authenticate(staticValidator{err: auth.ErrExpiredToken}, metrics, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !strings.Contains(rr.Body.String(), "token has expired") {
		t.Errorf("body = %s", rr.Body.String())
	}
	if got := counterValue(t, reg, MetricAuthRejected, "reason", AuthReasonExpiredToken); got != 1 {
		t.Errorf("expired rejections = %v, want 1", got)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		identity   *activity.Identity
		wantStatus int
	}{
		{name: "allowed role", identity: &activity.Identity{ID: "u", Role: "auditor"}, wantStatus: http.StatusOK},
		{name: "other role", identity: &activity.Identity{ID: "u", Role: "user"}, wantStatus: http.StatusForbidden},
		{name: "unauthenticated", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(nil, "admin", "auditor")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/verify", nil)
			if tt.identity != nil {
				req = req.WithContext(SetIdentity(req.Context(), *tt.identity))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
