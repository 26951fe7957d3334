package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/riskaudit/internal/activity"
)

// accessLine is one parsed "request completed" entry.
type accessLine struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	LatencyMS *int64 `json:"latency_ms"`
	Size      int    `json:"size"`
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id"`
	Identity  string `json:"identity"`
	Role      string `json:"role"`
	ErrorCode string `json:"error_code"`
}

func serveLogged(t *testing.T, handler http.Handler, req *http.Request) accessLine {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Logging(logger)(handler).ServeHTTP(httptest.NewRecorder(), req)

	var line accessLine
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse log line: %v; raw: %s", err, buf.String())
	}
	return line
}

// asAnalyst mimics Authenticate: it derives a new request carrying the identity.
func asAnalyst(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetIdentity(r.Context(), activity.Identity{ID: "analyst-7", Role: "auditor"})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.Handler
		target    string
		wantLevel string
		wantLine  accessLine
	}{
		{
			name: "verify ok",
			handler: asAnalyst(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"ok":true}`))
			})),
			target:    "/api/v1/audit/verify",
			wantLevel: "INFO",
			wantLine:  accessLine{Method: "GET", Path: "/api/v1/audit/verify", Status: 200, Size: 11, Identity: "analyst-7", Role: "auditor"},
		},
		{
			name: "unknown session",
			handler: asAnalyst(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				SetErrorCode(r.Context(), "not_found")
				w.WriteHeader(http.StatusNotFound)
			})),
			target:    "/api/v1/sessions/gone",
			wantLevel: "WARN",
			wantLine:  accessLine{Method: "GET", Path: "/api/v1/sessions/gone", Status: 404, Identity: "analyst-7", Role: "auditor", ErrorCode: "not_found"},
		},
		{
			name: "chain store down",
			handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				SetErrorCode(r.Context(), "internal_error")
				w.WriteHeader(http.StatusInternalServerError)
			}),
			target:    "/api/v1/audit/export",
			wantLevel: "ERROR",
			wantLine:  accessLine{Method: "GET", Path: "/api/v1/audit/export", Status: 500, ErrorCode: "internal_error"},
		},
		{
			name: "error code ignored on success",
			handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				SetErrorCode(r.Context(), "stale")
			}),
			target:    "/api/v1/activities/summary",
			wantLevel: "INFO",
			wantLine:  accessLine{Method: "GET", Path: "/api/v1/activities/summary", Status: 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serveLogged(t, tt.handler, httptest.NewRequest(http.MethodGet, tt.target, nil))

			if got.Level != tt.wantLevel || got.Msg != "request completed" {
				t.Errorf("level/msg = %s/%q, want %s/\"request completed\"", got.Level, got.Msg, tt.wantLevel)
			}
			if got.LatencyMS == nil {
				t.Error("latency_ms missing")
			}
			got.Level, got.Msg, got.LatencyMS = "", "", nil
			if got != tt.wantLine {
				t.Errorf("line = %+v\nwant   %+v", got, tt.wantLine)
			}
		})
	}
}

func TestLogging_RequestAndTraceIDs(t *testing.T) {
	newRecordingProvider(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	noop := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	chain := Tracing("riskaudit-test")(RequestID(Logging(logger)(noop)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
	req.Header.Set(RequestIDHeader, "req-from-gateway")
	chain.ServeHTTP(httptest.NewRecorder(), req)

	var line accessLine
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse log line: %v; raw: %s", err, buf.String())
	}
	if line.RequestID != "req-from-gateway" {
		t.Errorf("request_id = %q", line.RequestID)
	}
	if len(line.TraceID) != 32 {
		t.Errorf("trace_id = %q, want a 32-char hex ID", line.TraceID)
	}
}

func TestStatusLevel(t *testing.T) {
	tests := []struct {
		status int
		want   slog.Level
	}{
		{http.StatusOK, slog.LevelInfo},
		{http.StatusSwitchingProtocols, slog.LevelInfo},
		{http.StatusTooManyRequests, slog.LevelWarn},
		{http.StatusServiceUnavailable, slog.LevelError},
	}
	for _, tt := range tests {
		if got := statusLevel(tt.status); got != tt.want {
			t.Errorf("statusLevel(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		if NewLogger(env) == nil {
			t.Errorf("NewLogger(%q) returned nil", env)
		}
	}
	if !NewLogger("development").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("development logger should emit debug")
	}
	if NewLogger("production").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("production logger should not emit debug")
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := GetIdentity(ctx); ok {
		t.Error("empty context should carry no identity")
	}
	if _, ok := GetIdentity(SetIdentity(ctx, activity.Identity{Role: "admin"})); ok {
		t.Error("identity without an ID should not count")
	}

	got, ok := GetIdentity(SetIdentity(ctx, activity.Identity{ID: "svc-backup", Role: "admin"}))
	if !ok || got.ID != "svc-backup" || got.Role != "admin" {
		t.Errorf("GetIdentity() = %+v, %v", got, ok)
	}
}

func TestErrorCodeContext(t *testing.T) {
	ctx := context.Background()
	if code := GetErrorCode(ctx); code != "" {
		t.Errorf("GetErrorCode() = %q, want empty", code)
	}
	if code := GetErrorCode(SetErrorCode(ctx, "chain_broken")); code != "chain_broken" {
		t.Errorf("GetErrorCode() = %q", code)
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)

	rw.WriteHeader(http.StatusConflict)
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(`{"error":`))
	_, _ = rw.Write([]byte(`{}}`))

	if rw.statusCode != http.StatusConflict || rec.Code != http.StatusConflict {
		t.Errorf("status = %d/%d, want 409", rw.statusCode, rec.Code)
	}
	if rw.size != 12 {
		t.Errorf("size = %d, want 12", rw.size)
	}
}
