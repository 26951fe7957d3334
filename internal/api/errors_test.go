package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/riskaudit/internal/middleware"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		message string
	}{
		{"unknown session", http.StatusNotFound, ErrCodeNotFound, "Session not found"},
		{"bad export format", http.StatusBadRequest, ErrCodeValidation, "format must be one of csv, json, cbor"},
		{"duplicate cluster", http.StatusConflict, ErrCodeConflict, "Cluster already registered"},
		{"late challenge", http.StatusUnauthorized, ErrCodeChallengeFailed, "Challenge expired; cluster disabled"},
		{"audit store down", http.StatusServiceUnavailable, ErrCodeUnavailable, ""},
		{"markup in message", http.StatusBadRequest, ErrCodeBadRequest, `reason "<script>" & co`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export", nil)
			WriteError(w, req.Context(), tt.status, tt.code, tt.message)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
				t.Errorf("Content-Type = %q", ct)
			}

			var raw map[string]map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
				t.Fatalf("body %q is not the error envelope: %v", w.Body.String(), err)
			}
			if len(raw) != 1 || len(raw["error"]) != 2 {
				t.Errorf("envelope = %v, want exactly error.code and error.message", raw)
			}
			if raw["error"]["code"] != tt.code || raw["error"]["message"] != tt.message {
				t.Errorf("error = %v", raw["error"])
			}
		})
	}
}

func TestWriteError_FeedsAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := middleware.RequestID(middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusConflict, ErrCodeInvalidState, "Cluster is not in a state that allows this operation")
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/clusters/edge-1/heartbeat", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-409")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line struct {
		Level     string `json:"level"`
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse log line: %v; raw: %s", err, buf.String())
	}
	if line.Level != "WARN" || line.Status != http.StatusConflict {
		t.Errorf("level/status = %s/%d", line.Level, line.Status)
	}
	if line.ErrorCode != ErrCodeInvalidState || line.RequestID != "req-409" {
		t.Errorf("error_code/request_id = %q/%q", line.ErrorCode, line.RequestID)
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, httptest.NewRequest(http.MethodGet, "/", nil).Context(), http.StatusAccepted, map[string]int{"entries": 3})

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]int
	decodeBody(t, w, &body)
	if body["entries"] != 3 {
		t.Errorf("body = %v", body)
	}
}

func TestErrorCodes_MatchMiddleware(t *testing.T) {
	// Middleware writes these codes without importing this package.
	for _, code := range []string{ErrCodeAuthFailed, ErrCodeForbidden, ErrCodeRateLimited} {
		if code == "" {
			t.Error("empty error code")
		}
	}
	if ErrCodeRateLimited != "rate_limit_exceeded" || ErrCodeAuthFailed != "auth_failed" || ErrCodeForbidden != "forbidden" {
		t.Error("error codes drifted from the middleware envelope")
	}
}
