package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantKept bool
	}{
		{name: "none supplied"},
		{name: "gateway id", header: "edge-7f3a-000042", wantKept: true},
		{name: "max length", header: strings.Repeat("r", maxRequestIDLength), wantKept: true},
		{name: "too long", header: strings.Repeat("r", maxRequestIDLength+1)},
		{name: "space", header: "req 42"},
		{name: "control character", header: "req\x0142"},
		{name: "non-ascii", header: "réq-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/clusters/edge-1/heartbeat", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if echoed := rr.Header().Get(RequestIDHeader); echoed != seen {
				t.Errorf("response header %q differs from context %q", echoed, seen)
			}
			if tt.wantKept {
				if seen != tt.header {
					t.Errorf("request ID = %q, want client value kept", seen)
				}
				return
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("request ID = %q, want a generated UUID", seen)
			}
		})
	}
}

func TestRequestID_Unique(t *testing.T) {
	ids := make(map[string]bool)
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids[GetRequestID(r.Context())] = true
	}))
	for i := 0; i < 50; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil))
	}
	if len(ids) != 50 {
		t.Errorf("got %d distinct IDs for 50 requests", len(ids))
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}
