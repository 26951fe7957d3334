package api

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/riskaudit/internal/cluster"
)

func selfSignedPEM(t *testing.T, notBefore, notAfter time.Time) (string, crypto.Signer) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "peer-east"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), key
}

func registerBody(id, certPEM string) string {
	return fmt.Sprintf(`{"id":%q,"name":"East","endpoint":"https://east.internal","certificate":%q}`, id, certPEM)
}

func TestClusterHandlers_RegisterAuthenticateHeartbeat(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reg := cluster.NewRegistry(cluster.RegistryConfig{
		Store:  cluster.NewInMemoryStore(),
		Logger: discardLogger(),
		Now:    func() time.Time { return now },
	})
	h := NewClusterHandlers(reg)
	certPEM, key := selfSignedPEM(t, now.Add(-time.Hour), now.Add(24*time.Hour))

	// Register
	w := httptest.NewRecorder()
	h.Register(w, httptest.NewRequest(http.MethodPost, "/api/v1/clusters", strings.NewReader(registerBody("east", certPEM))))
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201; body = %s", w.Code, w.Body.String())
	}
	var regResp RegisterClusterResponse
	decodeBody(t, w, &regResp)
	if regResp.Cluster.Status != cluster.StatusPendingChallenge {
		t.Errorf("status = %s, want %s", regResp.Cluster.Status, cluster.StatusPendingChallenge)
	}
	if len(regResp.Challenge) != 64 {
		t.Errorf("challenge length = %d, want 64 hex chars", len(regResp.Challenge))
	}
	if !regResp.ExpiresAt.Equal(now.Add(cluster.DefaultChallengeTimeout)) {
		t.Errorf("expires_at = %v", regResp.ExpiresAt)
	}

	// Heartbeat before activation is rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/clusters/east/heartbeat", nil)
	req.SetPathValue("id", "east")
	w = httptest.NewRecorder()
	h.Heartbeat(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("early heartbeat status = %d, want 409", w.Code)
	}

	// Authenticate
	sig, err := cluster.SignChallenge(regResp.Challenge, key)
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	body := fmt.Sprintf(`{"signature":%q}`, base64.StdEncoding.EncodeToString(sig))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/clusters/east/authenticate", strings.NewReader(body))
	req.SetPathValue("id", "east")
	w = httptest.NewRecorder()
	h.Authenticate(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticate status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var active cluster.Cluster
	decodeBody(t, w, &active)
	if active.Status != cluster.StatusActive {
		t.Errorf("status = %s, want active", active.Status)
	}

	// Heartbeat
	req = httptest.NewRequest(http.MethodPost, "/api/v1/clusters/east/heartbeat", nil)
	req.SetPathValue("id", "east")
	w = httptest.NewRecorder()
	h.Heartbeat(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", w.Code)
	}
	var beat cluster.Cluster
	decodeBody(t, w, &beat)
	if beat.LastHeartbeat == nil || !beat.LastHeartbeat.Equal(now) {
		t.Errorf("last_heartbeat = %v, want %v", beat.LastHeartbeat, now)
	}

	// List
	w = httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/v1/clusters", nil))
	var list ClusterListResponse
	decodeBody(t, w, &list)
	if len(list.Clusters) != 1 || list.Clusters[0].ID != "east" {
		t.Errorf("list = %+v", list.Clusters)
	}
	if strings.Contains(w.Body.String(), "BEGIN CERTIFICATE") {
		t.Error("cluster JSON must not include the certificate PEM")
	}

	// Disable
	req = httptest.NewRequest(http.MethodPost, "/api/v1/clusters/east/disable", nil)
	req.SetPathValue("id", "east")
	w = httptest.NewRecorder()
	h.Disable(w, req)
	var disabled cluster.Cluster
	decodeBody(t, w, &disabled)
	if disabled.Status != cluster.StatusDisabled || disabled.DisabledReason != "disabled_by_admin" {
		t.Errorf("got status %s reason %q", disabled.Status, disabled.DisabledReason)
	}
}

func TestClusterHandlers_Register_ExpiredCertificate(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reg := cluster.NewRegistry(cluster.RegistryConfig{
		Store:  cluster.NewInMemoryStore(),
		Logger: discardLogger(),
		Now:    func() time.Time { return now },
	})
	h := NewClusterHandlers(reg)
	certPEM, _ := selfSignedPEM(t, now.Add(-48*time.Hour), now.Add(-time.Hour))

	w := httptest.NewRecorder()
	h.Register(w, httptest.NewRequest(http.MethodPost, "/api/v1/clusters", strings.NewReader(registerBody("east", certPEM))))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Error.Code != ErrCodeInvalidCertificate {
		t.Errorf("code = %q, want %q", resp.Error.Code, ErrCodeInvalidCertificate)
	}
	if !strings.Contains(resp.Error.Message, cluster.ReasonExpired) {
		t.Errorf("message %q should carry the rejection reason", resp.Error.Message)
	}
}

type stubClusterRegistry struct {
	err error
}

func (s stubClusterRegistry) Register(ctx context.Context, req cluster.RegisterRequest) (*cluster.Registration, error) {
	return nil, s.err
}

func (s stubClusterRegistry) Authenticate(ctx context.Context, id string, signature []byte, remoteIP string) (*cluster.Cluster, error) {
	return nil, s.err
}

func (s stubClusterRegistry) Heartbeat(ctx context.Context, id string) (*cluster.Cluster, error) {
	return nil, s.err
}

func (s stubClusterRegistry) Disable(ctx context.Context, id, reason string) (*cluster.Cluster, error) {
	return nil, s.err
}

func (s stubClusterRegistry) Get(ctx context.Context, id string) (*cluster.Cluster, error) {
	return nil, s.err
}

func (s stubClusterRegistry) List(ctx context.Context) ([]*cluster.Cluster, error) {
	return nil, s.err
}

func TestClusterHandlers_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing id", cluster.ErrMissingID, http.StatusBadRequest, ErrCodeValidation},
		{"not found", cluster.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"duplicate", cluster.ErrAlreadyRegistered, http.StatusConflict, ErrCodeConflict},
		{"certificate", &cluster.CertificateError{Reason: cluster.ReasonCAMismatch}, http.StatusUnauthorized, ErrCodeInvalidCertificate},
		{"challenge expired", cluster.ErrChallengeExpired, http.StatusUnauthorized, ErrCodeChallengeFailed},
		{"challenge failed", fmt.Errorf("%w: signature_mismatch", cluster.ErrChallengeFailed), http.StatusUnauthorized, ErrCodeChallengeFailed},
		{"invalid state", fmt.Errorf("%w: status is disabled", cluster.ErrInvalidState), http.StatusConflict, ErrCodeInvalidState},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewClusterHandlers(stubClusterRegistry{err: tt.err})

			req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters/east", nil)
			req.SetPathValue("id", "east")
			w := httptest.NewRecorder()
			h.Get(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestClusterHandlers_BadInput(t *testing.T) {
	h := NewClusterHandlers(stubClusterRegistry{})

	tests := []struct {
		name    string
		handler http.HandlerFunc
		body    string
	}{
		{"register malformed", h.Register, `{"id":`},
		{"register without certificate", h.Register, `{"id":"east"}`},
		{"authenticate malformed", h.Authenticate, `nope`},
		{"authenticate bad base64", h.Authenticate, `{"signature":"***"}`},
		{"authenticate empty signature", h.Authenticate, `{"signature":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/clusters", strings.NewReader(tt.body))
			req.SetPathValue("id", "east")
			w := httptest.NewRecorder()
			tt.handler(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}
