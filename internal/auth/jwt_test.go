package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onnwee/riskaudit/internal/activity"
)

// 44-character base64 string, as produced by `openssl rand -base64 32`
const testSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

var testIdentity = activity.Identity{
	ID:         "user-123",
	Role:       "admin",
	Attributes: map[string]string{"tenant": "acme"},
}

func TestGenerateAccessToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	tests := []struct {
		name     string
		identity activity.Identity
		wantErr  error
	}{
		{name: "full identity", identity: testIdentity},
		{name: "no role or attributes", identity: activity.Identity{ID: "user-456"}},
		{name: "empty id", identity: activity.Identity{Role: "admin"}, wantErr: ErrEmptyIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateAccessToken(tt.identity)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GenerateAccessToken() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && token == "" {
				t.Error("GenerateAccessToken() returned empty token")
			}
		})
	}
}

func TestValidateToken_RoundTripsIdentity(t *testing.T) {
	svc := NewJWTService(testSecret)

	token, err := svc.GenerateAccessToken(testIdentity)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Type != TokenTypeAccess {
		t.Errorf("Type = %q, want %q", claims.Type, TokenTypeAccess)
	}

	got := claims.Identity()
	if got.ID != "user-123" || got.Role != "admin" || got.Attributes["tenant"] != "acme" {
		t.Errorf("Identity() = %+v", got)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		t.Fatalf("GetExpirationTime() = %v, %v", exp, err)
	}
	iat, _ := claims.GetIssuedAt()
	if d := exp.Sub(iat.Time); d != AccessTokenExpiry {
		t.Errorf("lifetime = %v, want %v", d, AccessTokenExpiry)
	}
}

func TestValidateAccessToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	access, err := svc.GenerateAccessToken(testIdentity)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	refresh, err := svc.GenerateRefreshToken("user-123")
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr error
	}{
		{name: "access token", token: access, wantID: "user-123"},
		{name: "refresh token rejected", token: refresh, wantErr: ErrWrongTokenType},
		{name: "garbage", token: "not.a.token", wantErr: ErrInvalidToken},
		{name: "empty", token: "", wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := svc.ValidateAccessToken(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateAccessToken() error = %v, want %v", err, tt.wantErr)
			}
			if identity.ID != tt.wantID {
				t.Errorf("identity.ID = %q, want %q", identity.ID, tt.wantID)
			}
		})
	}
}

func TestRefreshToken_CarriesNoRole(t *testing.T) {
	svc := NewJWTService(testSecret)

	token, err := svc.GenerateRefreshToken("user-123")
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Type != TokenTypeRefresh {
		t.Errorf("Type = %q, want %q", claims.Type, TokenTypeRefresh)
	}
	if claims.Role != "" || len(claims.Attributes) != 0 {
		t.Errorf("refresh token carried role/attributes: %+v", claims)
	}

	if _, err := svc.GenerateRefreshToken(""); !errors.Is(err, ErrEmptyIdentity) {
		t.Errorf("GenerateRefreshToken(\"\") error = %v, want %v", err, ErrEmptyIdentity)
	}
}

func TestExpiredToken(t *testing.T) {
	svc := NewJWTService(testSecret).WithLeeway(0)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
		},
		Type: TokenTypeAccess,
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to create expired token: %v", err)
	}

	if _, err := svc.ValidateToken(tokenString); err != ErrExpiredToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrExpiredToken)
	}
}

func TestLeeway(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewJWTService(testSecret).WithLeeway(time.Minute)
	svc.now = func() time.Time { return issued }

	token, err := svc.GenerateAccessToken(testIdentity)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	svc.now = func() time.Time { return issued.Add(AccessTokenExpiry + 30*time.Second) }
	if _, err := svc.ValidateToken(token); err != nil {
		t.Errorf("token within leeway rejected: %v", err)
	}

	svc.now = func() time.Time { return issued.Add(AccessTokenExpiry + 2*time.Minute) }
	if _, err := svc.ValidateToken(token); err != ErrExpiredToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrExpiredToken)
	}
}

func TestTamperedToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	validToken, err := svc.GenerateAccessToken(testIdentity)
	if err != nil {
		t.Fatalf("Failed to generate access token: %v", err)
	}

	parts := strings.Split(validToken, ".")
	if len(parts) != 3 {
		t.Fatalf("Invalid token format")
	}
	tamperedToken := parts[0] + "." + parts[1] + ".tamperedsignature"

	if _, err := svc.ValidateToken(tamperedToken); err != ErrInvalidToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestRejectsOtherSigningMethods(t *testing.T) {
	svc := NewJWTService(testSecret)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Type: TokenTypeAccess,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := svc.ValidateToken(token); err != ErrInvalidToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestKeyRotation(t *testing.T) {
	const (
		oldSecret = "old-secret-value-for-rotation-test-0001"
		newSecret = "new-secret-value-for-rotation-test-0002"
	)

	oldSvc := NewJWTService(oldSecret)
	rotating := NewJWTServiceWithRotation(newSecret, oldSecret)
	afterRotation := NewJWTService(newSecret)

	oldToken, err := oldSvc.GenerateAccessToken(activity.Identity{ID: "user-456"})
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	newToken, err := rotating.GenerateAccessToken(activity.Identity{ID: "user-789"})
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		svc     *JWTService
		token   string
		wantErr error
	}{
		{name: "rotating accepts old", svc: rotating, token: oldToken},
		{name: "rotating accepts new", svc: rotating, token: newToken},
		{name: "new signed with current secret", svc: afterRotation, token: newToken},
		{name: "old rejected after rotation completes", svc: afterRotation, token: oldToken, wantErr: ErrInvalidToken},
		{name: "single-key service rejects new", svc: oldSvc, token: newToken, wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.svc.ValidateToken(tt.token)
			if err != tt.wantErr {
				t.Errorf("ValidateToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyRotation_ExpiredUnderPreviousKey(t *testing.T) {
	const (
		oldSecret = "old-secret-value-for-rotation-test-0001"
		newSecret = "new-secret-value-for-rotation-test-0002"
	)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	oldSvc := NewJWTService(oldSecret)
	oldSvc.now = func() time.Time { return issued }
	token, err := oldSvc.GenerateAccessToken(testIdentity)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	rotating := NewJWTServiceWithRotation(newSecret, oldSecret).WithLeeway(0)
	rotating.now = func() time.Time { return issued.Add(AccessTokenExpiry + time.Second) }
	if _, err := rotating.ValidateToken(token); err != ErrExpiredToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrExpiredToken)
	}
}
