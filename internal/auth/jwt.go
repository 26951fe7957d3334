// Package auth validates identity tokens issued by the upstream identity
// provider and turns them into a verified activity.Identity.
package auth

import (
	"errors"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onnwee/riskaudit/internal/activity"
)

// Values of the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

const (
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour

	// DefaultLeeway absorbs clock skew between the identity provider and us.
	DefaultLeeway = 30 * time.Second
)

// Roles recognized by the administrative API.
const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrEmptyIdentity = errors.New("identity ID cannot be empty")
	// ErrWrongTokenType rejects a refresh token presented as a bearer token.
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims is the token payload. Role and attrs feed the identity attached to
// tracked activities.
type Claims struct {
	jwt.RegisteredClaims
	Role       string            `json:"role,omitempty"`
	Attributes map[string]string `json:"attrs,omitempty"`
	Type       string            `json:"typ"`
}

// Identity returns the verified identity described by the claims.
func (c *Claims) Identity() activity.Identity {
	return activity.Identity{
		ID:         c.Subject,
		Role:       c.Role,
		Attributes: maps.Clone(c.Attributes),
	}
}

// JWTService signs and verifies HS256 tokens. During a secret rotation it
// signs with the newest key and accepts any configured key.
type JWTService struct {
	keys   [][]byte // keys[0] signs
	leeway time.Duration
	now    func() time.Time
}

// NewJWTService creates a service with a single secret.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotation(secret, "")
}

// NewJWTServiceWithRotation creates a service that signs with currentSecret
// and also accepts tokens signed with previousSecret, if non-empty.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	keys := [][]byte{[]byte(currentSecret)}
	if previousSecret != "" {
		keys = append(keys, []byte(previousSecret))
	}
	return &JWTService{keys: keys, leeway: DefaultLeeway, now: time.Now}
}

// WithLeeway sets the clock skew tolerated during validation.
func (s *JWTService) WithLeeway(leeway time.Duration) *JWTService {
	s.leeway = leeway
	return s
}

func (s *JWTService) sign(subject, typ string, ttl time.Duration, role string, attrs map[string]string) (string, error) {
	if subject == "" {
		return "", ErrEmptyIdentity
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:       role,
		Attributes: attrs,
		Type:       typ,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.keys[0])
}

// GenerateAccessToken issues a bearer token for identity.
func (s *JWTService) GenerateAccessToken(identity activity.Identity) (string, error) {
	return s.sign(identity.ID, TokenTypeAccess, AccessTokenExpiry, identity.Role, identity.Attributes)
}

// GenerateRefreshToken issues a refresh token. It carries no role or
// attributes and is never accepted by ValidateAccessToken.
func (s *JWTService) GenerateRefreshToken(identityID string) (string, error) {
	return s.sign(identityID, TokenTypeRefresh, RefreshTokenExpiry, "", nil)
}

// ValidateToken verifies the signature against every configured key and
// checks expiry. It returns ErrExpiredToken when a key verified the
// signature but the token is past its expiry, and ErrInvalidToken otherwise.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)

	expired := false
	for _, key := range s.keys {
		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		switch {
		case err == nil && token.Valid:
			return claims, nil
		case errors.Is(err, jwt.ErrTokenExpired):
			expired = true
		}
	}
	if expired {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// ValidateAccessToken validates a bearer token and returns its identity.
func (s *JWTService) ValidateAccessToken(tokenString string) (activity.Identity, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return activity.Identity{}, err
	}
	switch {
	case claims.Type != TokenTypeAccess:
		return activity.Identity{}, ErrWrongTokenType
	case claims.Subject == "":
		return activity.Identity{}, ErrInvalidToken
	}
	return claims.Identity(), nil
}
