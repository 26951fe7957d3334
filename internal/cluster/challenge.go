package cluster

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// Challenge rejection reasons.
const (
	ReasonTimeout           = "timeout"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonUnsupportedKey    = "unsupported_key"
)

// DefaultChallengeTimeout is how long a registration challenge stays valid.
const DefaultChallengeTimeout = 5 * time.Minute

// Challenge is a random nonce a cluster must sign with its certificate key.
type Challenge struct {
	Value    string    `json:"challenge"`
	IssuedAt time.Time `json:"timestamp"`
}

// ChallengeResult is the outcome of VerifySignedChallenge.
type ChallengeResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// GenerateChallenge creates a 32-byte hex-encoded nonce issued at now.
func GenerateChallenge(now time.Time) (Challenge, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return Challenge{Value: hex.EncodeToString(nonce), IssuedAt: now.UTC()}, nil
}

// VerifySignedChallenge rejects when more than timeout has passed since
// issuedAt, then verifies signature over SHA-256(challenge) with publicKey.
// ECDSA (ASN.1), Ed25519 (over the raw challenge) and RSA PKCS#1 v1.5 keys are
// accepted.
func VerifySignedChallenge(challenge string, signature []byte, publicKey crypto.PublicKey, issuedAt, now time.Time, timeout time.Duration) ChallengeResult {
	if now.Sub(issuedAt) > timeout {
		return ChallengeResult{Reason: ReasonTimeout}
	}

	digest := sha256.Sum256([]byte(challenge))
	var ok bool
	switch pub := publicKey.(type) {
	case *ecdsa.PublicKey:
		ok = ecdsa.VerifyASN1(pub, digest[:], signature)
	case ed25519.PublicKey:
		ok = ed25519.Verify(pub, []byte(challenge), signature)
	case *rsa.PublicKey:
		ok = rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature) == nil
	default:
		return ChallengeResult{Reason: ReasonUnsupportedKey}
	}
	if !ok {
		return ChallengeResult{Reason: ReasonSignatureMismatch}
	}
	return ChallengeResult{Valid: true}
}

// SignChallenge produces a signature VerifySignedChallenge accepts.
func SignChallenge(challenge string, signer crypto.Signer) ([]byte, error) {
	if signer == nil {
		return nil, errors.New("signer cannot be nil")
	}
	if _, ok := signer.Public().(ed25519.PublicKey); ok {
		return signer.Sign(rand.Reader, []byte(challenge), crypto.Hash(0))
	}
	digest := sha256.Sum256([]byte(challenge))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign challenge: %w", err)
	}
	return sig, nil
}

// ParsePublicKeyPEM parses a PEM-encoded PKIX public key.
func ParsePublicKeyPEM(pemData string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// EncodePublicKeyPEM encodes a public key to PKIX PEM format.
func EncodePublicKeyPEM(publicKey crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
