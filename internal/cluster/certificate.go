// Package cluster implements certificate and signed-challenge authentication
// between cooperating service instances, and the registry tracking each peer
// cluster through pending_challenge, active and disabled.
package cluster

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// Certificate rejection reasons.
const (
	ReasonExpired     = "expired"
	ReasonNotYetValid = "not_yet_valid"
	ReasonCAMismatch  = "ca_mismatch"
	ReasonParseError  = "parse_error"
)

// CertificateResult is the outcome of VerifyCertificate. On failure only
// Valid and Reason are set.
type CertificateResult struct {
	Valid        bool      `json:"valid"`
	Reason       string    `json:"reason,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	PublicKeyPEM string    `json:"public_key,omitempty"`
	NotAfter     time.Time `json:"not_after,omitempty"`
}

func rejected(reason string) CertificateResult {
	return CertificateResult{Valid: false, Reason: reason}
}

// ParseCertificatePEM decodes the first CERTIFICATE block in pemData.
func ParseCertificatePEM(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Fingerprint returns the hex SHA-256 digest of the certificate's DER bytes.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// VerifyCertificate checks the validity window of the certificate in pemData
// at now and, when trustedCA is non-nil, that it chains to one of its roots.
func VerifyCertificate(pemData string, trustedCA *x509.CertPool, now time.Time) CertificateResult {
	cert, err := ParseCertificatePEM(pemData)
	if err != nil {
		return rejected(ReasonParseError)
	}

	if now.Before(cert.NotBefore) {
		return rejected(ReasonNotYetValid)
	}
	if now.After(cert.NotAfter) {
		return rejected(ReasonExpired)
	}

	if trustedCA != nil {
		opts := x509.VerifyOptions{
			Roots:       trustedCA,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := cert.Verify(opts); err != nil {
			return rejected(ReasonCAMismatch)
		}
	}

	pubPEM, err := EncodePublicKeyPEM(cert.PublicKey)
	if err != nil {
		return rejected(ReasonParseError)
	}

	return CertificateResult{
		Valid:        true,
		Fingerprint:  Fingerprint(cert),
		Subject:      cert.Subject.String(),
		PublicKeyPEM: pubPEM,
		NotAfter:     cert.NotAfter,
	}
}

// LoadCAPool builds a pool from PEM-encoded CA certificates.
// Returns nil for empty input.
func LoadCAPool(pemData string) (*x509.CertPool, error) {
	if pemData == "" {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(pemData)) {
		return nil, errors.New("no CA certificates found in PEM data")
	}
	return pool, nil
}
