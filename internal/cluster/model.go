package cluster

import "time"

// Status is the trust state of a registered cluster.
type Status string

// Cluster statuses.
const (
	StatusPendingChallenge Status = "pending_challenge"
	StatusActive           Status = "active"
	StatusDisabled         Status = "disabled"
)

// Cluster is a registered peer instance.
type Cluster struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint"`
	Fingerprint    string `json:"fingerprint"`
	Subject        string `json:"subject"`
	CertificatePEM string `json:"-"`
	PublicKeyPEM   string `json:"public_key"`
	Status         Status `json:"status"`

	// Challenge is cleared once answered.
	Challenge          string     `json:"-"`
	ChallengeIssuedAt  *time.Time `json:"challenge_issued_at,omitempty"`
	ChallengeExpiresAt *time.Time `json:"challenge_expires_at,omitempty"`

	DisabledReason  string     `json:"disabled_reason,omitempty"`
	RegisteredAt    time.Time  `json:"registered_at"`
	AuthenticatedAt *time.Time `json:"authenticated_at,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the cluster.
func (c *Cluster) Clone() *Cluster {
	cp := *c
	cp.ChallengeIssuedAt = cloneTime(c.ChallengeIssuedAt)
	cp.ChallengeExpiresAt = cloneTime(c.ChallengeExpiresAt)
	cp.AuthenticatedAt = cloneTime(c.AuthenticatedAt)
	cp.LastHeartbeat = cloneTime(c.LastHeartbeat)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
