package cluster

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/riskaudit/internal/audit"
)

var (
	// ErrInvalidCertificate is returned by Register when the certificate is rejected.
	ErrInvalidCertificate = errors.New("invalid cluster certificate")
	// ErrInvalidState is returned when an operation does not apply to the cluster's status.
	ErrInvalidState = errors.New("cluster not in required state")
	// ErrChallengeExpired is returned when the registration challenge timed out.
	ErrChallengeExpired = errors.New("cluster challenge expired")
	// ErrChallengeFailed is returned when the signed challenge does not verify.
	ErrChallengeFailed = errors.New("cluster challenge verification failed")
	// ErrMissingID is returned when registering without a cluster ID.
	ErrMissingID = errors.New("cluster id is required")
)

// AuditRecorder appends registry outcomes to the audit chain.
type AuditRecorder interface {
	Record(ctx context.Context, rec audit.Record) (*audit.Entry, error)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store            Store
	Audit            AuditRecorder  // optional
	TrustedCA        *x509.CertPool // optional; nil skips chain verification
	ChallengeTimeout time.Duration  // Default: 5 minutes
	Logger           *slog.Logger
	Now              func() time.Time
}

// RegisterRequest holds the fields a cluster presents when registering.
type RegisterRequest struct {
	ID             string
	Name           string
	Endpoint       string
	CertificatePEM string
	RemoteIP       string
}

// Registration is returned by Register: the stored cluster and the challenge
// it must sign to become active.
type Registration struct {
	Cluster   *Cluster
	Challenge Challenge
	ExpiresAt time.Time
}

// CertificateError carries the structured rejection reason.
type CertificateError struct {
	Reason string
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidCertificate, e.Reason)
}

func (e *CertificateError) Unwrap() error { return ErrInvalidCertificate }

// Registry drives clusters through pending_challenge, active and disabled.
// A cluster becomes active only by answering its challenge in time; any
// failed or late answer disables it.
type Registry struct {
	store     Store
	audit     AuditRecorder
	trustedCA *x509.CertPool
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// Serializes read-modify-write transitions.
	mu sync.Mutex
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:     cfg.Store,
		audit:     cfg.Audit,
		trustedCA: cfg.TrustedCA,
		timeout:   cfg.ChallengeTimeout,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Register verifies the cluster's certificate, stores it as
// pending_challenge and issues a challenge.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	if req.ID == "" {
		return nil, ErrMissingID
	}
	now := r.now().UTC()

	cert := VerifyCertificate(req.CertificatePEM, r.trustedCA, now)
	if !cert.Valid {
		r.record(ctx, audit.TypeClusterRegistered, req.ID, req.RemoteIP, audit.OutcomeFailure,
			map[string]any{"reason": cert.Reason})
		r.logger.Warn("cluster certificate rejected",
			slog.String("cluster_id", req.ID),
			slog.String("reason", cert.Reason))
		return nil, &CertificateError{Reason: cert.Reason}
	}

	challenge, err := GenerateChallenge(now)
	if err != nil {
		return nil, err
	}
	expires := challenge.IssuedAt.Add(r.timeout)

	c := &Cluster{
		ID:                 req.ID,
		Name:               req.Name,
		Endpoint:           req.Endpoint,
		Fingerprint:        cert.Fingerprint,
		Subject:            cert.Subject,
		CertificatePEM:     req.CertificatePEM,
		PublicKeyPEM:       cert.PublicKeyPEM,
		Status:             StatusPendingChallenge,
		Challenge:          challenge.Value,
		ChallengeIssuedAt:  &challenge.IssuedAt,
		ChallengeExpiresAt: &expires,
		RegisteredAt:       now,
		UpdatedAt:          now,
	}

	r.mu.Lock()
	err = r.store.Create(ctx, c)
	r.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			r.record(ctx, audit.TypeClusterRegistered, req.ID, req.RemoteIP, audit.OutcomeFailure,
				map[string]any{"reason": "already_registered"})
			return nil, err
		}
		return nil, fmt.Errorf("failed to store cluster: %w", err)
	}

	r.record(ctx, audit.TypeClusterRegistered, req.ID, req.RemoteIP, audit.OutcomeSuccess,
		map[string]any{"fingerprint": cert.Fingerprint, "subject": cert.Subject})
	r.logger.Info("cluster registered",
		slog.String("cluster_id", req.ID),
		slog.String("fingerprint", cert.Fingerprint))

	return &Registration{Cluster: c.Clone(), Challenge: challenge, ExpiresAt: expires}, nil
}

// Authenticate checks the cluster's signature over its pending challenge.
// Success moves it to active; an expired challenge or a bad signature moves
// it to disabled. Clusters not pending a challenge are left unchanged.
func (r *Registry) Authenticate(ctx context.Context, id string, signature []byte, remoteIP string) (*Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.record(ctx, audit.TypeClusterAuthenticated, id, remoteIP, audit.OutcomeFailure,
				map[string]any{"reason": "unknown_cluster"})
		}
		return nil, err
	}
	if c.Status != StatusPendingChallenge {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
	}

	now := r.now().UTC()
	reason := ""
	if c.Challenge == "" || c.ChallengeIssuedAt == nil {
		reason = ReasonTimeout
	} else {
		pub, perr := ParsePublicKeyPEM(c.PublicKeyPEM)
		if perr != nil {
			reason = ReasonUnsupportedKey
		} else {
			res := VerifySignedChallenge(c.Challenge, signature, pub, *c.ChallengeIssuedAt, now, r.timeout)
			reason = res.Reason
		}
	}

	if reason != "" {
		if err := r.disableLocked(ctx, c, reason, now); err != nil {
			return nil, err
		}
		r.record(ctx, audit.TypeClusterAuthenticated, id, remoteIP, audit.OutcomeFailure,
			map[string]any{"reason": reason})
		if reason == ReasonTimeout {
			return c.Clone(), ErrChallengeExpired
		}
		return c.Clone(), fmt.Errorf("%w: %s", ErrChallengeFailed, reason)
	}

	c.Status = StatusActive
	c.Challenge = ""
	c.ChallengeIssuedAt = nil
	c.ChallengeExpiresAt = nil
	c.AuthenticatedAt = &now
	c.UpdatedAt = now
	if err := r.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to activate cluster: %w", err)
	}

	r.record(ctx, audit.TypeClusterAuthenticated, id, remoteIP, audit.OutcomeSuccess, nil)
	r.logger.Info("cluster authenticated", slog.String("cluster_id", id))
	return c.Clone(), nil
}

// Heartbeat records liveness of an active cluster.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
	}

	now := r.now().UTC()
	c.LastHeartbeat = &now
	c.UpdatedAt = now
	if err := r.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	r.logger.Debug("cluster heartbeat", slog.String("cluster_id", id))
	return c.Clone(), nil
}

// Disable moves a cluster to disabled. Disabling a disabled cluster is a no-op.
func (r *Registry) Disable(ctx context.Context, id, reason string) (*Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusDisabled {
		return c, nil
	}
	if err := r.disableLocked(ctx, c, reason, r.now().UTC()); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Get returns a cluster by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Cluster, error) {
	return r.store.Get(ctx, id)
}

// List returns all clusters.
func (r *Registry) List(ctx context.Context) ([]*Cluster, error) {
	return r.store.List(ctx)
}

func (r *Registry) disableLocked(ctx context.Context, c *Cluster, reason string, now time.Time) error {
	c.Status = StatusDisabled
	c.DisabledReason = reason
	c.Challenge = ""
	c.ChallengeIssuedAt = nil
	c.ChallengeExpiresAt = nil
	c.UpdatedAt = now
	if err := r.store.Update(ctx, c); err != nil {
		return fmt.Errorf("failed to disable cluster: %w", err)
	}
	r.record(ctx, audit.TypeClusterDisabled, c.ID, "", audit.OutcomeSuccess,
		map[string]any{"reason": reason})
	r.logger.Warn("cluster disabled",
		slog.String("cluster_id", c.ID),
		slog.String("reason", reason))
	return nil
}

func (r *Registry) record(ctx context.Context, typ, clusterID, ip, outcome string, details map[string]any) {
	if r.audit == nil {
		return
	}
	// Append failures are logged by the recorder.
	_, _ = r.audit.Record(ctx, audit.Record{
		Type:      typ,
		Actor:     clusterID,
		Subject:   clusterID,
		Outcome:   outcome,
		IPAddress: ip,
		Details:   details,
	})
}
