package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/riskaudit/internal/tracing"
)

// PostgresStore implements Store using the clusters table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const clusterColumns = `id, name, endpoint, fingerprint, subject, certificate_pem, status,
	challenge, challenge_issued_at, challenge_expires_at, disabled_reason,
	registered_at, authenticated_at, last_heartbeat, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCluster(row rowScanner) (*Cluster, error) {
	var c Cluster
	var status string
	var issued, expires, authed, heartbeat sql.NullTime
	err := row.Scan(
		&c.ID, &c.Name, &c.Endpoint, &c.Fingerprint, &c.Subject, &c.CertificatePEM, &status,
		&c.Challenge, &issued, &expires, &c.DisabledReason,
		&c.RegisteredAt, &authed, &heartbeat, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.ChallengeIssuedAt = nullTime(issued)
	c.ChallengeExpiresAt = nullTime(expires)
	c.AuthenticatedAt = nullTime(authed)
	c.LastHeartbeat = nullTime(heartbeat)

	// The public key is derived from the stored certificate.
	if cert, err := ParseCertificatePEM(c.CertificatePEM); err == nil {
		if pub, err := EncodePublicKeyPEM(cert.PublicKey); err == nil {
			c.PublicKeyPEM = pub
		}
	}
	return &c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// Create inserts a new cluster.
func (p *PostgresStore) Create(ctx context.Context, c *Cluster) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "clusters", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO clusters (`+clusterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.Name, c.Endpoint, c.Fingerprint, c.Subject, c.CertificatePEM, string(c.Status),
		c.Challenge, c.ChallengeIssuedAt, c.ChallengeExpiresAt, c.DisabledReason,
		c.RegisteredAt, c.AuthenticatedAt, c.LastHeartbeat, c.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("failed to insert cluster: %w", err)
	}
	return nil
}

// Get returns a cluster by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (c *Cluster, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "clusters", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	c, err = scanCluster(p.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

// Update replaces the mutable fields of a cluster.
func (p *PostgresStore) Update(ctx context.Context, c *Cluster) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "clusters", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := p.db.ExecContext(ctx, `
		UPDATE clusters SET
			name = $2, endpoint = $3, status = $4, challenge = $5,
			challenge_issued_at = $6, challenge_expires_at = $7, disabled_reason = $8,
			authenticated_at = $9, last_heartbeat = $10, updated_at = $11
		WHERE id = $1`,
		c.ID, c.Name, c.Endpoint, string(c.Status), c.Challenge,
		c.ChallengeIssuedAt, c.ChallengeExpiresAt, c.DisabledReason,
		c.AuthenticatedAt, c.LastHeartbeat, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update cluster: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all clusters ordered by registration time.
func (p *PostgresStore) List(ctx context.Context) (clusters []*Cluster, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "clusters", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate clusters: %w", err)
	}
	return clusters, nil
}
