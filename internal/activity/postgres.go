package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/riskaudit/internal/tracing"
)

// PostgresStore implements SessionStore and Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

const sessionColumns = `id, identity_id, ip_address, user_agent, correlation_token,
	start_time, last_activity, end_time, end_reason,
	total_requests, unique_endpoints, peak_risk_score`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		endTime   sql.NullTime
		endReason sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.IdentityID, &s.IPAddress, &s.UserAgent, &s.CorrelationToken,
		&s.StartTime, &s.LastActivity, &endTime, &endReason,
		&s.TotalRequests, &s.UniqueEndpoints, &s.PeakRiskScore,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		t := endTime.Time
		s.EndTime = &t
	}
	s.EndReason = endReason.String
	return &s, nil
}

// FindOpenSession returns the most recently started open session for (identityID, ip).
func (p *PostgresStore) FindOpenSession(ctx context.Context, identityID, ip string) (sess *Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE identity_id = $1 AND ip_address = $2 AND end_time IS NULL
		ORDER BY start_time DESC
		LIMIT 1`, identityID, ip)

	sess, err = scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	return sess, nil
}

// CreateSession inserts a new session.
func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, $8, $9, $10)`,
		s.ID, s.IdentityID, s.IPAddress, s.UserAgent, s.CorrelationToken,
		s.StartTime, s.LastActivity,
		s.TotalRequests, s.UniqueEndpoints, s.PeakRiskScore,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_sessions_open_identity_ip" {
			return ErrOpenSessionExists
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession overwrites the mutable fields of an existing session.
func (p *PostgresStore) UpdateSession(ctx context.Context, s *Session) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_activity = $2, correlation_token = $3,
			total_requests = $4, unique_endpoints = $5, peak_risk_score = $6
		WHERE id = $1`,
		s.ID, s.LastActivity, s.CorrelationToken,
		s.TotalRequests, s.UniqueEndpoints, s.PeakRiskScore,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession retrieves a session by ID.
func (p *PostgresStore) GetSession(ctx context.Context, id string) (sess *Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err = scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// EndSession ends the session if it is still open. The conditional update
// guarantees the end time is written at most once.
func (p *PostgresStore) EndSession(ctx context.Context, id string, at time.Time, reason string) (ended bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET end_time = $2, end_reason = $3
		WHERE id = $1 AND end_time IS NULL`, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("failed to end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err = p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	if !exists {
		return false, ErrSessionNotFound
	}
	return false, nil
}

func (p *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// IdleSessions returns open sessions whose last activity is before cutoff.
func (p *PostgresStore) IdleSessions(ctx context.Context, cutoff time.Time) (sessions []*Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	sessions, err = p.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE end_time IS NULL AND last_activity < $1
		ORDER BY last_activity`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	return sessions, nil
}

// RecentSessions returns sessions of an identity started at or after since, newest first.
func (p *PostgresStore) RecentSessions(ctx context.Context, identityID string, since time.Time) (sessions []*Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	sessions, err = p.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE identity_id = $1 AND start_time >= $2
		ORDER BY start_time DESC`, identityID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	return sessions, nil
}

// InsertActivity records a new activity.
func (p *PostgresStore) InsertActivity(ctx context.Context, a *Activity) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	var requestData any
	if a.RequestData != nil {
		requestData = string(a.RequestData)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO activities (
			id, session_id, identity_id, action, resource, method, endpoint,
			request_data, response_status, response_time_ms, risk_score, risk_factors,
			ip_address, user_agent, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.SessionID, a.IdentityID, a.Action, a.Resource, a.Method, a.Endpoint,
		requestData, a.ResponseStatus, a.ResponseTimeMs, a.RiskScore, pq.Array(a.RiskFactors),
		a.IPAddress, a.UserAgent, a.Timestamp,
	)
	if err != nil {
		p.logger.Error("failed to insert activity",
			slog.String("error", err.Error()),
			slog.String("session_id", a.SessionID),
			slog.String("identity", a.IdentityID))
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// CountActivities counts an identity's activities and failures at or after since.
func (p *PostgresStore) CountActivities(ctx context.Context, identityID string, since time.Time) (total, failed int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE response_status >= 400)
		FROM activities
		WHERE identity_id = $1 AND occurred_at >= $2`, identityID, since).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return total, failed, nil
}

// SessionFingerprints returns distinct (IP, user agent) pairs in first-seen order.
func (p *PostgresStore) SessionFingerprints(ctx context.Context, sessionID string) (fps []Fingerprint, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := p.db.QueryContext(ctx, `
		SELECT ip_address, user_agent
		FROM activities
		WHERE session_id = $1
		GROUP BY ip_address, user_agent
		ORDER BY MIN(occurred_at)`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session fingerprints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fp Fingerprint
		if err = rows.Scan(&fp.IPAddress, &fp.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fingerprints: %w", err)
	}
	return fps, nil
}

// SessionEndpointCount returns the number of distinct endpoints recorded in a session.
func (p *PostgresStore) SessionEndpointCount(ctx context.Context, sessionID string) (n int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = p.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT endpoint) FROM activities WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count session endpoints: %w", err)
	}
	return n, nil
}

// HourlyCounts buckets an identity's activities by UTC hour of day.
func (p *PostgresStore) HourlyCounts(ctx context.Context, identityID string, since time.Time) (counts [24]int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := p.db.QueryContext(ctx, `
		SELECT EXTRACT(HOUR FROM occurred_at AT TIME ZONE 'UTC')::int AS hour, COUNT(*)
		FROM activities
		WHERE identity_id = $1 AND occurred_at >= $2
		GROUP BY hour`, identityID, since)
	if err != nil {
		return counts, fmt.Errorf("failed to query hourly counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hour, n int
		if err = rows.Scan(&hour, &n); err != nil {
			return counts, fmt.Errorf("failed to scan hourly count: %w", err)
		}
		if hour >= 0 && hour < 24 {
			counts[hour] = n
		}
	}
	if err = rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to iterate hourly counts: %w", err)
	}
	return counts, nil
}

// RiskTrends returns per-identity mean risk score at or after since, ordered by identity.
func (p *PostgresStore) RiskTrends(ctx context.Context, since time.Time) (trends []RiskTrend, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := p.db.QueryContext(ctx, `
		SELECT identity_id, AVG(risk_score)::float8, COUNT(*)
		FROM activities
		WHERE occurred_at >= $1
		GROUP BY identity_id
		ORDER BY identity_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk trends: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t RiskTrend
		if err = rows.Scan(&t.IdentityID, &t.AverageRisk, &t.ActivityCount); err != nil {
			return nil, fmt.Errorf("failed to scan risk trend: %w", err)
		}
		trends = append(trends, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk trends: %w", err)
	}
	return trends, nil
}

// Summary aggregates an identity's activity at or after since.
func (p *PostgresStore) Summary(ctx context.Context, identityID string, since time.Time) (sum *Summary, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	sum = &Summary{IdentityID: identityID, RiskDistribution: make(map[string]int)}
	var (
		avgLatency  sql.NullFloat64
		first, last sql.NullTime
	)
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(DISTINCT session_id),
			AVG(response_time_ms)::float8,
			COUNT(*) FILTER (WHERE response_status >= 400),
			COUNT(*) FILTER (WHERE risk_score >= 60),
			COUNT(DISTINCT endpoint),
			COUNT(DISTINCT ip_address),
			MIN(occurred_at),
			MAX(occurred_at)
		FROM activities
		WHERE identity_id = $1 AND occurred_at >= $2`, identityID, since).Scan(
		&sum.TotalActivities, &sum.TotalSessions, &avgLatency,
		&sum.FailedRequests, &sum.HighRiskActivities,
		&sum.UniqueEndpoints, &sum.UniqueIPs, &first, &last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize activity: %w", err)
	}
	sum.AvgResponseTimeMs = avgLatency.Float64
	if first.Valid {
		t := first.Time
		sum.FirstActivity = &t
	}
	if last.Valid {
		t := last.Time
		sum.LastActivity = &t
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT risk_score FROM activities
		WHERE identity_id = $1 AND occurred_at >= $2`, identityID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var score int
		if err = rows.Scan(&score); err != nil {
			return nil, fmt.Errorf("failed to scan risk score: %w", err)
		}
		sum.RiskDistribution[RiskLevel(score)]++
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk scores: %w", err)
	}
	return sum, nil
}

// ListActivities returns a page of matching activities, newest first.
func (p *PostgresStore) ListActivities(ctx context.Context, filter Filter) (results []*Activity, total int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.IdentityID != "" {
		add("identity_id = $%d", filter.IdentityID)
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.Method != "" {
		add("method = $%d", filter.Method)
	}
	if minScore, maxScore, ok := riskBounds(filter.RiskLevel); ok {
		add("risk_score >= $%d", minScore)
		add("risk_score < $%d", maxScore)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= $%d", filter.To)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	if err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count activities: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	pageArgs := append(append([]any(nil), args...), limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT id, session_id, identity_id, action, resource, method, endpoint,
			request_data, response_status, response_time_ms, risk_score, risk_factors,
			ip_address, user_agent, occurred_at
		FROM activities %s
		ORDER BY occurred_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	rows, err := p.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	results = []*Activity{}
	for rows.Next() {
		var (
			a           Activity
			requestData []byte
			factors     pq.StringArray
		)
		if err = rows.Scan(
			&a.ID, &a.SessionID, &a.IdentityID, &a.Action, &a.Resource, &a.Method, &a.Endpoint,
			&requestData, &a.ResponseStatus, &a.ResponseTimeMs, &a.RiskScore, &factors,
			&a.IPAddress, &a.UserAgent, &a.Timestamp,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.RequestData = requestData
		a.RiskFactors = []string(factors)
		results = append(results, &a)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate activities: %w", err)
	}
	return results, total, nil
}
