package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/riskaudit/internal/tracing"
)

// PostgresRepository implements Repository using the audit_entries table.
// The table has no UPDATE or DELETE path in this package.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const entryColumns = `sequence, hash, previous_hash, payload, created_at, nonce`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.Sequence, &e.Hash, &e.PreviousHash, &e.Payload, &e.Timestamp, &e.Nonce); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

// Append inserts an entry. A duplicate sequence maps to ErrSequenceConflict.
func (r *PostgresRepository) Append(ctx context.Context, e *Entry) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_entries", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Sequence, e.Hash, e.PreviousHash, e.Payload, e.Timestamp.UTC(), e.Nonce)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSequenceConflict
		}
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Last returns the highest-sequence entry, or nil when the table is empty.
func (r *PostgresRepository) Last(ctx context.Context) (e *Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		ORDER BY sequence DESC
		LIMIT 1`)
	e, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last audit entry: %w", err)
	}
	return e, nil
}

// Range returns entries within [from, to] in sequence order.
func (r *PostgresRepository) Range(ctx context.Context, from, to time.Time, limit int) (entries []*Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = from.UTC()
	}
	if !to.IsZero() {
		toArg = to.UTC()
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY sequence ASC
		LIMIT $3`, fromArg, toArg, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return collectEntries(rows)
}

// Since returns entries after the given sequence.
func (r *PostgresRepository) Since(ctx context.Context, after int64, limit int) (entries []*Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2`, after, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return collectEntries(rows)
}

// All returns every entry in sequence order.
func (r *PostgresRepository) All(ctx context.Context) ([]*Entry, error) {
	return r.Since(ctx, 0, 0)
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}
