// Package health provides readiness checks for the service's dependencies.
package health

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PingChecker reports a dependency healthy when its ping round-trips.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewDBChecker checks the PostgreSQL pool behind the activity, session,
// audit and cluster stores.
func NewDBChecker(db *sql.DB) *PingChecker {
	return &PingChecker{name: "database", ping: db.PingContext}
}

// NewRedisChecker checks the Redis client used for session locks and
// shared rate limits.
func NewRedisChecker(client redis.UniversalClient) *PingChecker {
	return &PingChecker{name: "redis", ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// Name identifies the dependency in errors.
func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) HealthCheck(ctx context.Context) error {
	if err := p.ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", p.name, err)
	}
	return nil
}
