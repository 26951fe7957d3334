package health

import (
	"context"
	"errors"
)

// ErrAuditChainDegraded is returned while the audit chain cannot accept appends.
var ErrAuditChainDegraded = errors.New("audit chain degraded")

// DegradedReporter reports whether a component is running degraded.
type DegradedReporter interface {
	Degraded() bool
}

// AuditChainChecker fails readiness while the audit chain is degraded, so the
// instance is taken out of rotation until hydration succeeds.
type AuditChainChecker struct {
	chain DegradedReporter
}

// NewAuditChainChecker creates a checker over the chain state.
func NewAuditChainChecker(chain DegradedReporter) *AuditChainChecker {
	return &AuditChainChecker{chain: chain}
}

// HealthCheck implements the checker contract.
func (a *AuditChainChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.chain.Degraded() {
		return ErrAuditChainDegraded
	}
	return nil
}
