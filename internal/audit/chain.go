package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrChainDegraded is returned by Append while the chain tail is unknown
	// because hydration has not succeeded.
	ErrChainDegraded = errors.New("audit chain not hydrated")
	// ErrEmptyPayload is returned when appending an empty payload.
	ErrEmptyPayload = errors.New("audit payload cannot be empty")
)

// ChainConfig configures a ChainState.
type ChainConfig struct {
	Repository Repository
	Logger     *slog.Logger
	Metrics    *Metrics
	Now        func() time.Time
}

// ChainState owns the process-wide tail of the audit chain. Appends are
// serialized by a single lock because each entry depends on the previous hash.
// The tail must be set by Init or Hydrate before the first Append.
type ChainState struct {
	repo    Repository
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	nonce   func() (string, error)

	mu          sync.Mutex
	lastHash    string
	lastSeq     int64
	initialized bool
	degraded    bool
}

// NewChainState creates an uninitialized ChainState.
func NewChainState(cfg ChainConfig) *ChainState {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ChainState{
		repo:    cfg.Repository,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		nonce:   newNonce,
	}
}

// Init sets the chain tail explicitly.
func (c *ChainState) Init(lastHash string, lastSeq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTail(lastHash, lastSeq)
}

func (c *ChainState) setTail(lastHash string, lastSeq int64) {
	c.lastHash = lastHash
	c.lastSeq = lastSeq
	c.initialized = true
	c.degraded = false
	if c.metrics != nil {
		c.metrics.SetDegraded(false)
	}
}

// Hydrate loads the tail from the last persisted entry, or the genesis hash
// for an empty log. Failure is critical: tamper detection cannot continue the
// chain. The state is then marked degraded and Append retries hydration.
func (c *ChainState) Hydrate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrateLocked(ctx)
}

func (c *ChainState) hydrateLocked(ctx context.Context) error {
	last, err := c.repo.Last(ctx)
	if err != nil {
		c.degraded = true
		if c.metrics != nil {
			c.metrics.SetDegraded(true)
		}
		c.logger.Error("audit chain hydration failed, tamper detection degraded",
			slog.String("severity", "critical"),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to hydrate audit chain: %w", err)
	}

	if last == nil {
		c.setTail(GenesisHash, 0)
		c.logger.Info("audit chain hydrated from genesis")
		return nil
	}
	c.setTail(last.Hash, last.Sequence)
	c.logger.Info("audit chain hydrated",
		slog.Int64("sequence", last.Sequence),
		slog.String("last_hash", last.Hash))
	return nil
}

// Degraded reports whether the chain tail is unknown after a failed hydration.
func (c *ChainState) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded || !c.initialized
}

// LastHash returns the current chain tail and its sequence.
func (c *ChainState) LastHash() (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash, c.lastSeq
}

// Append links payload to the chain and persists it. The tail advances only
// after the entry is stored.
func (c *ChainState) Append(ctx context.Context, payload []byte) (*Entry, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		if err := c.hydrateLocked(ctx); err != nil {
			c.incAppend(false)
			return nil, fmt.Errorf("%w: %v", ErrChainDegraded, err)
		}
	}

	nonce, err := c.nonce()
	if err != nil {
		c.incAppend(false)
		return nil, err
	}

	entry := &Entry{
		Sequence:     c.lastSeq + 1,
		PreviousHash: c.lastHash,
		Payload:      append([]byte(nil), payload...),
		Timestamp:    c.now().UTC().Truncate(time.Microsecond),
		Nonce:        nonce,
	}
	entry.Hash, err = ComputeHash(entry.Payload, entry.PreviousHash, entry.Timestamp, entry.Nonce)
	if err != nil {
		c.incAppend(false)
		return nil, err
	}

	if err := c.repo.Append(ctx, entry); err != nil {
		c.incAppend(false)
		return nil, fmt.Errorf("failed to persist audit entry: %w", err)
	}

	c.lastHash = entry.Hash
	c.lastSeq = entry.Sequence
	c.incAppend(true)
	return entry.Clone(), nil
}

// Verify loads the whole persisted chain and verifies it.
func (c *ChainState) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := c.repo.All(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to load audit chain: %w", err)
	}
	res := Verify(entries)
	if !res.OK {
		c.logger.Error("audit chain verification failed",
			slog.String("severity", "critical"),
			slog.Int("first_violating_index", res.FirstViolatingIndex),
			slog.String("reason", res.Reason))
	}
	if c.metrics != nil {
		c.metrics.ObserveVerify(res.OK)
	}
	return res, nil
}

func (c *ChainState) incAppend(ok bool) {
	if c.metrics != nil {
		c.metrics.IncAppend(ok)
	}
}
