package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSequenceConflict is returned when an entry with the same sequence is
// already stored, meaning another writer advanced the chain.
var ErrSequenceConflict = errors.New("audit sequence already exists")

// Repository persists audit entries. Implementations never update or delete.
type Repository interface {
	// Append stores a new entry.
	Append(ctx context.Context, e *Entry) error

	// Last returns the entry with the highest sequence, or nil when empty.
	Last(ctx context.Context) (*Entry, error)

	// Range returns entries with from <= timestamp <= to in sequence order.
	// Zero bounds are open. Limit 0 means no limit.
	Range(ctx context.Context, from, to time.Time, limit int) ([]*Entry, error)

	// Since returns entries with sequence > after in sequence order.
	// Limit 0 means no limit.
	Since(ctx context.Context, after int64, limit int) ([]*Entry, error)

	// All returns every entry in sequence order.
	All(ctx context.Context) ([]*Entry, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
	bySeq   map[int64]bool
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{bySeq: make(map[int64]bool)}
}

// Append stores a copy of e.
func (r *InMemoryRepository) Append(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bySeq[e.Sequence] {
		return ErrSequenceConflict
	}
	r.bySeq[e.Sequence] = true
	r.entries = append(r.entries, e.Clone())
	return nil
}

// Last returns a copy of the most recent entry.
func (r *InMemoryRepository) Last(ctx context.Context) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil, nil
	}
	return r.entries[len(r.entries)-1].Clone(), nil
}

// Range returns copies of entries in the time range.
func (r *InMemoryRepository) Range(ctx context.Context, from, to time.Time, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	for _, e := range r.entries {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		results = append(results, e.Clone())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// All returns copies of every entry.
func (r *InMemoryRepository) All(ctx context.Context) ([]*Entry, error) {
	return r.Range(ctx, time.Time{}, time.Time{}, 0)
}

// Since returns copies of entries after the given sequence.
func (r *InMemoryRepository) Since(ctx context.Context, after int64, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	for _, e := range r.entries {
		if e.Sequence <= after {
			continue
		}
		results = append(results, e.Clone())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}
