package cluster

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a cluster does not exist.
	ErrNotFound = errors.New("cluster not found")
	// ErrAlreadyRegistered is returned when registering an existing cluster ID.
	ErrAlreadyRegistered = errors.New("cluster already registered")
)

// Store persists clusters.
type Store interface {
	// Create inserts a new cluster, returning ErrAlreadyRegistered on duplicate ID.
	Create(ctx context.Context, c *Cluster) error

	// Get returns a cluster by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Cluster, error)

	// Update replaces a stored cluster, or returns ErrNotFound.
	Update(ctx context.Context, c *Cluster) error

	// List returns all clusters ordered by registration time.
	List(ctx context.Context) ([]*Cluster, error)
}

// InMemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryStore struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
}

// NewInMemoryStore creates a new in-memory cluster store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{clusters: make(map[string]*Cluster)}
}

// Create stores a copy of c.
func (s *InMemoryStore) Create(ctx context.Context, c *Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[c.ID]; ok {
		return ErrAlreadyRegistered
	}
	s.clusters[c.ID] = c.Clone()
	return nil
}

// Get returns a copy of the cluster.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Update replaces the stored cluster.
func (s *InMemoryStore) Update(ctx context.Context, c *Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[c.ID]; !ok {
		return ErrNotFound
	}
	s.clusters[c.ID] = c.Clone()
	return nil
}

// List returns copies of all clusters.
func (s *InMemoryStore) List(ctx context.Context) ([]*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}
