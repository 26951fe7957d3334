package activity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements SessionStore and Store in memory.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	activities []*Activity // insertion order
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
	}
}

// FindOpenSession returns the most recently started open session for (identityID, ip).
func (s *InMemoryStore) FindOpenSession(ctx context.Context, identityID, ip string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Session
	for _, sess := range s.sessions {
		if sess.IdentityID != identityID || sess.IPAddress != ip || !sess.IsOpen() {
			continue
		}
		if found == nil || sess.StartTime.After(found.StartTime) {
			found = sess
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

// CreateSession inserts a new session.
func (s *InMemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, open := range s.sessions {
		if sess.EndTime == nil && open.EndTime == nil && open.IdentityID == sess.IdentityID && open.IPAddress == sess.IPAddress {
			return ErrOpenSessionExists
		}
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// UpdateSession overwrites the mutable fields of an existing session.
func (s *InMemoryStore) UpdateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	stored.LastActivity = sess.LastActivity
	stored.CorrelationToken = sess.CorrelationToken
	stored.TotalRequests = sess.TotalRequests
	stored.UniqueEndpoints = sess.UniqueEndpoints
	stored.PeakRiskScore = sess.PeakRiskScore
	return nil
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// EndSession ends the session if it is still open.
func (s *InMemoryStore) EndSession(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if !sess.IsOpen() {
		return false, nil
	}
	end := at
	sess.EndTime = &end
	sess.EndReason = reason
	return true, nil
}

// IdleSessions returns open sessions whose last activity is before cutoff.
func (s *InMemoryStore) IdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Session
	for _, sess := range s.sessions {
		if sess.IsOpen() && sess.LastActivity.Before(cutoff) {
			results = append(results, sess.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].LastActivity.Before(results[j].LastActivity)
	})
	return results, nil
}

// RecentSessions returns sessions of an identity started at or after since, newest first.
func (s *InMemoryStore) RecentSessions(ctx context.Context, identityID string, since time.Time) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Session
	for _, sess := range s.sessions {
		if sess.IdentityID == identityID && !sess.StartTime.Before(since) {
			results = append(results, sess.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].StartTime.After(results[j].StartTime)
	})
	return results, nil
}

// InsertActivity records a new activity.
func (s *InMemoryStore) InsertActivity(ctx context.Context, a *Activity) error {
	s.mu.Lock()
	s.activities = append(s.activities, a.Clone())
	s.mu.Unlock()
	return nil
}

// CountActivities counts an identity's activities and failures at or after since.
func (s *InMemoryStore) CountActivities(ctx context.Context, identityID string, since time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, failed int
	for _, a := range s.activities {
		if a.IdentityID != identityID || a.Timestamp.Before(since) {
			continue
		}
		total++
		if a.ResponseStatus >= 400 {
			failed++
		}
	}
	return total, failed, nil
}

// SessionFingerprints returns distinct (IP, user agent) pairs in first-seen order.
func (s *InMemoryStore) SessionFingerprints(ctx context.Context, sessionID string) ([]Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[Fingerprint]bool)
	var results []Fingerprint
	for _, a := range s.activities {
		if a.SessionID != sessionID {
			continue
		}
		fp := Fingerprint{IPAddress: a.IPAddress, UserAgent: a.UserAgent}
		if !seen[fp] {
			seen[fp] = true
			results = append(results, fp)
		}
	}
	return results, nil
}

// SessionEndpointCount returns the number of distinct endpoints recorded in a session.
func (s *InMemoryStore) SessionEndpointCount(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoints := make(map[string]struct{})
	for _, a := range s.activities {
		if a.SessionID == sessionID {
			endpoints[a.Endpoint] = struct{}{}
		}
	}
	return len(endpoints), nil
}

// HourlyCounts buckets an identity's activities by UTC hour of day.
func (s *InMemoryStore) HourlyCounts(ctx context.Context, identityID string, since time.Time) ([24]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts [24]int
	for _, a := range s.activities {
		if a.IdentityID == identityID && !a.Timestamp.Before(since) {
			counts[a.Timestamp.UTC().Hour()]++
		}
	}
	return counts, nil
}

// RiskTrends returns per-identity mean risk score at or after since, ordered by identity.
func (s *InMemoryStore) RiskTrends(ctx context.Context, since time.Time) ([]RiskTrend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, a := range s.activities {
		if a.Timestamp.Before(since) {
			continue
		}
		sums[a.IdentityID] += a.RiskScore
		counts[a.IdentityID]++
	}

	trends := make([]RiskTrend, 0, len(counts))
	for id, n := range counts {
		trends = append(trends, RiskTrend{
			IdentityID:    id,
			AverageRisk:   float64(sums[id]) / float64(n),
			ActivityCount: n,
		})
	}
	sort.Slice(trends, func(i, j int) bool {
		return trends[i].IdentityID < trends[j].IdentityID
	})
	return trends, nil
}

// Summary aggregates an identity's activity at or after since.
func (s *InMemoryStore) Summary(ctx context.Context, identityID string, since time.Time) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &Summary{
		IdentityID:       identityID,
		RiskDistribution: make(map[string]int),
	}
	sessions := make(map[string]struct{})
	endpoints := make(map[string]struct{})
	ips := make(map[string]struct{})
	var latencyTotal int64

	for _, a := range s.activities {
		if a.IdentityID != identityID || a.Timestamp.Before(since) {
			continue
		}
		sum.TotalActivities++
		latencyTotal += a.ResponseTimeMs
		if a.ResponseStatus >= 400 {
			sum.FailedRequests++
		}
		if a.RiskScore >= 60 {
			sum.HighRiskActivities++
		}
		sessions[a.SessionID] = struct{}{}
		endpoints[a.Endpoint] = struct{}{}
		ips[a.IPAddress] = struct{}{}
		sum.RiskDistribution[RiskLevel(a.RiskScore)]++

		ts := a.Timestamp
		if sum.FirstActivity == nil || ts.Before(*sum.FirstActivity) {
			sum.FirstActivity = &ts
		}
		if sum.LastActivity == nil || ts.After(*sum.LastActivity) {
			last := ts
			sum.LastActivity = &last
		}
	}

	sum.TotalSessions = len(sessions)
	sum.UniqueEndpoints = len(endpoints)
	sum.UniqueIPs = len(ips)
	if sum.TotalActivities > 0 {
		sum.AvgResponseTimeMs = float64(latencyTotal) / float64(sum.TotalActivities)
	}
	return sum, nil
}

// ListActivities returns a page of matching activities, newest first.
func (s *InMemoryStore) ListActivities(ctx context.Context, filter Filter) ([]*Activity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minScore, maxScore, hasLevel := riskBounds(filter.RiskLevel)

	var matched []*Activity
	for i := len(s.activities) - 1; i >= 0; i-- {
		a := s.activities[i]
		if filter.IdentityID != "" && a.IdentityID != filter.IdentityID {
			continue
		}
		if filter.SessionID != "" && a.SessionID != filter.SessionID {
			continue
		}
		if filter.Method != "" && a.Method != filter.Method {
			continue
		}
		if hasLevel && (a.RiskScore < minScore || a.RiskScore >= maxScore) {
			continue
		}
		if !filter.From.IsZero() && a.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && a.Timestamp.After(filter.To) {
			continue
		}
		matched = append(matched, a)
	}

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if filter.Offset >= total {
		return []*Activity{}, total, nil
	}
	end := filter.Offset + limit
	if end > total {
		end = total
	}

	page := make([]*Activity, 0, end-filter.Offset)
	for _, a := range matched[filter.Offset:end] {
		page = append(page, a.Clone())
	}
	return page, total, nil
}
