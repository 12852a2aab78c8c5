package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
)

// AttemptRepository stores attempt records in memory.
type AttemptRepository struct {
	store *versioned[domain.AttemptRecord]
}

var _ port.AttemptRepository = (*AttemptRepository)(nil)

// NewAttemptRepository constructs an empty AttemptRepository.
func NewAttemptRepository() *AttemptRepository {
	return &AttemptRepository{store: newVersioned(func(r domain.AttemptRecord) domain.AttemptRecord {
		r.LockedUntil = cloneTime(r.LockedUntil)
		return r
	})}
}

// Get returns the record for key.
func (r *AttemptRepository) Get(_ context.Context, key string) (*domain.AttemptRecord, error) {
	record, version, err := r.store.get(key)
	if err != nil {
		return nil, err
	}
	record.Version = version
	return &record, nil
}

// Save stores record when the stored version equals expectedVersion.
func (r *AttemptRepository) Save(_ context.Context, record domain.AttemptRecord, expectedVersion int64) error {
	record.Version = expectedVersion + 1
	return r.store.save(record.Key, record, expectedVersion)
}

// ReplayGuard remembers claimed TOTP steps in memory.
type ReplayGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

var _ port.ReplayGuard = (*ReplayGuard)(nil)

// NewReplayGuard constructs an empty ReplayGuard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{claims: make(map[string]time.Time), now: time.Now}
}

// WithClock allows tests to override the clock used for expiry.
func (g *ReplayGuard) WithClock(clock func() time.Time) *ReplayGuard {
	if clock != nil {
		g.now = clock
	}
	return g
}

// Claim records (userID, step) and reports whether it was unclaimed.
func (g *ReplayGuard) Claim(_ context.Context, userID string, step int64, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, expires := range g.claims {
		if !now.Before(expires) {
			delete(g.claims, key)
		}
	}

	key := fmt.Sprintf("%s:%d", userID, step)
	if _, ok := g.claims[key]; ok {
		return false, nil
	}
	g.claims[key] = now.Add(ttl)
	return true, nil
}

// RateLimitStore keeps sliding-window attempt timestamps in memory.
type RateLimitStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

var _ port.RateLimitStore = (*RateLimitStore)(nil)

// NewRateLimitStore constructs an empty RateLimitStore.
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{attempts: make(map[string][]time.Time)}
}

// RecordAttempt appends an attempt timestamp.
func (s *RateLimitStore) RecordAttempt(_ context.Context, identifier string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.attempts[identifier], at)
	sort.Slice(list, func(i, j int) bool { return list[i].Before(list[j]) })
	s.attempts[identifier] = list
	return nil
}

// CountAttempts returns the attempts inside (reference-window, reference].
func (s *RateLimitStore) CountAttempts(_ context.Context, identifier string, window time.Duration, reference time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := reference.Add(-window)
	count := 0
	for _, at := range s.attempts[identifier] {
		if at.After(cutoff) && !at.After(reference) {
			count++
		}
	}
	return count, nil
}

// TrimWindow drops attempts older than the window.
func (s *RateLimitStore) TrimWindow(_ context.Context, identifier string, window time.Duration, reference time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := reference.Add(-window)
	kept := s.attempts[identifier][:0]
	for _, at := range s.attempts[identifier] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(s.attempts, identifier)
		return nil
	}
	s.attempts[identifier] = kept
	return nil
}

// OldestAttempt returns the earliest attempt inside the window.
func (s *RateLimitStore) OldestAttempt(_ context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := reference.Add(-window)
	for _, at := range s.attempts[identifier] {
		if at.After(cutoff) {
			return at, true, nil
		}
	}
	return time.Time{}, false, nil
}
