package domain

import (
	"fmt"
	"math"
	"time"
)

// Attempt key namespaces.
const (
	AttemptScopeChallenge = "challenge"
	AttemptScopeLogin     = "login"
	AttemptScopeUser      = "user"
)

// AttemptKey builds the storage key for an attempt record.
func AttemptKey(scope, id string) string {
	return fmt.Sprintf("%s:%s", scope, id)
}

// LockoutPolicy configures when and for how long consecutive failures lock a key.
type LockoutPolicy struct {
	Threshold         int
	LockoutDuration   time.Duration
	BackoffMultiplier int
	MaxLockout        time.Duration
}

// DefaultLockoutPolicy returns 5 failures / 15 minute lockout doubling up to a day.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold:         5,
		LockoutDuration:   15 * time.Minute,
		BackoffMultiplier: 2,
		MaxLockout:        24 * time.Hour,
	}
}

// Validate checks the policy is usable.
func (p LockoutPolicy) Validate() error {
	if p.Threshold <= 0 {
		return fmt.Errorf("lockout threshold must be positive")
	}
	if p.LockoutDuration <= 0 {
		return fmt.Errorf("lockout duration must be positive")
	}
	if p.MaxLockout < p.LockoutDuration {
		return fmt.Errorf("max lockout must be set and not shorter than the base lockout")
	}
	return nil
}

// LockoutFor returns the duration of the nth lockout (1-based), saturating at MaxLockout.
func (p LockoutPolicy) LockoutFor(n int) time.Duration {
	ceiling := p.MaxLockout
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	multiplier := time.Duration(max(p.BackoffMultiplier, 1))

	d := min(p.LockoutDuration, ceiling)
	for i := 1; i < n && d < ceiling; i++ {
		if d > ceiling/multiplier {
			return ceiling
		}
		d *= multiplier
	}
	return d
}

// AttemptRecord counts consecutive verification failures for a key.
type AttemptRecord struct {
	Key           string
	FailureCount  int
	LockoutCount  int
	LockedUntil   *time.Time
	LastAttemptAt time.Time
	Version       int64
}

// IsLocked reports whether the record blocks attempts at now.
func (r *AttemptRecord) IsLocked(now time.Time) bool {
	return r != nil && r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// RetryAfter returns the remaining lockout at now.
func (r *AttemptRecord) RetryAfter(now time.Time) time.Duration {
	if !r.IsLocked(now) {
		return 0
	}
	return r.LockedUntil.Sub(now)
}

// RemainingAttempts returns how many failures are left before the next lockout.
func (r *AttemptRecord) RemainingAttempts(p LockoutPolicy) int {
	if r == nil {
		return p.Threshold
	}
	left := p.Threshold - r.FailureCount
	if left < 0 {
		return 0
	}
	return left
}

// ApplyFailure increments the counter and applies a lockout once the threshold is reached.
// It returns true when this failure triggered a lockout.
func (r *AttemptRecord) ApplyFailure(now time.Time, p LockoutPolicy) bool {
	r.LastAttemptAt = now.UTC()
	r.FailureCount++
	if r.FailureCount < p.Threshold {
		return false
	}

	r.LockoutCount++
	until := now.Add(p.LockoutFor(r.LockoutCount)).UTC()
	r.LockedUntil = &until
	r.FailureCount = 0
	return true
}

// ApplySuccess clears failures and backoff history.
func (r *AttemptRecord) ApplySuccess(now time.Time) {
	r.LastAttemptAt = now.UTC()
	r.FailureCount = 0
	r.LockoutCount = 0
	r.LockedUntil = nil
}

// Clean reports whether the record carries no failure state.
func (r *AttemptRecord) Clean() bool {
	return r == nil || (r.FailureCount == 0 && r.LockoutCount == 0 && r.LockedUntil == nil)
}
