package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/repository"
)

const defaultConflictRetries = 3

// AttemptTracker counts consecutive failures per key and applies lockouts.
// Every read-modify-write goes through a versioned save, so concurrent
// failures against one key are each counted once.
type AttemptTracker struct {
	repo    port.AttemptRepository
	policy  domain.LockoutPolicy
	retries int
	logger  *zap.Logger
	now     func() time.Time
}

// FailureOutcome describes the record after a failure was recorded.
type FailureOutcome struct {
	Record    domain.AttemptRecord
	LockedNow bool
}

// NewAttemptTracker constructs a tracker for the given policy.
func NewAttemptTracker(repo port.AttemptRepository, policy domain.LockoutPolicy, logger *zap.Logger) (*AttemptTracker, error) {
	if repo == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AttemptTracker{
		repo:    repo,
		policy:  policy,
		retries: defaultConflictRetries,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithClock allows tests to override the clock used by the tracker.
func (t *AttemptTracker) WithClock(clock func() time.Time) *AttemptTracker {
	if clock != nil {
		t.now = clock
	}
	return t
}

// WithConflictRetries sets how many times a lost write race is retried.
func (t *AttemptTracker) WithConflictRetries(n int) *AttemptTracker {
	if n >= 0 {
		t.retries = n
	}
	return t
}

// Policy returns the lockout policy applied by the tracker.
func (t *AttemptTracker) Policy() domain.LockoutPolicy {
	return t.policy
}

// Get returns the current record for key; unknown keys yield a clean record.
func (t *AttemptTracker) Get(ctx context.Context, key string) (domain.AttemptRecord, error) {
	record, err := t.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.AttemptRecord{Key: key}, nil
		}
		return domain.AttemptRecord{}, fmt.Errorf("load attempt record: %w", err)
	}
	return *record, nil
}

// IsLocked reports whether key is locked and for how long.
func (t *AttemptTracker) IsLocked(ctx context.Context, key string) (bool, time.Duration, error) {
	record, err := t.Get(ctx, key)
	if err != nil {
		return false, 0, err
	}
	now := t.now()
	return record.IsLocked(now), record.RetryAfter(now), nil
}

// RecordFailure counts one failed attempt. A key that is already locked is
// returned unchanged.
func (t *AttemptTracker) RecordFailure(ctx context.Context, key string) (FailureOutcome, error) {
	var outcome FailureOutcome
	record, err := t.update(ctx, key, func(r *domain.AttemptRecord, now time.Time) bool {
		outcome.LockedNow = false
		if r.IsLocked(now) {
			return false
		}
		outcome.LockedNow = r.ApplyFailure(now, t.policy)
		return true
	})
	if err != nil {
		return FailureOutcome{}, err
	}
	outcome.Record = record

	if outcome.LockedNow {
		t.logger.Info("attempt key locked",
			zap.String("key", key),
			zap.Int("lockout_count", record.LockoutCount),
			zap.Timep("locked_until", record.LockedUntil),
		)
	}
	return outcome, nil
}

// RecordSuccess clears the failure history of key.
func (t *AttemptTracker) RecordSuccess(ctx context.Context, key string) error {
	_, err := t.update(ctx, key, func(r *domain.AttemptRecord, now time.Time) bool {
		if r.Clean() {
			return false
		}
		r.ApplySuccess(now)
		return true
	})
	return err
}

func (t *AttemptTracker) update(ctx context.Context, key string, mutate func(*domain.AttemptRecord, time.Time) bool) (domain.AttemptRecord, error) {
	for attempt := 0; attempt <= t.retries; attempt++ {
		record, err := t.Get(ctx, key)
		if err != nil {
			return domain.AttemptRecord{}, err
		}

		expected := record.Version
		if !mutate(&record, t.now().UTC()) {
			return record, nil
		}

		err = t.repo.Save(ctx, record, expected)
		if err == nil {
			record.Version = expected + 1
			return record, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return domain.AttemptRecord{}, fmt.Errorf("save attempt record: %w", err)
		}
		t.logger.Debug("attempt record write conflict, retrying", zap.String("key", key), zap.Int("attempt", attempt+1))
	}
	return domain.AttemptRecord{}, fmt.Errorf("save attempt record %s: %w", key, ErrVersionConflict)
}
