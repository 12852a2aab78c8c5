package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/repository"
)

const (
	defaultAttemptPrefix = "iam:2fa:attempts"
	defaultAttemptTTL    = 48 * time.Hour

	fieldFailures    = "failures"
	fieldLockouts    = "lockouts"
	fieldLockedUntil = "locked_until"
	fieldLastAttempt = "last_attempt_at"
	fieldVersion     = "version"
)

// AttemptRepository stores attempt records as Redis hashes. Saves run inside
// WATCH/MULTI so a concurrent writer turns into repository.ErrVersionConflict.
type AttemptRepository struct {
	client *red.Client
	prefix string
	ttl    time.Duration
}

var _ port.AttemptRepository = (*AttemptRepository)(nil)

// NewAttemptRepository constructs an attempt repository. Records expire after ttl
// without writes; ttl must exceed the longest lockout.
func NewAttemptRepository(client *red.Client, keyPrefix string, ttl time.Duration) *AttemptRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultAttemptPrefix
	}
	if ttl <= 0 {
		ttl = defaultAttemptTTL
	}
	return &AttemptRepository{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the record for key or repository.ErrNotFound.
func (r *AttemptRepository) Get(ctx context.Context, key string) (*domain.AttemptRecord, error) {
	return r.read(ctx, r.client, key)
}

// Save writes record when the stored version equals expectedVersion.
func (r *AttemptRepository) Save(ctx context.Context, record domain.AttemptRecord, expectedVersion int64) error {
	if record.Key == "" {
		return fmt.Errorf("attempt key is required")
	}
	storageKey := r.key(record.Key)

	txf := func(tx *red.Tx) error {
		current, err := r.read(ctx, tx, record.Key)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			if expectedVersion != 0 {
				return repository.ErrVersionConflict
			}
		case err != nil:
			return err
		case current.Version != expectedVersion:
			return repository.ErrVersionConflict
		}

		lockedUntil := int64(0)
		if record.LockedUntil != nil {
			lockedUntil = record.LockedUntil.UnixMilli()
		}

		_, err = tx.TxPipelined(ctx, func(pipe red.Pipeliner) error {
			pipe.HSet(ctx, storageKey, map[string]any{
				fieldFailures:    record.FailureCount,
				fieldLockouts:    record.LockoutCount,
				fieldLockedUntil: lockedUntil,
				fieldLastAttempt: record.LastAttemptAt.UnixMilli(),
				fieldVersion:     expectedVersion + 1,
			})
			pipe.Expire(ctx, storageKey, r.ttl)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, storageKey)
	if errors.Is(err, red.TxFailedErr) {
		return repository.ErrVersionConflict
	}
	if err != nil && !errors.Is(err, repository.ErrVersionConflict) {
		return fmt.Errorf("redis save attempt record: %w", err)
	}
	return err
}

func (r *AttemptRepository) read(ctx context.Context, c hashReader, key string) (*domain.AttemptRecord, error) {
	values, err := c.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall attempt record: %w", err)
	}
	if len(values) == 0 {
		return nil, repository.ErrNotFound
	}

	ints := make(map[string]int64, 5)
	for _, field := range []string{fieldFailures, fieldLockouts, fieldLockedUntil, fieldLastAttempt, fieldVersion} {
		v, err := strconv.ParseInt(values[field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse attempt field %s: %w", field, err)
		}
		ints[field] = v
	}

	record := &domain.AttemptRecord{
		Key:           key,
		FailureCount:  int(ints[fieldFailures]),
		LockoutCount:  int(ints[fieldLockouts]),
		LastAttemptAt: time.UnixMilli(ints[fieldLastAttempt]).UTC(),
		Version:       ints[fieldVersion],
	}
	if ms := ints[fieldLockedUntil]; ms > 0 {
		until := time.UnixMilli(ms).UTC()
		record.LockedUntil = &until
	}
	return record, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *red.MapStringStringCmd
}

func (r *AttemptRepository) key(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

// ReplayGuard claims (user, TOTP step) pairs with SET NX so an accepted code
// cannot be accepted again inside its validity window.
type ReplayGuard struct {
	client *red.Client
	prefix string
}

var _ port.ReplayGuard = (*ReplayGuard)(nil)

// NewReplayGuard constructs a Redis-backed replay guard.
func NewReplayGuard(client *red.Client, keyPrefix string) *ReplayGuard {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = "iam:2fa:totp_step"
	}
	return &ReplayGuard{client: client, prefix: prefix}
}

// Claim reports whether the step was unclaimed and claims it.
func (g *ReplayGuard) Claim(ctx context.Context, userID string, step int64, ttl time.Duration) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be positive")
	}

	key := fmt.Sprintf("%s:%s:%d", g.prefix, userID, step)
	ok, err := g.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx totp step: %w", err)
	}
	return ok, nil
}
