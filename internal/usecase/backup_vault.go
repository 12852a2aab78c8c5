package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/infra/security"
	"github.com/arklim/iam-twofactor/internal/repository"
)

// BackupCodeVault issues and consumes single-use recovery codes. Only hashes
// are persisted; plaintexts leave the vault once, from Generate.
type BackupCodeVault struct {
	repo      port.BackupCodeRepository
	generator *security.BackupCodeGenerator
	hasher    *security.BackupCodeHasher
	retries   int
	logger    *zap.Logger
	now       func() time.Time
}

// NewBackupCodeVault constructs a BackupCodeVault.
func NewBackupCodeVault(repo port.BackupCodeRepository, generator *security.BackupCodeGenerator, hasher *security.BackupCodeHasher, logger *zap.Logger) *BackupCodeVault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackupCodeVault{
		repo:      repo,
		generator: generator,
		hasher:    hasher,
		retries:   defaultConflictRetries,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock allows tests to override the clock used by the vault.
func (v *BackupCodeVault) WithClock(clock func() time.Time) *BackupCodeVault {
	if clock != nil {
		v.now = clock
	}
	return v
}

// WithConflictRetries sets how many times a lost write race is retried.
func (v *BackupCodeVault) WithConflictRetries(n int) *BackupCodeVault {
	if n >= 0 {
		v.retries = n
	}
	return v
}

// ValidateFormat checks the code could be a backup code without touching storage.
func (v *BackupCodeVault) ValidateFormat(code string) error {
	if err := v.generator.Validate(code); err != nil {
		return ErrInvalidFormat
	}
	return nil
}

// Generate replaces the user's whole set with fresh codes and returns the plaintexts.
func (v *BackupCodeVault) Generate(ctx context.Context, userID string) ([]string, error) {
	if v.repo == nil || v.generator == nil || v.hasher == nil {
		return nil, ErrTwoFactorUnavailable
	}

	plain, err := v.generator.Generate()
	if err != nil {
		return nil, err
	}

	codes := make([]domain.BackupCode, 0, len(plain))
	for _, code := range plain {
		hash, err := v.hasher.Hash(code)
		if err != nil {
			return nil, err
		}
		codes = append(codes, domain.BackupCode{Hash: hash})
	}

	for attempt := 0; attempt <= v.retries; attempt++ {
		expected, err := v.currentVersion(ctx, userID)
		if err != nil {
			return nil, err
		}

		set := domain.BackupCodeSet{
			UserID:      userID,
			Codes:       codes,
			GeneratedAt: v.now().UTC(),
		}
		err = v.repo.Save(ctx, set, expected)
		if err == nil {
			return plain, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("save backup codes: %w", err)
		}
	}
	return nil, fmt.Errorf("save backup codes: %w", ErrVersionConflict)
}

// Consume marks one unused code matching the submission as used. Concurrent
// consumers of the same code race on the set version; exactly one wins.
func (v *BackupCodeVault) Consume(ctx context.Context, userID, code string) (bool, int, error) {
	if v.repo == nil || v.hasher == nil {
		return false, 0, ErrTwoFactorUnavailable
	}

	hash, err := v.hasher.Hash(code)
	if err != nil {
		return false, 0, err
	}

	for attempt := 0; attempt <= v.retries; attempt++ {
		set, err := v.repo.Get(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return false, 0, nil
			}
			return false, 0, fmt.Errorf("load backup codes: %w", err)
		}

		expected := set.Version
		if !set.MarkUsed(hash, v.now()) {
			return false, set.Remaining(), nil
		}

		err = v.repo.Save(ctx, *set, expected)
		if err == nil {
			return true, set.Remaining(), nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return false, 0, fmt.Errorf("save backup codes: %w", err)
		}
		v.logger.Debug("backup code set changed during consume, retrying", zap.String("user_id", userID))
	}
	return false, 0, fmt.Errorf("consume backup code: %w", ErrVersionConflict)
}

// Remaining returns the number of unused codes.
func (v *BackupCodeVault) Remaining(ctx context.Context, userID string) (int, error) {
	set, err := v.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load backup codes: %w", err)
	}
	return set.Remaining(), nil
}

// Purge removes every code for the user.
func (v *BackupCodeVault) Purge(ctx context.Context, userID string) error {
	for attempt := 0; attempt <= v.retries; attempt++ {
		expected, err := v.currentVersion(ctx, userID)
		if err != nil {
			return err
		}
		if expected == 0 {
			return nil
		}

		err = v.repo.Delete(ctx, userID, expected)
		if err == nil || errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("delete backup codes: %w", err)
		}
	}
	return fmt.Errorf("delete backup codes: %w", ErrVersionConflict)
}

func (v *BackupCodeVault) currentVersion(ctx context.Context, userID string) (int64, error) {
	set, err := v.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load backup codes: %w", err)
	}
	return set.Version, nil
}
