package port

import (
	"context"

	"github.com/arklim/iam-twofactor/internal/core/domain"
)

// TwoFactorSecretRepository persists enrollment records with optimistic concurrency.
// Save stores the record when the persisted version equals expectedVersion
// (0 creates a new record) and fails with repository.ErrVersionConflict otherwise.
// After a successful save the persisted version is expectedVersion+1.
type TwoFactorSecretRepository interface {
	Get(ctx context.Context, userID string) (*domain.TwoFactorSecret, error)
	Save(ctx context.Context, secret domain.TwoFactorSecret, expectedVersion int64) error
}

// BackupCodeRepository persists backup code sets with the same versioning contract.
type BackupCodeRepository interface {
	Get(ctx context.Context, userID string) (*domain.BackupCodeSet, error)
	Save(ctx context.Context, set domain.BackupCodeSet, expectedVersion int64) error
	Delete(ctx context.Context, userID string, expectedVersion int64) error
}

// TwoFactorDisabler stores a disabled record and drops the user's backup codes
// as one unit. The record follows the Save versioning contract.
type TwoFactorDisabler interface {
	DisableAndPurge(ctx context.Context, secret domain.TwoFactorSecret, expectedVersion int64) error
}
