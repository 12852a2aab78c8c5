package memory

import (
	"context"
	"time"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
)

// SecretRepository stores enrollment records in memory.
type SecretRepository struct {
	store *versioned[domain.TwoFactorSecret]
}

var _ port.TwoFactorSecretRepository = (*SecretRepository)(nil)

// NewSecretRepository constructs an empty SecretRepository.
func NewSecretRepository() *SecretRepository {
	return &SecretRepository{store: newVersioned(cloneSecret)}
}

// Get returns the record for userID.
func (r *SecretRepository) Get(_ context.Context, userID string) (*domain.TwoFactorSecret, error) {
	secret, version, err := r.store.get(userID)
	if err != nil {
		return nil, err
	}
	secret.Version = version
	return &secret, nil
}

// Save stores secret when the stored version equals expectedVersion.
func (r *SecretRepository) Save(_ context.Context, secret domain.TwoFactorSecret, expectedVersion int64) error {
	secret.Version = expectedVersion + 1
	return r.store.save(secret.UserID, secret, expectedVersion)
}

func cloneSecret(s domain.TwoFactorSecret) domain.TwoFactorSecret {
	s.EnrolledAt = cloneTime(s.EnrolledAt)
	s.ConfirmedAt = cloneTime(s.ConfirmedAt)
	s.DisabledAt = cloneTime(s.DisabledAt)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// BackupCodeRepository stores backup code sets in memory.
type BackupCodeRepository struct {
	store *versioned[domain.BackupCodeSet]
}

var _ port.BackupCodeRepository = (*BackupCodeRepository)(nil)

// NewBackupCodeRepository constructs an empty BackupCodeRepository.
func NewBackupCodeRepository() *BackupCodeRepository {
	return &BackupCodeRepository{store: newVersioned(func(s domain.BackupCodeSet) domain.BackupCodeSet {
		return *s.Clone()
	})}
}

// Get returns the set for userID.
func (r *BackupCodeRepository) Get(_ context.Context, userID string) (*domain.BackupCodeSet, error) {
	set, version, err := r.store.get(userID)
	if err != nil {
		return nil, err
	}
	set.Version = version
	return &set, nil
}

// Save replaces the set when the stored version equals expectedVersion.
func (r *BackupCodeRepository) Save(_ context.Context, set domain.BackupCodeSet, expectedVersion int64) error {
	set.Version = expectedVersion + 1
	return r.store.save(set.UserID, set, expectedVersion)
}

// Delete removes the set when the stored version equals expectedVersion.
func (r *BackupCodeRepository) Delete(_ context.Context, userID string, expectedVersion int64) error {
	return r.store.delete(userID, expectedVersion)
}
