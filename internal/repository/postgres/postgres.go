package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
)

// pgExecutor is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txBeginner is satisfied by *pgxpool.Pool and pgxmock pools.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SecretSealer encrypts TOTP secrets at rest; security.SecretBox implements it.
type SecretSealer interface {
	Seal(plaintext, userID string) (string, error)
	Open(encoded, userID string) (string, error)
}

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Secrets     *TwoFactorSecretRepository
	BackupCodes *BackupCodeRepository
	Credentials *CredentialRepository
	Disabler    *TwoFactorDisabler
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool, sealer SecretSealer) *Repositories {
	secrets := NewTwoFactorSecretRepository(pool, sealer)
	codes := NewBackupCodeRepository(pool)
	return &Repositories{
		Secrets:     secrets,
		BackupCodes: codes,
		Credentials: NewCredentialRepository(pool),
		Disabler:    NewTwoFactorDisabler(pool, secrets, codes),
	}
}

// TwoFactorDisabler writes the disabled record and deletes the backup codes in
// one transaction.
type TwoFactorDisabler struct {
	db      txBeginner
	secrets *TwoFactorSecretRepository
	codes   *BackupCodeRepository
}

var _ port.TwoFactorDisabler = (*TwoFactorDisabler)(nil)

// NewTwoFactorDisabler constructs a disabler over the given repositories.
func NewTwoFactorDisabler(db txBeginner, secrets *TwoFactorSecretRepository, codes *BackupCodeRepository) *TwoFactorDisabler {
	return &TwoFactorDisabler{db: db, secrets: secrets, codes: codes}
}

// DisableAndPurge saves secret with the versioned update and purges the code set.
// Nothing is written when either statement fails.
func (d *TwoFactorDisabler) DisableAndPurge(ctx context.Context, secret domain.TwoFactorSecret, expectedVersion int64) (err error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin disable tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = d.secrets.WithTx(tx).Save(ctx, secret, expectedVersion); err != nil {
		return err
	}
	if err = d.codes.WithTx(tx).Purge(ctx, secret.UserID); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit disable tx: %w", err)
	}
	return nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
