package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/repository"
)

const twoFactorSecretsTable = "iam.two_factor_secrets"

// TwoFactorSecretRepository persists enrollment records. Secrets are sealed
// before they reach the database.
type TwoFactorSecretRepository struct {
	exec    pgExecutor
	sealer  SecretSealer
	builder squirrel.StatementBuilderType
}

var _ port.TwoFactorSecretRepository = (*TwoFactorSecretRepository)(nil)

// NewTwoFactorSecretRepository constructs the repository from a generic executor.
func NewTwoFactorSecretRepository(exec pgExecutor, sealer SecretSealer) *TwoFactorSecretRepository {
	return &TwoFactorSecretRepository{
		exec:    exec,
		sealer:  sealer,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx binds the repository to execute statements within the supplied transaction.
func (r *TwoFactorSecretRepository) WithTx(tx pgx.Tx) *TwoFactorSecretRepository {
	if tx == nil {
		return r
	}
	return &TwoFactorSecretRepository{exec: tx, sealer: r.sealer, builder: r.builder}
}

// Get loads the enrollment record for userID.
func (r *TwoFactorSecretRepository) Get(ctx context.Context, userID string) (*domain.TwoFactorSecret, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	stmt, args, err := r.builder.
		Select(
			"user_id",
			"secret_ciphertext",
			"state",
			"pending_attempts",
			"enrolled_at",
			"confirmed_at",
			"disabled_at",
			"updated_at",
			"version",
		).
		From(twoFactorSecretsTable).
		Where(squirrel.Eq{"user_id": userID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select two-factor secret sql: %w", err)
	}

	var (
		record      domain.TwoFactorSecret
		ciphertext  sql.NullString
		state       string
		enrolledAt  sql.NullTime
		confirmedAt sql.NullTime
		disabledAt  sql.NullTime
	)
	err = r.exec.QueryRow(ctx, stmt, args...).Scan(
		&record.UserID,
		&ciphertext,
		&state,
		&record.PendingAttempts,
		&enrolledAt,
		&confirmedAt,
		&disabledAt,
		&record.UpdatedAt,
		&record.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan two-factor secret: %w", err)
	}

	record.State = domain.TwoFactorState(state)
	record.EnrolledAt = nullTimePtr(enrolledAt)
	record.ConfirmedAt = nullTimePtr(confirmedAt)
	record.DisabledAt = nullTimePtr(disabledAt)

	if ciphertext.Valid && ciphertext.String != "" {
		plain, err := r.sealer.Open(ciphertext.String, record.UserID)
		if err != nil {
			return nil, fmt.Errorf("open two-factor secret: %w", err)
		}
		record.Secret = plain
	}

	return &record, nil
}

// Save inserts (expectedVersion 0) or conditionally updates the record.
func (r *TwoFactorSecretRepository) Save(ctx context.Context, secret domain.TwoFactorSecret, expectedVersion int64) error {
	if err := secret.Validate(); err != nil {
		return err
	}

	var ciphertext any
	if secret.Secret != "" {
		sealed, err := r.sealer.Seal(secret.Secret, secret.UserID)
		if err != nil {
			return fmt.Errorf("seal two-factor secret: %w", err)
		}
		ciphertext = sealed
	}

	var (
		stmt string
		args []any
		err  error
	)
	if expectedVersion == 0 {
		stmt, args, err = r.builder.
			Insert(twoFactorSecretsTable).
			Columns(
				"user_id",
				"secret_ciphertext",
				"state",
				"pending_attempts",
				"enrolled_at",
				"confirmed_at",
				"disabled_at",
				"updated_at",
				"version",
			).
			Values(
				secret.UserID,
				ciphertext,
				string(secret.State),
				secret.PendingAttempts,
				secret.EnrolledAt,
				secret.ConfirmedAt,
				secret.DisabledAt,
				secret.UpdatedAt,
				int64(1),
			).
			Suffix("ON CONFLICT (user_id) DO NOTHING").
			ToSql()
	} else {
		stmt, args, err = r.builder.
			Update(twoFactorSecretsTable).
			Set("secret_ciphertext", ciphertext).
			Set("state", string(secret.State)).
			Set("pending_attempts", secret.PendingAttempts).
			Set("enrolled_at", secret.EnrolledAt).
			Set("confirmed_at", secret.ConfirmedAt).
			Set("disabled_at", secret.DisabledAt).
			Set("updated_at", secret.UpdatedAt).
			Set("version", expectedVersion+1).
			Where(squirrel.Eq{"user_id": secret.UserID, "version": expectedVersion}).
			ToSql()
	}
	if err != nil {
		return fmt.Errorf("build save two-factor secret sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("save two-factor secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}
