package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/repository"
)

const backupCodesTable = "iam.two_factor_backup_codes"

// BackupCodeRepository stores each user's code set as one JSONB row so that a
// consume or regenerate is a single versioned write.
type BackupCodeRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

var _ port.BackupCodeRepository = (*BackupCodeRepository)(nil)

// NewBackupCodeRepository constructs the repository from a generic executor.
func NewBackupCodeRepository(exec pgExecutor) *BackupCodeRepository {
	return &BackupCodeRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx binds the repository to execute statements within the supplied transaction.
func (r *BackupCodeRepository) WithTx(tx pgx.Tx) *BackupCodeRepository {
	if tx == nil {
		return r
	}
	return &BackupCodeRepository{exec: tx, builder: r.builder}
}

// Get loads the code set for userID.
func (r *BackupCodeRepository) Get(ctx context.Context, userID string) (*domain.BackupCodeSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	stmt, args, err := r.builder.
		Select("user_id", "codes", "generated_at", "version").
		From(backupCodesTable).
		Where(squirrel.Eq{"user_id": userID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select backup codes sql: %w", err)
	}

	var (
		set   domain.BackupCodeSet
		codes []byte
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&set.UserID, &codes, &set.GeneratedAt, &set.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan backup codes: %w", err)
	}

	if err := json.Unmarshal(codes, &set.Codes); err != nil {
		return nil, fmt.Errorf("decode backup codes: %w", err)
	}
	return &set, nil
}

// Save inserts (expectedVersion 0) or conditionally replaces the set.
func (r *BackupCodeRepository) Save(ctx context.Context, set domain.BackupCodeSet, expectedVersion int64) error {
	if strings.TrimSpace(set.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	codes, err := json.Marshal(set.Codes)
	if err != nil {
		return fmt.Errorf("encode backup codes: %w", err)
	}

	var (
		stmt string
		args []any
	)
	if expectedVersion == 0 {
		stmt, args, err = r.builder.
			Insert(backupCodesTable).
			Columns("user_id", "codes", "generated_at", "version").
			Values(set.UserID, codes, set.GeneratedAt, int64(1)).
			Suffix("ON CONFLICT (user_id) DO NOTHING").
			ToSql()
	} else {
		stmt, args, err = r.builder.
			Update(backupCodesTable).
			Set("codes", codes).
			Set("generated_at", set.GeneratedAt).
			Set("version", expectedVersion+1).
			Where(squirrel.Eq{"user_id": set.UserID, "version": expectedVersion}).
			ToSql()
	}
	if err != nil {
		return fmt.Errorf("build save backup codes sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("save backup codes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

// Delete removes the set when the stored version equals expectedVersion.
func (r *BackupCodeRepository) Delete(ctx context.Context, userID string, expectedVersion int64) error {
	stmt, args, err := r.builder.
		Delete(backupCodesTable).
		Where(squirrel.Eq{"user_id": userID, "version": expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete backup codes sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

// Purge removes the set regardless of its version.
func (r *BackupCodeRepository) Purge(ctx context.Context, userID string) error {
	stmt, args, err := r.builder.
		Delete(backupCodesTable).
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build purge backup codes sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("purge backup codes: %w", err)
	}
	return nil
}
