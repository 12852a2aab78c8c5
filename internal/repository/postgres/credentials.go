package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/repository"
)

// CredentialRepository reads password hashes from the account service's users table.
type CredentialRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

var _ port.CredentialRepository = (*CredentialRepository)(nil)

// NewCredentialRepository constructs the repository from a generic executor.
func NewCredentialRepository(exec pgExecutor) *CredentialRepository {
	return &CredentialRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetPasswordHash returns the encoded hash of an active user.
func (r *CredentialRepository) GetPasswordHash(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	stmt, args, err := r.builder.
		Select("password_hash").
		From("iam.users").
		Where(squirrel.Eq{"id": userID}).
		Where(squirrel.NotEq{"status": "disabled"}).
		Limit(1).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build select password hash sql: %w", err)
	}

	var hash sql.NullString
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("scan password hash: %w", err)
	}
	if !hash.Valid || hash.String == "" {
		return "", repository.ErrNotFound
	}
	return hash.String, nil
}
