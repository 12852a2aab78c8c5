package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/repository"
)

func TestBackupCodeRepository_GetDecodesCodes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewBackupCodeRepository(mock)
	generated := time.Now().UTC()
	payload := []byte(`[{"hash":"aa"},{"hash":"bb","used_at":"2025-01-01T00:00:00Z"}]`)

	rows := pgxmock.NewRows([]string{"user_id", "codes", "generated_at", "version"}).
		AddRow("user-1", payload, generated, int64(5))
	mock.ExpectQuery(`SELECT .*FROM iam\.two_factor_backup_codes`).WithArgs("user-1").WillReturnRows(rows)

	set, err := repo.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(set.Codes) != 2 {
		t.Fatalf("expected 2 codes, got %d", len(set.Codes))
	}
	if set.Remaining() != 1 {
		t.Fatalf("expected 1 remaining code, got %d", set.Remaining())
	}
	if set.Version != 5 {
		t.Fatalf("expected version 5, got %d", set.Version)
	}
}

func TestBackupCodeRepository_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewBackupCodeRepository(mock)
	mock.ExpectQuery(`SELECT .*FROM iam\.two_factor_backup_codes`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "codes", "generated_at", "version"}))

	if _, err := repo.Get(context.Background(), "user-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBackupCodeRepository_SaveUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewBackupCodeRepository(mock)
	set := domain.BackupCodeSet{
		UserID:      "user-1",
		Codes:       []domain.BackupCode{{Hash: "aa"}},
		GeneratedAt: time.Now().UTC(),
	}

	mock.ExpectExec(`UPDATE iam\.two_factor_backup_codes SET .* WHERE user_id = \$4 AND version = \$5`).
		WithArgs(pgxmock.AnyArg(), set.GeneratedAt, int64(3), "user-1", int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.Save(context.Background(), set, 2); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBackupCodeRepository_DeleteStaleVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewBackupCodeRepository(mock)
	mock.ExpectExec(`DELETE FROM iam\.two_factor_backup_codes WHERE user_id = \$1 AND version = \$2`).
		WithArgs("user-1", int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := repo.Delete(context.Background(), "user-1", 7); !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestCredentialRepository_GetPasswordHash(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewCredentialRepository(mock)
	mock.ExpectQuery(`SELECT password_hash FROM iam\.users`).
		WithArgs("user-1", "disabled").
		WillReturnRows(pgxmock.NewRows([]string{"password_hash"}).AddRow("argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA"))

	hash, err := repo.GetPasswordHash(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetPasswordHash returned error: %v", err)
	}
	if hash == "" {
		t.Fatal("expected password hash")
	}

	mock.ExpectQuery(`SELECT password_hash FROM iam\.users`).
		WithArgs("ghost", "disabled").
		WillReturnRows(pgxmock.NewRows([]string{"password_hash"}))
	if _, err := repo.GetPasswordHash(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
