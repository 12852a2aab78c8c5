package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IAM_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("IAM_SECURITY_BACKUP_CODE_PEPPER", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("p", 32))))
	t.Setenv("IAM_SECURITY_SECRET_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.TOTP.Period != 30 || cfg.TOTP.Skew != 1 || cfg.TOTP.SecretSize != 20 {
		t.Fatalf("unexpected totp defaults %+v", cfg.TOTP)
	}
	if cfg.Lockout.Threshold != 5 || cfg.Lockout.Duration != 15*time.Minute || cfg.Lockout.MaxDuration != 24*time.Hour {
		t.Fatalf("unexpected lockout defaults %+v", cfg.Lockout)
	}
	if cfg.LoginLockout.Threshold != 20 || cfg.LoginLockout.Duration != time.Hour {
		t.Fatalf("unexpected login lockout defaults %+v", cfg.LoginLockout)
	}
	if cfg.Enrollment.PendingTTL != 15*time.Minute || cfg.Enrollment.MaxConfirmAttempts != 5 {
		t.Fatalf("unexpected enrollment defaults %+v", cfg.Enrollment)
	}
	if cfg.BackupCodes.Count != 10 || cfg.BackupCodes.Length != 8 {
		t.Fatalf("unexpected backup code defaults %+v", cfg.BackupCodes)
	}
	if cfg.Storage.RecordsDriver != StorageDriverPostgres || cfg.Storage.AttemptsDriver != StorageDriverRedis {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IAM_LOCKOUT_THRESHOLD", "3")
	t.Setenv("IAM_ENROLLMENT_PENDING_TTL", "5m")
	t.Setenv("IAM_STORAGE_RECORDS_DRIVER", "memory")
	t.Setenv("IAM_STORAGE_ATTEMPTS_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Lockout.Threshold != 3 {
		t.Fatalf("expected threshold override, got %d", cfg.Lockout.Threshold)
	}
	if cfg.Enrollment.PendingTTL != 5*time.Minute {
		t.Fatalf("expected pending ttl override, got %s", cfg.Enrollment.PendingTTL)
	}
	if cfg.Storage.RecordsDriver != StorageDriverMemory {
		t.Fatalf("expected memory driver, got %s", cfg.Storage.RecordsDriver)
	}
}

func TestLoadRejectsWideTOTPSkew(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IAM_TOTP_SKEW", "2")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for skew above one step")
	}
}

func TestLoadRequiresKeyMaterial(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IAM_SECURITY_BACKUP_CODE_PEPPER", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing pepper")
	}
}

func TestLoadRejectsUncappedLockout(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IAM_LOCKOUT_MAX_DURATION", "0s")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for lockout without a cap")
	}
}

func TestLoadRequiresAttemptTTLAboveMaxLockout(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IAM_REDIS_ATTEMPT_TTL", "12h")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "redis.attempt_ttl") {
		t.Fatalf("expected attempt ttl error, got %v", err)
	}

	t.Setenv("IAM_STORAGE_ATTEMPTS_DRIVER", "memory")
	if _, err := Load(); err != nil {
		t.Fatalf("memory attempts have no ttl, got %v", err)
	}
}
