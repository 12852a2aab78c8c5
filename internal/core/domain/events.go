package domain

import "time"

// TwoFactorEnabledEvent represents the payload for iam.2fa.enabled messages.
type TwoFactorEnabledEvent struct {
	EventID          string
	UserID           string
	EnabledAt        time.Time
	BackupCodesIssue int
	Metadata         map[string]any
}

// TwoFactorDisabledEvent represents the payload for iam.2fa.disabled messages.
type TwoFactorDisabledEvent struct {
	EventID    string
	UserID     string
	DisabledAt time.Time
	DisabledBy string
	Reason     string
	Metadata   map[string]any
}

// BackupCodesRegeneratedEvent represents the payload for iam.2fa.backup_codes.regenerated messages.
type BackupCodesRegeneratedEvent struct {
	EventID       string
	UserID        string
	RegeneratedAt time.Time
	CodesIssued   int
	Metadata      map[string]any
}

// BackupCodeUsedEvent represents the payload for iam.2fa.backup_code.used messages.
type BackupCodeUsedEvent struct {
	EventID   string
	UserID    string
	UsedAt    time.Time
	Remaining int
	Metadata  map[string]any
}

// TwoFactorLockoutEvent represents the payload for iam.2fa.lockout messages.
type TwoFactorLockoutEvent struct {
	EventID      string
	UserID       string
	Scope        string
	LockedAt     time.Time
	LockedUntil  time.Time
	LockoutCount int
	Metadata     map[string]any
}
