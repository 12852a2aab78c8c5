package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/arklim/iam-twofactor/internal/repository"
)

var (
	// ErrInvalidFormat indicates the submitted code cannot be a TOTP or backup code.
	ErrInvalidFormat = errors.New("two-factor code has an invalid format")
	// ErrNotEnrolled indicates the user has no enabled second factor.
	ErrNotEnrolled = errors.New("two-factor authentication is not enabled")
	// ErrAlreadyEnabled indicates enrollment was requested while a factor is active.
	ErrAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	// ErrReauthRequired indicates a sensitive change lacked a valid fresh credential.
	ErrReauthRequired = errors.New("re-authentication required")
	// ErrInvalidCode indicates an authenticated-context code check failed.
	ErrInvalidCode = errors.New("two-factor code is invalid")
	// ErrEnrollmentNotPending indicates confirmation without a pending enrollment.
	ErrEnrollmentNotPending = errors.New("no pending two-factor enrollment")
	// ErrEnrollmentExpired indicates the pending secret outlived its confirmation window.
	ErrEnrollmentExpired = errors.New("pending two-factor enrollment expired")
	// ErrEnrollmentAttemptsExceeded indicates the pending secret accepted too many wrong codes.
	ErrEnrollmentAttemptsExceeded = errors.New("too many confirmation attempts, restart enrollment")
	// ErrTwoFactorUnavailable indicates a required collaborator is not configured.
	ErrTwoFactorUnavailable = errors.New("two-factor service unavailable")
	// ErrVersionConflict is returned when a write lost a race it could not retry.
	ErrVersionConflict = repository.ErrVersionConflict
)

// LockedError reports an authenticated-context check refused by the attempt tracker.
type LockedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s locked, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}
