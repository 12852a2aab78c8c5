package domain

import (
	"errors"
	"fmt"
	"time"
)

// TwoFactorState enumerates the enrollment lifecycle of a user's second factor.
type TwoFactorState string

const (
	TwoFactorStateNotEnrolled         TwoFactorState = "not_enrolled"
	TwoFactorStatePendingVerification TwoFactorState = "pending_verification"
	TwoFactorStateEnabled             TwoFactorState = "enabled"
	TwoFactorStateDisabled            TwoFactorState = "disabled"
)

var (
	// ErrInvalidTransition indicates a state change outside the allowed transition table.
	ErrInvalidTransition = errors.New("two-factor: invalid state transition")
	// ErrTwoFactorAlreadyEnabled indicates enrollment was requested while the factor is active.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor: already enabled")
	// ErrSecretInvariant indicates the secret presence does not match the state.
	ErrSecretInvariant = errors.New("two-factor: secret must be set exactly when enrolled")
)

var allowedTransitions = map[TwoFactorState]TwoFactorState{
	TwoFactorStateNotEnrolled:         TwoFactorStatePendingVerification,
	TwoFactorStatePendingVerification: TwoFactorStateEnabled,
	TwoFactorStateEnabled:             TwoFactorStateDisabled,
	TwoFactorStateDisabled:            TwoFactorStatePendingVerification,
}

// Valid reports whether the state is one of the known values.
func (s TwoFactorState) Valid() bool {
	switch s {
	case TwoFactorStateNotEnrolled, TwoFactorStatePendingVerification, TwoFactorStateEnabled, TwoFactorStateDisabled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s TwoFactorState) CanTransitionTo(next TwoFactorState) bool {
	target, ok := allowedTransitions[s]
	return ok && target == next
}

// TwoFactorSecret is the per-user TOTP enrollment record.
type TwoFactorSecret struct {
	UserID          string
	Secret          string
	State           TwoFactorState
	PendingAttempts int
	EnrolledAt      *time.Time
	ConfirmedAt     *time.Time
	DisabledAt      *time.Time
	UpdatedAt       time.Time
	Version         int64
}

// NewTwoFactorSecret returns the implicit record of a user that never enrolled.
func NewTwoFactorSecret(userID string) *TwoFactorSecret {
	return &TwoFactorSecret{UserID: userID, State: TwoFactorStateNotEnrolled}
}

// Validate checks the record invariants.
func (t *TwoFactorSecret) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("two-factor: user id is required")
	}
	if !t.State.Valid() {
		return fmt.Errorf("two-factor: unknown state %q", t.State)
	}
	hasSecret := t.Secret != ""
	if hasSecret != (t.State != TwoFactorStateNotEnrolled) {
		return ErrSecretInvariant
	}
	return nil
}

// IsEnabled reports whether the factor is active for verification.
func (t *TwoFactorSecret) IsEnabled() bool {
	return t != nil && t.State == TwoFactorStateEnabled && t.Secret != ""
}

// Begin starts (or restarts) enrollment with a freshly generated secret.
// A pending record keeps its state but the previous secret is discarded.
func (t *TwoFactorSecret) Begin(secret string, at time.Time) error {
	if secret == "" {
		return fmt.Errorf("two-factor: secret is required")
	}

	switch t.State {
	case TwoFactorStateEnabled:
		return ErrTwoFactorAlreadyEnabled
	case TwoFactorStatePendingVerification:
	default:
		if err := t.transition(TwoFactorStatePendingVerification); err != nil {
			return err
		}
	}

	ts := at.UTC()
	t.Secret = secret
	t.PendingAttempts = 0
	t.EnrolledAt = &ts
	t.ConfirmedAt = nil
	t.DisabledAt = nil
	t.UpdatedAt = ts
	return nil
}

// Confirm promotes a pending record to enabled.
func (t *TwoFactorSecret) Confirm(at time.Time) error {
	if err := t.transition(TwoFactorStateEnabled); err != nil {
		return err
	}
	ts := at.UTC()
	t.PendingAttempts = 0
	t.ConfirmedAt = &ts
	t.UpdatedAt = ts
	return nil
}

// Disable moves an enabled record to disabled.
func (t *TwoFactorSecret) Disable(at time.Time) error {
	if err := t.transition(TwoFactorStateDisabled); err != nil {
		return err
	}
	ts := at.UTC()
	t.DisabledAt = &ts
	t.UpdatedAt = ts
	return nil
}

// RecordPendingFailure counts a failed confirmation against the pending secret.
func (t *TwoFactorSecret) RecordPendingFailure(at time.Time) {
	t.PendingAttempts++
	t.UpdatedAt = at.UTC()
}

// PendingExpired reports whether the pending secret is older than ttl.
func (t *TwoFactorSecret) PendingExpired(now time.Time, ttl time.Duration) bool {
	if t.State != TwoFactorStatePendingVerification || ttl <= 0 || t.EnrolledAt == nil {
		return false
	}
	return !now.Before(t.EnrolledAt.Add(ttl))
}

func (t *TwoFactorSecret) transition(next TwoFactorState) error {
	if !t.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
	}
	t.State = next
	return nil
}
