package domain

import "time"

// CodeKind identifies the factor presented to the verification gate.
type CodeKind string

const (
	CodeKindTOTP   CodeKind = "totp"
	CodeKindBackup CodeKind = "backup"
)

// Valid reports whether the kind is supported.
func (k CodeKind) Valid() bool {
	return k == CodeKindTOTP || k == CodeKindBackup
}

// VerificationOutcome is the verdict of a gate check.
type VerificationOutcome string

const (
	VerificationVerified VerificationOutcome = "verified"
	VerificationRejected VerificationOutcome = "rejected"
	VerificationLocked   VerificationOutcome = "locked"
)

// VerificationResult is returned by the verification gate. It never carries
// which check rejected the code.
type VerificationResult struct {
	Outcome           VerificationOutcome
	Kind              CodeKind
	RetryAfter        time.Duration
	RemainingAttempts int
	VerifiedAt        *time.Time
}

// ReauthProof carries a freshly supplied credential for sensitive changes.
type ReauthProof struct {
	Password        string
	AuthenticatedAt *time.Time
}

// Empty reports whether no proof was supplied.
func (p ReauthProof) Empty() bool {
	return p.Password == "" && p.AuthenticatedAt == nil
}

// TwoFactorStatus summarizes a user's second factor for display.
type TwoFactorStatus struct {
	UserID               string
	State                TwoFactorState
	Enabled              bool
	ConfirmedAt          *time.Time
	BackupCodesRemaining int
	Methods              map[CodeKind]bool
}
