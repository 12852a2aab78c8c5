package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arklim/iam-twofactor/internal/core/domain"
)

func TestEnrollmentService_BeginReturnsProvisioningMaterial(t *testing.T) {
	f := newFixture(t)

	start, err := f.enrollment.Begin(context.Background(), "user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if start.Secret == "" {
		t.Fatal("expected secret for manual entry")
	}
	if !strings.HasPrefix(start.ProvisioningURI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning uri %q", start.ProvisioningURI)
	}
	if !strings.Contains(start.ProvisioningURI, "secret="+start.Secret) {
		t.Fatalf("provisioning uri does not carry the secret: %q", start.ProvisioningURI)
	}
	if !strings.HasPrefix(start.QRCode, "data:image/png;base64,") {
		t.Fatalf("unexpected qr code prefix %q", start.QRCode[:min(len(start.QRCode), 30)])
	}
	if !start.ExpiresAt.Equal(f.clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", start.ExpiresAt)
	}

	status, err := f.enrollment.Status(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.State != domain.TwoFactorStatePendingVerification || status.Enabled {
		t.Fatalf("expected pending, not enabled, got %+v", status)
	}
}

func TestEnrollmentService_BeginLogsMaskedAccount(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.InfoLevel)
	svc := NewEnrollmentService(f.secrets, f.vault, f.engine, f.user, f.reauth, f.events, zap.New(core)).
		WithClock(f.clock.Now)

	if _, err := svc.Begin(context.Background(), "user-1", "alice.smith@example.com"); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}

	entries := logs.FilterMessage("two-factor enrollment started").All()
	if len(entries) != 1 {
		t.Fatalf("expected one enrollment log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["account"]; got != "ali***@example.com" {
		t.Fatalf("expected masked account, got %v", got)
	}
}

func TestEnrollmentService_BeginAgainDiscardsFirstSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.enrollment.Begin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	second, err := f.enrollment.Begin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("second Begin returned error: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("expected a fresh secret")
	}

	_, err = f.enrollment.Confirm(ctx, "user-1", f.code(t, first.Secret))
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected code from discarded secret to fail, got %v", err)
	}

	confirmation, err := f.enrollment.Confirm(ctx, "user-1", f.code(t, second.Secret))
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if len(confirmation.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(confirmation.BackupCodes))
	}
	if len(f.events.enabled) != 1 || f.events.enabled[0].BackupCodesIssue != 10 {
		t.Fatalf("expected one enabled event, got %+v", f.events.enabled)
	}
	if f.metrics.enrollments[enrollmentStageConfirmed] != 1 {
		t.Fatalf("expected confirmed metric, got %v", f.metrics.enrollments)
	}
}

func TestEnrollmentService_BeginWhenEnabled(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "user-1")

	if _, err := f.enrollment.Begin(context.Background(), "user-1", ""); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}
}

func TestEnrollmentService_ConfirmGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.enrollment.Confirm(ctx, "user-1", "123456"); !errors.Is(err, ErrEnrollmentNotPending) {
		t.Fatalf("expected ErrEnrollmentNotPending, got %v", err)
	}
	if _, err := f.enrollment.Confirm(ctx, "user-1", "12345"); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}

	start, err := f.enrollment.Begin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	f.clock.Advance(15 * time.Minute)
	if _, err := f.enrollment.Confirm(ctx, "user-1", f.code(t, start.Secret)); !errors.Is(err, ErrEnrollmentExpired) {
		t.Fatalf("expected ErrEnrollmentExpired, got %v", err)
	}
}

func TestEnrollmentService_ConfirmAttemptCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, err := f.enrollment.Begin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	wrong := f.wrongCode(t, start.Secret)
	for i := 0; i < 5; i++ {
		if _, err := f.enrollment.Confirm(ctx, "user-1", wrong); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i+1, err)
		}
	}

	if _, err := f.enrollment.Confirm(ctx, "user-1", f.code(t, start.Secret)); !errors.Is(err, ErrEnrollmentAttemptsExceeded) {
		t.Fatalf("expected ErrEnrollmentAttemptsExceeded, got %v", err)
	}

	// Restarting enrollment resets the cap.
	restart, err := f.enrollment.Begin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if _, err := f.enrollment.Confirm(ctx, "user-1", f.code(t, restart.Secret)); err != nil {
		t.Fatalf("Confirm after restart returned error: %v", err)
	}
}

func TestEnrollmentService_ConfirmingCodeCannotBeReplayedAtLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, err := f.enrollment.Begin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	code := f.code(t, start.Secret)
	if _, err := f.enrollment.Confirm(ctx, "user-1", code); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}

	f.clock.Advance(10 * time.Second)
	res, err := f.gate.Verify(ctx, VerificationInput{UserID: "user-1", ChallengeID: "chal-1", Code: code})
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.Outcome != domain.VerificationRejected {
		t.Fatalf("expected the confirming code to be rejected at login, got %s", res.Outcome)
	}
}

func TestEnrollmentService_ConfirmRejectsClaimedStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, err := f.enrollment.Begin(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	code := f.code(t, start.Secret)
	step, ok, err := f.engine.MatchStep(start.Secret, code, f.clock.Now())
	if err != nil || !ok {
		t.Fatalf("MatchStep: ok=%v err=%v", ok, err)
	}
	if claimed, err := f.replay.Claim(ctx, "user-1", step, f.engine.ReplayWindow()); err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}

	if _, err := f.enrollment.Confirm(ctx, "user-1", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for a claimed step, got %v", err)
	}
	record, err := f.secrets.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.State != domain.TwoFactorStatePendingVerification || record.PendingAttempts != 1 {
		t.Fatalf("replayed step must count as a failed confirmation, got %+v", record)
	}
}

func TestEnrollmentService_DisableRequiresReauth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, codes := f.enroll(t, "user-1")

	if err := f.enrollment.Disable(ctx, "user-1", domain.ReauthProof{}); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired for empty proof, got %v", err)
	}
	if f.reauth.calls != 0 {
		t.Fatalf("empty proof must not reach the verifier, got %d calls", f.reauth.calls)
	}

	f.reauth.ok = false
	if err := f.enrollment.Disable(ctx, "user-1", domain.ReauthProof{Password: "wrong"}); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired for failed reauth, got %v", err)
	}

	status, _ := f.enrollment.Status(ctx, "user-1")
	if !status.Enabled {
		t.Fatal("factor must stay enabled after failed reauth")
	}
	if remaining, err := f.vault.Remaining(ctx, "user-1"); err != nil || remaining != len(codes) {
		t.Fatalf("backup codes must stay intact after failed reauth, got %d (err=%v)", remaining, err)
	}

	f.reauth.ok = true
	if err := f.enrollment.Disable(ctx, "user-1", domain.ReauthProof{Password: "correct"}); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}

	status, err := f.enrollment.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.State != domain.TwoFactorStateDisabled || status.Enabled || status.BackupCodesRemaining != 0 {
		t.Fatalf("unexpected status after disable: %+v", status)
	}
	remaining, _ := f.vault.Remaining(ctx, "user-1")
	if remaining != 0 {
		t.Fatalf("expected backup codes purged, got %d", remaining)
	}
	if len(f.events.disabled) != 1 || f.events.disabled[0].Reason != disableReasonUser || f.events.disabled[0].DisabledBy != "user-1" {
		t.Fatalf("unexpected disabled events %+v", f.events.disabled)
	}

	_, err = f.gate.Verify(ctx, VerificationInput{UserID: "user-1", ChallengeID: "chal-1", Code: "123456"})
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled after disable, got %v", err)
	}

	// Re-enrollment from disabled is allowed.
	f.enroll(t, "user-1")
}

func TestEnrollmentService_DisableLocksAfterRepeatedReauthFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "user-1")

	var err error
	for i := 0; i < 5; i++ {
		err = f.enrollment.Disable(ctx, "user-1", domain.ReauthProof{Password: "wrong"})
	}
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError on fifth failure, got %v", err)
	}
	if locked.Scope != domain.AttemptScopeUser || locked.RetryAfter != 15*time.Minute {
		t.Fatalf("unexpected lock %+v", locked)
	}

	f.reauth.ok = true
	calls := f.reauth.calls
	if err := f.enrollment.Disable(ctx, "user-1", domain.ReauthProof{Password: "correct"}); !errors.As(err, &locked) {
		t.Fatalf("expected LockedError while locked, got %v", err)
	}
	if f.reauth.calls != calls {
		t.Fatal("verifier must not be consulted while locked")
	}
	if len(f.events.lockouts) != 1 || f.events.lockouts[0].Scope != domain.AttemptScopeUser {
		t.Fatalf("expected user lockout event, got %+v", f.events.lockouts)
	}
}

func TestEnrollmentService_RevokeSkipsReauth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "user-1")

	if err := f.enrollment.Revoke(ctx, "user-1", "admin-7", "device lost"); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if f.reauth.calls != 0 {
		t.Fatal("revoke must not call the reauth verifier")
	}
	if len(f.events.disabled) != 1 || f.events.disabled[0].DisabledBy != "admin-7" || f.events.disabled[0].Reason != "device lost" {
		t.Fatalf("unexpected disabled events %+v", f.events.disabled)
	}
	if err := f.enrollment.Revoke(ctx, "user-1", "admin-7", ""); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled on second revoke, got %v", err)
	}
}

func TestEnrollmentService_RegenerateInvalidatesOldCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret, oldCodes := f.enroll(t, "user-1")
	f.clock.Advance(30 * time.Second)

	code := f.code(t, secret)
	newCodes, err := f.enrollment.RegenerateBackupCodes(ctx, "user-1", code)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes returned error: %v", err)
	}
	if len(newCodes) != 10 {
		t.Fatalf("expected 10 new codes, got %d", len(newCodes))
	}
	if len(f.events.regenerated) != 1 {
		t.Fatalf("expected regenerated event, got %+v", f.events.regenerated)
	}

	ok, _, err := f.vault.Consume(ctx, "user-1", oldCodes[0])
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if ok {
		t.Fatal("old backup code must be invalid after regeneration")
	}
	ok, remaining, err := f.vault.Consume(ctx, "user-1", newCodes[0])
	if err != nil || !ok || remaining != 9 {
		t.Fatalf("expected new code accepted with 9 remaining, got ok=%v remaining=%d err=%v", ok, remaining, err)
	}

	// The same TOTP step cannot authorize a second regeneration.
	if _, err := f.enrollment.RegenerateBackupCodes(ctx, "user-1", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for replayed step, got %v", err)
	}
}

func TestEnrollmentService_RegenerateRequiresEnabled(t *testing.T) {
	f := newFixture(t)
	if _, err := f.enrollment.RegenerateBackupCodes(context.Background(), "user-1", "123456"); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled, got %v", err)
	}
}

func TestEnrollmentService_StatusEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.enrollment.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.State != domain.TwoFactorStateNotEnrolled || status.Methods[domain.CodeKindTOTP] {
		t.Fatalf("unexpected status for new user: %+v", status)
	}

	_, codes := f.enroll(t, "user-1")
	if _, _, err := f.vault.Consume(ctx, "user-1", codes[0]); err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}

	status, err = f.enrollment.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !status.Enabled || status.ConfirmedAt == nil {
		t.Fatalf("expected enabled status with confirmation time, got %+v", status)
	}
	if status.BackupCodesRemaining != 9 {
		t.Fatalf("expected 9 remaining codes, got %d", status.BackupCodesRemaining)
	}
	if !status.Methods[domain.CodeKindTOTP] || !status.Methods[domain.CodeKindBackup] {
		t.Fatalf("expected both methods available, got %v", status.Methods)
	}
}

type scriptedDisabler struct {
	f     *fixture
	err   error
	calls int
}

func (d *scriptedDisabler) DisableAndPurge(ctx context.Context, secret domain.TwoFactorSecret, expectedVersion int64) error {
	d.calls++
	if d.err != nil {
		return d.err
	}
	if err := d.f.secrets.Save(ctx, secret, expectedVersion); err != nil {
		return err
	}
	return d.f.vault.Purge(ctx, secret.UserID)
}

func TestEnrollmentService_DisableUsesSingleWriteDisabler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, codes := f.enroll(t, "user-1")

	disabler := &scriptedDisabler{f: f, err: errors.New("tx aborted")}
	f.enrollment.WithDisabler(disabler)
	f.reauth.ok = true

	if err := f.enrollment.Disable(ctx, "user-1", domain.ReauthProof{Password: "correct"}); err == nil {
		t.Fatal("expected disabler error")
	}
	status, err := f.enrollment.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !status.Enabled || status.BackupCodesRemaining != len(codes) {
		t.Fatalf("failed disable must leave the factor untouched, got %+v", status)
	}
	if len(f.events.disabled) != 0 {
		t.Fatalf("no disabled event expected, got %+v", f.events.disabled)
	}

	disabler.err = nil
	if err := f.enrollment.Disable(ctx, "user-1", domain.ReauthProof{Password: "correct"}); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}
	if disabler.calls != 2 {
		t.Fatalf("expected the disabler to handle both attempts, got %d calls", disabler.calls)
	}
	status, err = f.enrollment.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.State != domain.TwoFactorStateDisabled || status.BackupCodesRemaining != 0 {
		t.Fatalf("unexpected status after disable: %+v", status)
	}
	if len(f.events.disabled) != 1 {
		t.Fatalf("expected one disabled event, got %+v", f.events.disabled)
	}
}
