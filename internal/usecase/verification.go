package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/infra/logger"
	"github.com/arklim/iam-twofactor/internal/infra/security"
)

// VerificationInput is one second-factor submission during login.
type VerificationInput struct {
	UserID      string
	ChallengeID string
	Code        string
	// Kind may be empty; six digits are then treated as TOTP and anything else as a backup code.
	Kind domain.CodeKind
}

// VerificationGate decides whether a pre-authenticated login may proceed.
// Failures are counted per challenge and, with a looser cap, per user across
// challenges, so opening new challenges does not reset the budget.
type VerificationGate struct {
	secrets   port.TwoFactorSecretRepository
	engine    *security.TOTPEngine
	vault     *BackupCodeVault
	challenge *AttemptTracker
	login     *AttemptTracker
	replay    port.ReplayGuard
	events    port.EventPublisher
	logger    *zap.Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

// NewVerificationGate constructs a VerificationGate. login may be nil to disable
// the cross-challenge cap.
func NewVerificationGate(secrets port.TwoFactorSecretRepository, engine *security.TOTPEngine, vault *BackupCodeVault, challenge, login *AttemptTracker, replay port.ReplayGuard, events port.EventPublisher, log *zap.Logger) *VerificationGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &VerificationGate{
		secrets:   secrets,
		engine:    engine,
		vault:     vault,
		challenge: challenge,
		login:     login,
		replay:    replay,
		events:    events,
		logger:    log,
		metrics:   nopRecorder{},
		now:       time.Now,
	}
}

// WithMetrics attaches a metrics recorder.
func (g *VerificationGate) WithMetrics(m MetricsRecorder) *VerificationGate {
	if m != nil {
		g.metrics = m
	}
	return g
}

// WithClock allows tests to override the clock used by the gate.
func (g *VerificationGate) WithClock(clock func() time.Time) *VerificationGate {
	if clock != nil {
		g.now = clock
	}
	return g
}

// Verify checks a submitted code. Rejected and Locked are outcomes, not errors;
// errors are reserved for malformed input, missing enrollment and storage failures.
func (g *VerificationGate) Verify(ctx context.Context, in VerificationInput) (domain.VerificationResult, error) {
	if g.secrets == nil || g.engine == nil || g.challenge == nil {
		return domain.VerificationResult{}, ErrTwoFactorUnavailable
	}
	if in.UserID == "" || in.ChallengeID == "" {
		return domain.VerificationResult{}, fmt.Errorf("user id and challenge id are required")
	}

	code := strings.TrimSpace(in.Code)
	kind := in.Kind
	if kind == "" {
		kind = domain.CodeKindBackup
		if security.ValidateTOTPFormat(code) == nil {
			kind = domain.CodeKindTOTP
		}
	}
	if !kind.Valid() {
		return domain.VerificationResult{}, ErrInvalidFormat
	}

	challengeKey := domain.AttemptKey(domain.AttemptScopeChallenge, in.ChallengeID)
	loginKey := domain.AttemptKey(domain.AttemptScopeLogin, in.UserID)

	locked, retryAfter, err := g.lockState(ctx, challengeKey, loginKey)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if locked {
		g.metrics.ObserveVerification(string(kind), string(domain.VerificationLocked))
		logger.WithContext(ctx, g.logger).Info("second factor attempt while locked",
			zap.String("user_id", in.UserID),
			zap.String("challenge_id", logger.MaskString(in.ChallengeID)),
			zap.Duration("retry_after", retryAfter),
		)
		return domain.VerificationResult{Outcome: domain.VerificationLocked, Kind: kind, RetryAfter: retryAfter}, nil
	}

	if err := g.validateFormat(kind, code); err != nil {
		return domain.VerificationResult{}, err
	}

	record, err := loadSecret(ctx, g.secrets, in.UserID)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if !record.IsEnabled() {
		return domain.VerificationResult{}, ErrNotEnrolled
	}

	now := g.now()
	var (
		ok        bool
		remaining int
	)
	switch kind {
	case domain.CodeKindTOTP:
		ok, err = g.checkTOTP(ctx, record, code, now)
	case domain.CodeKindBackup:
		ok, remaining, err = g.vault.Consume(ctx, in.UserID, code)
	}
	if err != nil {
		return domain.VerificationResult{}, err
	}

	if ok {
		return g.succeed(ctx, in.UserID, kind, remaining, challengeKey, loginKey, now), nil
	}
	return g.fail(ctx, in.UserID, kind, challengeKey, loginKey)
}

func (g *VerificationGate) validateFormat(kind domain.CodeKind, code string) error {
	switch kind {
	case domain.CodeKindTOTP:
		if security.ValidateTOTPFormat(code) != nil {
			return ErrInvalidFormat
		}
	case domain.CodeKindBackup:
		if g.vault == nil {
			return ErrTwoFactorUnavailable
		}
		return g.vault.ValidateFormat(code)
	}
	return nil
}

func (g *VerificationGate) checkTOTP(ctx context.Context, record *domain.TwoFactorSecret, code string, now time.Time) (bool, error) {
	step, ok, err := g.engine.MatchStep(record.Secret, code, now)
	if err != nil || !ok {
		return false, err
	}
	if g.replay == nil {
		return true, nil
	}

	claimed, err := g.replay.Claim(ctx, record.UserID, step, g.engine.ReplayWindow())
	if err != nil {
		return false, fmt.Errorf("claim totp step: %w", err)
	}
	if !claimed {
		g.logger.Info("totp step replayed", zap.String("user_id", record.UserID), zap.Int64("step", step))
	}
	return claimed, nil
}

func (g *VerificationGate) succeed(ctx context.Context, userID string, kind domain.CodeKind, remaining int, challengeKey, loginKey string, now time.Time) domain.VerificationResult {
	log := logger.WithContext(ctx, g.logger)
	for _, t := range []struct {
		tracker *AttemptTracker
		key     string
	}{{g.challenge, challengeKey}, {g.login, loginKey}} {
		if t.tracker == nil {
			continue
		}
		if err := t.tracker.RecordSuccess(ctx, t.key); err != nil {
			log.Warn("reset attempt record failed", zap.String("key", t.key), zap.Error(err))
		}
	}

	if kind == domain.CodeKindBackup && g.events != nil {
		err := g.events.PublishBackupCodeUsed(ctx, domain.BackupCodeUsedEvent{
			EventID:   uuid.NewString(),
			UserID:    userID,
			UsedAt:    now.UTC(),
			Remaining: remaining,
		})
		if err != nil {
			log.Warn("publish backup code used event failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	g.metrics.ObserveVerification(string(kind), string(domain.VerificationVerified))
	log.Info("second factor verified", zap.String("user_id", userID), zap.String("method", string(kind)))

	verifiedAt := now.UTC()
	return domain.VerificationResult{
		Outcome:    domain.VerificationVerified,
		Kind:       kind,
		VerifiedAt: &verifiedAt,
	}
}

type scopedFailure struct {
	scope string
	out   FailureOutcome
}

func (g *VerificationGate) fail(ctx context.Context, userID string, kind domain.CodeKind, challengeKey, loginKey string) (domain.VerificationResult, error) {
	challengeOut, err := g.challenge.RecordFailure(ctx, challengeKey)
	if err != nil {
		return domain.VerificationResult{}, err
	}

	remaining := challengeOut.Record.RemainingAttempts(g.challenge.Policy())
	outcomes := []scopedFailure{{domain.AttemptScopeChallenge, challengeOut}}

	if g.login != nil {
		loginOut, err := g.login.RecordFailure(ctx, loginKey)
		if err != nil {
			return domain.VerificationResult{}, err
		}
		outcomes = append(outcomes, scopedFailure{domain.AttemptScopeLogin, loginOut})
		if left := loginOut.Record.RemainingAttempts(g.login.Policy()); left < remaining {
			remaining = left
		}
	}

	now := g.now()
	var retryAfter time.Duration
	for _, o := range outcomes {
		if o.out.LockedNow {
			g.metrics.ObserveLockout(o.scope)
			publishLockoutEvent(ctx, g.events, g.logger, userID, o.scope, o.out.Record, now)
		}
		if d := o.out.Record.RetryAfter(now); d > retryAfter {
			retryAfter = d
		}
	}

	if retryAfter > 0 {
		g.metrics.ObserveVerification(string(kind), string(domain.VerificationLocked))
		logger.WithContext(ctx, g.logger).Warn("second factor locked",
			zap.String("user_id", userID),
			zap.Duration("retry_after", retryAfter),
		)
		return domain.VerificationResult{Outcome: domain.VerificationLocked, Kind: kind, RetryAfter: retryAfter}, nil
	}

	g.metrics.ObserveVerification(string(kind), string(domain.VerificationRejected))
	return domain.VerificationResult{Outcome: domain.VerificationRejected, Kind: kind, RemainingAttempts: remaining}, nil
}

func (g *VerificationGate) lockState(ctx context.Context, challengeKey, loginKey string) (bool, time.Duration, error) {
	locked, retryAfter, err := g.challenge.IsLocked(ctx, challengeKey)
	if err != nil {
		return false, 0, err
	}
	if g.login == nil {
		return locked, retryAfter, nil
	}

	loginLocked, loginRetry, err := g.login.IsLocked(ctx, loginKey)
	if err != nil {
		return false, 0, err
	}
	if loginRetry > retryAfter {
		retryAfter = loginRetry
	}
	return locked || loginLocked, retryAfter, nil
}
