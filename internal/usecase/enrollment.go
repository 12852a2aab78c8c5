package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/infra/logger"
	"github.com/arklim/iam-twofactor/internal/infra/security"
	"github.com/arklim/iam-twofactor/internal/repository"
)

const (
	defaultPendingTTL         = 15 * time.Minute
	defaultMaxConfirmAttempts = 5
	defaultQRSize             = 200

	disableReasonUser  = "user_request"
	disableReasonAdmin = "admin_revoke"

	enrollmentStageStarted     = "started"
	enrollmentStageConfirmed   = "confirmed"
	enrollmentStageDisabled    = "disabled"
	enrollmentStageRevoked     = "revoked"
	enrollmentStageRegenerated = "backup_codes_regenerated"
)

// EnrollmentOptions tunes the enrollment lifecycle.
type EnrollmentOptions struct {
	PendingTTL         time.Duration
	MaxConfirmAttempts int
	QRSize             int
}

// EnrollmentStart is returned by Begin. The secret is shown once for manual entry.
type EnrollmentStart struct {
	Secret          string
	ProvisioningURI string
	QRCode          string
	ExpiresAt       time.Time
}

// EnrollmentConfirmation carries the backup codes minted when enrollment completes.
type EnrollmentConfirmation struct {
	EnabledAt   time.Time
	BackupCodes []string
}

// EnrollmentService drives the NotEnrolled -> PendingVerification -> Enabled -> Disabled lifecycle.
type EnrollmentService struct {
	secrets  port.TwoFactorSecretRepository
	disabler port.TwoFactorDisabler
	vault    *BackupCodeVault
	engine   *security.TOTPEngine
	tracker  *AttemptTracker
	reauth   port.ReauthVerifier
	replay   port.ReplayGuard
	events   port.EventPublisher
	logger   *zap.Logger
	metrics  MetricsRecorder
	now      func() time.Time
	opts     EnrollmentOptions
	retries  int
}

// NewEnrollmentService constructs an EnrollmentService. The tracker guards the
// authenticated-context checks (reauth before disable, TOTP before regeneration).
func NewEnrollmentService(secrets port.TwoFactorSecretRepository, vault *BackupCodeVault, engine *security.TOTPEngine, tracker *AttemptTracker, reauth port.ReauthVerifier, events port.EventPublisher, log *zap.Logger) *EnrollmentService {
	if log == nil {
		log = zap.NewNop()
	}
	return &EnrollmentService{
		secrets: secrets,
		vault:   vault,
		engine:  engine,
		tracker: tracker,
		reauth:  reauth,
		events:  events,
		logger:  log,
		metrics: nopRecorder{},
		now:     time.Now,
		opts: EnrollmentOptions{
			PendingTTL:         defaultPendingTTL,
			MaxConfirmAttempts: defaultMaxConfirmAttempts,
			QRSize:             defaultQRSize,
		},
		retries: defaultConflictRetries,
	}
}

// WithOptions overrides the enrollment options; zero fields keep their defaults.
func (s *EnrollmentService) WithOptions(opts EnrollmentOptions) *EnrollmentService {
	if opts.PendingTTL > 0 {
		s.opts.PendingTTL = opts.PendingTTL
	}
	if opts.MaxConfirmAttempts > 0 {
		s.opts.MaxConfirmAttempts = opts.MaxConfirmAttempts
	}
	if opts.QRSize > 0 {
		s.opts.QRSize = opts.QRSize
	}
	return s
}

// WithReplayGuard claims the TOTP step used to confirm enrollment or regenerate
// backup codes so the same code cannot be accepted again.
func (s *EnrollmentService) WithReplayGuard(guard port.ReplayGuard) *EnrollmentService {
	s.replay = guard
	return s
}

// WithDisabler stores the disabled record and purges backup codes in one write.
// Without it Disable saves the record first and purges the vault afterwards.
func (s *EnrollmentService) WithDisabler(d port.TwoFactorDisabler) *EnrollmentService {
	s.disabler = d
	return s
}

// WithMetrics attaches a metrics recorder.
func (s *EnrollmentService) WithMetrics(m MetricsRecorder) *EnrollmentService {
	if m != nil {
		s.metrics = m
	}
	return s
}

// WithClock allows tests to override the clock used by the service.
func (s *EnrollmentService) WithClock(clock func() time.Time) *EnrollmentService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// Begin generates a fresh secret and moves the user to PendingVerification.
// Calling Begin again before confirmation discards the earlier secret.
func (s *EnrollmentService) Begin(ctx context.Context, userID, accountName string) (*EnrollmentStart, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if s.secrets == nil || s.engine == nil {
		return nil, ErrTwoFactorUnavailable
	}
	if accountName == "" {
		accountName = userID
	}

	key, err := s.engine.GenerateSecret(accountName)
	if err != nil {
		return nil, err
	}

	var record *domain.TwoFactorSecret
	for attempt := 0; ; attempt++ {
		record, err = s.load(ctx, userID)
		if err != nil {
			return nil, err
		}

		expected := record.Version
		if err := record.Begin(key.Secret(), s.now()); err != nil {
			if errors.Is(err, domain.ErrTwoFactorAlreadyEnabled) {
				return nil, ErrAlreadyEnabled
			}
			return nil, err
		}

		err = s.save(ctx, record, expected)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt >= s.retries {
			return nil, err
		}
	}

	qr, err := security.QRCodeDataURI(key, s.opts.QRSize)
	if err != nil {
		s.logger.Warn("render enrollment qr code failed", zap.String("user_id", userID), zap.Error(err))
	}

	s.metrics.ObserveEnrollment(enrollmentStageStarted)
	s.logger.Info("two-factor enrollment started",
		zap.String("user_id", userID),
		zap.String("account", logger.MaskEmail(accountName)),
	)

	return &EnrollmentStart{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          qr,
		ExpiresAt:       record.EnrolledAt.Add(s.opts.PendingTTL),
	}, nil
}

// Confirm enables the pending factor when code matches the pending secret and
// returns the one-time display of the new backup codes.
func (s *EnrollmentService) Confirm(ctx context.Context, userID, code string) (*EnrollmentConfirmation, error) {
	if s.secrets == nil || s.engine == nil || s.vault == nil {
		return nil, ErrTwoFactorUnavailable
	}
	if err := security.ValidateTOTPFormat(code); err != nil {
		return nil, ErrInvalidFormat
	}

	var (
		record  *domain.TwoFactorSecret
		claimed bool
	)
	for attempt := 0; ; attempt++ {
		var err error
		record, err = s.load(ctx, userID)
		if err != nil {
			return nil, err
		}

		now := s.now()
		if record.State != domain.TwoFactorStatePendingVerification {
			return nil, ErrEnrollmentNotPending
		}
		if record.PendingExpired(now, s.opts.PendingTTL) {
			return nil, ErrEnrollmentExpired
		}
		if record.PendingAttempts >= s.opts.MaxConfirmAttempts {
			return nil, ErrEnrollmentAttemptsExceeded
		}

		step, ok, err := s.engine.MatchStep(record.Secret, code, now)
		if err != nil {
			return nil, err
		}
		// The confirming step is claimed so the same code cannot also pass the login gate.
		if ok && !claimed && s.replay != nil {
			ok, err = s.replay.Claim(ctx, userID, step, s.engine.ReplayWindow())
			if err != nil {
				return nil, fmt.Errorf("claim totp step: %w", err)
			}
			claimed = ok
		}

		expected := record.Version
		if ok {
			err = record.Confirm(now)
		} else {
			record.RecordPendingFailure(now)
		}
		if err != nil {
			return nil, err
		}

		err = s.save(ctx, record, expected)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) && attempt < s.retries {
				continue
			}
			return nil, err
		}

		if !ok {
			s.logger.Info("two-factor confirmation rejected",
				zap.String("user_id", userID),
				zap.Int("pending_attempts", record.PendingAttempts),
			)
			return nil, ErrInvalidCode
		}
		break
	}

	codes, err := s.vault.Generate(ctx, userID)
	if err != nil {
		s.logger.Error("backup code generation after enrollment failed", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}

	enabledAt := *record.ConfirmedAt
	s.publish(ctx, "two-factor enabled", func(ctx context.Context) error {
		return s.events.PublishTwoFactorEnabled(ctx, domain.TwoFactorEnabledEvent{
			EventID:          uuid.NewString(),
			UserID:           userID,
			EnabledAt:        enabledAt,
			BackupCodesIssue: len(codes),
		})
	})

	s.metrics.ObserveEnrollment(enrollmentStageConfirmed)
	s.logger.Info("two-factor enabled", zap.String("user_id", userID))

	return &EnrollmentConfirmation{EnabledAt: enabledAt, BackupCodes: codes}, nil
}

// Disable turns the factor off after a successful re-authentication.
func (s *EnrollmentService) Disable(ctx context.Context, userID string, proof domain.ReauthProof) error {
	if s.secrets == nil || s.reauth == nil || s.tracker == nil {
		return ErrTwoFactorUnavailable
	}

	record, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if !record.IsEnabled() {
		return ErrNotEnrolled
	}
	if proof.Empty() {
		return ErrReauthRequired
	}

	key := domain.AttemptKey(domain.AttemptScopeUser, userID)
	if err := s.ensureNotLocked(ctx, key); err != nil {
		return err
	}

	ok, err := s.reauth.VerifyReauth(ctx, userID, proof)
	if err != nil {
		return fmt.Errorf("verify reauth: %w", err)
	}
	if !ok {
		if err := s.recordFailure(ctx, userID, key); err != nil {
			return err
		}
		return ErrReauthRequired
	}
	s.recordSuccess(ctx, key)

	if err := s.disable(ctx, userID, userID, disableReasonUser); err != nil {
		return err
	}
	s.metrics.ObserveEnrollment(enrollmentStageDisabled)
	return nil
}

// Revoke disables the factor on behalf of an administrator. No re-authentication
// of the affected user is required.
func (s *EnrollmentService) Revoke(ctx context.Context, userID, actorID, reason string) error {
	if s.secrets == nil {
		return ErrTwoFactorUnavailable
	}
	if reason == "" {
		reason = disableReasonAdmin
	}

	record, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if !record.IsEnabled() {
		return ErrNotEnrolled
	}

	if err := s.disable(ctx, userID, actorID, reason); err != nil {
		return err
	}
	s.metrics.ObserveEnrollment(enrollmentStageRevoked)
	s.logger.Warn("two-factor revoked by administrator",
		zap.String("user_id", userID),
		zap.String("actor_id", actorID),
		zap.String("reason", reason),
	)
	return nil
}

// RegenerateBackupCodes replaces every backup code after checking a current TOTP code.
func (s *EnrollmentService) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	if s.secrets == nil || s.engine == nil || s.vault == nil || s.tracker == nil {
		return nil, ErrTwoFactorUnavailable
	}
	if err := security.ValidateTOTPFormat(code); err != nil {
		return nil, ErrInvalidFormat
	}

	record, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !record.IsEnabled() {
		return nil, ErrNotEnrolled
	}

	key := domain.AttemptKey(domain.AttemptScopeUser, userID)
	if err := s.ensureNotLocked(ctx, key); err != nil {
		return nil, err
	}

	now := s.now()
	step, ok, err := s.engine.MatchStep(record.Secret, code, now)
	if err != nil {
		return nil, err
	}
	if ok && s.replay != nil {
		ok, err = s.replay.Claim(ctx, userID, step, s.engine.ReplayWindow())
		if err != nil {
			return nil, fmt.Errorf("claim totp step: %w", err)
		}
	}
	if !ok {
		if err := s.recordFailure(ctx, userID, key); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCode
	}
	s.recordSuccess(ctx, key)

	codes, err := s.vault.Generate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}

	s.publish(ctx, "backup codes regenerated", func(ctx context.Context) error {
		return s.events.PublishBackupCodesRegenerated(ctx, domain.BackupCodesRegeneratedEvent{
			EventID:       uuid.NewString(),
			UserID:        userID,
			RegeneratedAt: now.UTC(),
			CodesIssued:   len(codes),
		})
	})
	s.metrics.ObserveEnrollment(enrollmentStageRegenerated)

	return codes, nil
}

// Status summarizes the user's second factor.
func (s *EnrollmentService) Status(ctx context.Context, userID string) (*domain.TwoFactorStatus, error) {
	if s.secrets == nil {
		return nil, ErrTwoFactorUnavailable
	}

	record, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &domain.TwoFactorStatus{
		UserID:      userID,
		State:       record.State,
		Enabled:     record.IsEnabled(),
		ConfirmedAt: record.ConfirmedAt,
		Methods: map[domain.CodeKind]bool{
			domain.CodeKindTOTP:   false,
			domain.CodeKindBackup: false,
		},
	}
	if !status.Enabled {
		status.ConfirmedAt = nil
		return status, nil
	}

	if s.vault != nil {
		remaining, err := s.vault.Remaining(ctx, userID)
		if err != nil {
			return nil, err
		}
		status.BackupCodesRemaining = remaining
	}
	status.Methods[domain.CodeKindTOTP] = true
	status.Methods[domain.CodeKindBackup] = status.BackupCodesRemaining > 0
	return status, nil
}

func (s *EnrollmentService) disable(ctx context.Context, userID, actorID, reason string) error {
	var disabledAt time.Time
	for attempt := 0; ; attempt++ {
		record, err := s.load(ctx, userID)
		if err != nil {
			return err
		}
		if !record.IsEnabled() {
			return ErrNotEnrolled
		}

		expected := record.Version
		disabledAt = s.now().UTC()
		if err := record.Disable(disabledAt); err != nil {
			return err
		}

		if s.disabler != nil {
			err = s.disableAndPurge(ctx, record, expected)
		} else {
			err = s.save(ctx, record, expected)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt >= s.retries {
			return err
		}
	}

	if s.disabler == nil && s.vault != nil {
		if err := s.vault.Purge(ctx, userID); err != nil {
			s.logger.Error("purge backup codes after disable failed", zap.String("user_id", userID), zap.Error(err))
			return err
		}
	}

	s.publish(ctx, "two-factor disabled", func(ctx context.Context) error {
		return s.events.PublishTwoFactorDisabled(ctx, domain.TwoFactorDisabledEvent{
			EventID:    uuid.NewString(),
			UserID:     userID,
			DisabledAt: disabledAt,
			DisabledBy: actorID,
			Reason:     reason,
		})
	})
	s.logger.Info("two-factor disabled", zap.String("user_id", userID), zap.String("reason", reason))
	return nil
}

func (s *EnrollmentService) ensureNotLocked(ctx context.Context, key string) error {
	locked, retryAfter, err := s.tracker.IsLocked(ctx, key)
	if err != nil {
		return err
	}
	if locked {
		return &LockedError{Scope: domain.AttemptScopeUser, RetryAfter: retryAfter}
	}
	return nil
}

func (s *EnrollmentService) recordFailure(ctx context.Context, userID, key string) error {
	outcome, err := s.tracker.RecordFailure(ctx, key)
	if err != nil {
		return err
	}
	now := s.now()
	if !outcome.Record.IsLocked(now) {
		return nil
	}

	if outcome.LockedNow {
		s.metrics.ObserveLockout(domain.AttemptScopeUser)
		s.publishLockout(ctx, userID, domain.AttemptScopeUser, outcome.Record, now)
	}
	return &LockedError{Scope: domain.AttemptScopeUser, RetryAfter: outcome.Record.RetryAfter(now)}
}

func (s *EnrollmentService) recordSuccess(ctx context.Context, key string) {
	if err := s.tracker.RecordSuccess(ctx, key); err != nil {
		s.logger.Warn("reset attempt record failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *EnrollmentService) publishLockout(ctx context.Context, userID, scope string, record domain.AttemptRecord, now time.Time) {
	publishLockoutEvent(ctx, s.events, s.logger, userID, scope, record, now)
}

func (s *EnrollmentService) publish(ctx context.Context, what string, fn func(context.Context) error) {
	if s.events == nil {
		return
	}
	if err := fn(ctx); err != nil {
		logger.WithContext(ctx, s.logger).Warn("publish event failed", zap.String("event", what), zap.Error(err))
	}
}

func (s *EnrollmentService) load(ctx context.Context, userID string) (*domain.TwoFactorSecret, error) {
	return loadSecret(ctx, s.secrets, userID)
}

func (s *EnrollmentService) disableAndPurge(ctx context.Context, record *domain.TwoFactorSecret, expected int64) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := s.disabler.DisableAndPurge(ctx, *record, expected); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("disable two-factor: %w", err)
	}
	record.Version = expected + 1
	return nil
}

func (s *EnrollmentService) save(ctx context.Context, record *domain.TwoFactorSecret, expected int64) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := s.secrets.Save(ctx, *record, expected); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("save two-factor secret: %w", err)
	}
	record.Version = expected + 1
	return nil
}

func loadSecret(ctx context.Context, repo port.TwoFactorSecretRepository, userID string) (*domain.TwoFactorSecret, error) {
	record, err := repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewTwoFactorSecret(userID), nil
		}
		return nil, fmt.Errorf("load two-factor secret: %w", err)
	}
	return record, nil
}

func publishLockoutEvent(ctx context.Context, events port.EventPublisher, log *zap.Logger, userID, scope string, record domain.AttemptRecord, now time.Time) {
	if events == nil || record.LockedUntil == nil {
		return
	}
	err := events.PublishTwoFactorLockout(ctx, domain.TwoFactorLockoutEvent{
		EventID:      uuid.NewString(),
		UserID:       userID,
		Scope:        scope,
		LockedAt:     now.UTC(),
		LockedUntil:  *record.LockedUntil,
		LockoutCount: record.LockoutCount,
	})
	if err != nil {
		log.Warn("publish lockout event failed", zap.String("user_id", userID), zap.String("scope", scope), zap.Error(err))
	}
}
