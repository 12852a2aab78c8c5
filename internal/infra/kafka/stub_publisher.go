package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/infra/logger"
)

// StubPublisher logs events instead of sending them to Kafka. Used when no
// brokers are configured.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(ctx context.Context, eventType, userID string, at time.Time, payload map[string]any) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	logger.WithContext(ctx, p.logger).Info("stub event published",
		zap.String("event_type", eventType),
		zap.String("user_id", userID),
		zap.Time("timestamp", at.UTC()),
		zap.Any("payload", payload),
	)
}

// PublishTwoFactorEnabled logs iam.2fa.enabled events.
func (p *StubPublisher) PublishTwoFactorEnabled(ctx context.Context, event domain.TwoFactorEnabledEvent) error {
	p.logEvent(ctx, EventTwoFactorEnabled, event.UserID, event.EnabledAt, map[string]any{
		"backup_codes_issued": event.BackupCodesIssue,
		"metadata":            event.Metadata,
	})
	return nil
}

// PublishTwoFactorDisabled logs iam.2fa.disabled events.
func (p *StubPublisher) PublishTwoFactorDisabled(ctx context.Context, event domain.TwoFactorDisabledEvent) error {
	p.logEvent(ctx, EventTwoFactorDisabled, event.UserID, event.DisabledAt, map[string]any{
		"disabled_by": event.DisabledBy,
		"reason":      event.Reason,
		"metadata":    event.Metadata,
	})
	return nil
}

// PublishBackupCodesRegenerated logs iam.2fa.backup_codes.regenerated events.
func (p *StubPublisher) PublishBackupCodesRegenerated(ctx context.Context, event domain.BackupCodesRegeneratedEvent) error {
	p.logEvent(ctx, EventBackupCodesRegenerated, event.UserID, event.RegeneratedAt, map[string]any{
		"codes_issued": event.CodesIssued,
	})
	return nil
}

// PublishBackupCodeUsed logs iam.2fa.backup_code.used events.
func (p *StubPublisher) PublishBackupCodeUsed(ctx context.Context, event domain.BackupCodeUsedEvent) error {
	p.logEvent(ctx, EventBackupCodeUsed, event.UserID, event.UsedAt, map[string]any{
		"remaining": event.Remaining,
	})
	return nil
}

// PublishTwoFactorLockout logs iam.2fa.lockout events.
func (p *StubPublisher) PublishTwoFactorLockout(ctx context.Context, event domain.TwoFactorLockoutEvent) error {
	p.logEvent(ctx, EventTwoFactorLockout, event.UserID, event.LockedAt, map[string]any{
		"scope":         event.Scope,
		"locked_until":  event.LockedUntil,
		"lockout_count": event.LockoutCount,
	})
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
