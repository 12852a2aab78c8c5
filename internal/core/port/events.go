package port

import (
	"context"

	"github.com/arklim/iam-twofactor/internal/core/domain"
)

// EventPublisher publishes two-factor domain events to the message bus.
type EventPublisher interface {
	PublishTwoFactorEnabled(ctx context.Context, event domain.TwoFactorEnabledEvent) error
	PublishTwoFactorDisabled(ctx context.Context, event domain.TwoFactorDisabledEvent) error
	PublishBackupCodesRegenerated(ctx context.Context, event domain.BackupCodesRegeneratedEvent) error
	PublishBackupCodeUsed(ctx context.Context, event domain.BackupCodeUsedEvent) error
	PublishTwoFactorLockout(ctx context.Context, event domain.TwoFactorLockoutEvent) error
}
