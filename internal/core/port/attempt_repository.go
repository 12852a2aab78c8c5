package port

import (
	"context"
	"time"

	"github.com/arklim/iam-twofactor/internal/core/domain"
)

// AttemptRepository persists attempt records shared between service instances.
type AttemptRepository interface {
	Get(ctx context.Context, key string) (*domain.AttemptRecord, error)
	Save(ctx context.Context, record domain.AttemptRecord, expectedVersion int64) error
}

// ReplayGuard remembers accepted TOTP steps so a code cannot be replayed inside its window.
type ReplayGuard interface {
	// Claim returns false when the step was already claimed for the user.
	Claim(ctx context.Context, userID string, step int64, ttl time.Duration) (bool, error)
}
