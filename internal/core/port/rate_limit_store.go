package port

import (
	"context"
	"time"
)

// RateLimitStore keeps sliding-window request timestamps per identifier. It throttles
// raw request volume on public endpoints and is independent of the per-key lockout
// kept in attempt records.
type RateLimitStore interface {
	TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error
	CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error)
	RecordAttempt(ctx context.Context, identifier string, at time.Time) error
	OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error)
}
