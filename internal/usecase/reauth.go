package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/infra/security"
	"github.com/arklim/iam-twofactor/internal/repository"
)

const defaultReauthFreshness = 5 * time.Minute

// ReauthService accepts either the current password or a primary
// authentication that happened within the freshness window.
type ReauthService struct {
	credentials port.CredentialRepository
	hasher      *security.PasswordHasher
	freshness   time.Duration
	now         func() time.Time
}

// NewReauthService constructs a ReauthService.
func NewReauthService(credentials port.CredentialRepository, hasher *security.PasswordHasher, freshness time.Duration) *ReauthService {
	if freshness <= 0 {
		freshness = defaultReauthFreshness
	}
	return &ReauthService{
		credentials: credentials,
		hasher:      hasher,
		freshness:   freshness,
		now:         time.Now,
	}
}

// WithClock allows tests to override the clock used by the service.
func (s *ReauthService) WithClock(clock func() time.Time) *ReauthService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// VerifyReauth implements port.ReauthVerifier. A supplied password is always
// checked; the authentication timestamp is only consulted without one.
func (s *ReauthService) VerifyReauth(ctx context.Context, userID string, proof domain.ReauthProof) (bool, error) {
	if proof.Password != "" {
		if s.credentials == nil || s.hasher == nil {
			return false, ErrTwoFactorUnavailable
		}
		hash, err := s.credentials.GetPasswordHash(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("load password hash: %w", err)
		}
		ok, err := s.hasher.Verify(proof.Password, hash)
		if err != nil {
			return false, fmt.Errorf("verify password: %w", err)
		}
		return ok, nil
	}

	if proof.AuthenticatedAt == nil {
		return false, nil
	}
	age := s.now().Sub(*proof.AuthenticatedAt)
	return age >= -time.Minute && age <= s.freshness, nil
}
