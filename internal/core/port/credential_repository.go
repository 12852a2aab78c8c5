package port

import (
	"context"

	"github.com/arklim/iam-twofactor/internal/core/domain"
)

// CredentialRepository exposes the primary credential owned by the user service.
type CredentialRepository interface {
	GetPasswordHash(ctx context.Context, userID string) (string, error)
}

// ReauthVerifier checks a fresh proof of identity before sensitive changes.
type ReauthVerifier interface {
	VerifyReauth(ctx context.Context, userID string, proof domain.ReauthProof) (bool, error)
}
