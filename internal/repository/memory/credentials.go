package memory

import (
	"context"
	"sync"

	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/repository"
)

// CredentialRepository holds password hashes for local runs where the account
// database is not available.
type CredentialRepository struct {
	mu     sync.RWMutex
	hashes map[string]string
}

var _ port.CredentialRepository = (*CredentialRepository)(nil)

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{hashes: make(map[string]string)}
}

// SetPasswordHash stores an encoded Argon2id hash for userID.
func (r *CredentialRepository) SetPasswordHash(userID, encoded string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[userID] = encoded
}

func (r *CredentialRepository) GetPasswordHash(_ context.Context, userID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hash, ok := r.hashes[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return hash, nil
}
