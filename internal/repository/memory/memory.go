// Package memory provides process-local implementations of the two-factor ports.
// They back the development driver and the usecase tests; state is lost on restart
// and is not shared between instances.
package memory

import (
	"sync"

	"github.com/arklim/iam-twofactor/internal/repository"
)

// versioned is a mutex-guarded map enforcing the expectedVersion contract.
type versioned[T any] struct {
	mu    sync.RWMutex
	items map[string]entry[T]
	clone func(T) T
}

type entry[T any] struct {
	value   T
	version int64
}

func newVersioned[T any](clone func(T) T) *versioned[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &versioned[T]{items: make(map[string]entry[T]), clone: clone}
}

func (s *versioned[T]) get(key string) (T, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok {
		var zero T
		return zero, 0, repository.ErrNotFound
	}
	return s.clone(e.value), e.version, nil
}

func (s *versioned[T]) save(key string, value T, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[key]
	switch {
	case expectedVersion == 0 && ok:
		return repository.ErrVersionConflict
	case expectedVersion != 0 && (!ok || current.version != expectedVersion):
		return repository.ErrVersionConflict
	}

	s.items[key] = entry[T]{value: s.clone(value), version: expectedVersion + 1}
	return nil
}

func (s *versioned[T]) delete(key string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[key]
	if !ok {
		return repository.ErrNotFound
	}
	if current.version != expectedVersion {
		return repository.ErrVersionConflict
	}
	delete(s.items, key)
	return nil
}
