package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrVersionConflict indicates the record changed since it was read.
	ErrVersionConflict = errors.New("repository: version conflict")
)
