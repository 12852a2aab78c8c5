package domain

import (
	"crypto/subtle"
	"time"
)

// BackupCode is a single recovery code stored as a one-way hash.
type BackupCode struct {
	Hash   string     `json:"hash"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// Used reports whether the code was already consumed.
func (c BackupCode) Used() bool {
	return c.UsedAt != nil
}

// BackupCodeSet is the batch of recovery codes issued to a user.
type BackupCodeSet struct {
	UserID      string
	Codes       []BackupCode
	GeneratedAt time.Time
	Version     int64
}

// Remaining returns the number of unused codes.
func (s *BackupCodeSet) Remaining() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, code := range s.Codes {
		if !code.Used() {
			n++
		}
	}
	return n
}

// MarkUsed flips the unused code matching hash to used. Every entry is compared
// so the scan time does not depend on the match position.
func (s *BackupCodeSet) MarkUsed(hash string, at time.Time) bool {
	if s == nil || hash == "" {
		return false
	}

	match := -1
	for i, code := range s.Codes {
		if subtle.ConstantTimeCompare([]byte(code.Hash), []byte(hash)) == 1 && !code.Used() && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return false
	}

	ts := at.UTC()
	s.Codes[match].UsedAt = &ts
	return true
}

// Clone returns a deep copy so stores never share code slices with callers.
func (s *BackupCodeSet) Clone() *BackupCodeSet {
	if s == nil {
		return nil
	}
	out := *s
	out.Codes = make([]BackupCode, len(s.Codes))
	for i, code := range s.Codes {
		out.Codes[i] = code
		if code.UsedAt != nil {
			ts := *code.UsedAt
			out.Codes[i].UsedAt = &ts
		}
	}
	return &out
}
