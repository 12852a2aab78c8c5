package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	backupCodeAlphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	defaultBackupCodeCount = 10
	defaultBackupCodeLen   = 8
	defaultBackupCodeGroup = 4
	minBackupCodeLen       = 8
	maxBackupCodeLen       = 16
	minBackupPepperLen     = 16
)

// ErrInvalidBackupCodeFormat indicates the submitted value cannot be a backup code.
var ErrInvalidBackupCodeFormat = errors.New("backup code has an invalid format")

// BackupCodeOptions configures backup code generation.
type BackupCodeOptions struct {
	Count     int
	Length    int
	GroupSize int
}

// DefaultBackupCodeOptions returns ten XXXX-XXXX codes.
func DefaultBackupCodeOptions() BackupCodeOptions {
	return BackupCodeOptions{
		Count:     defaultBackupCodeCount,
		Length:    defaultBackupCodeLen,
		GroupSize: defaultBackupCodeGroup,
	}
}

// BackupCodeGenerator produces human-typable recovery codes.
type BackupCodeGenerator struct {
	opts BackupCodeOptions
	rand io.Reader
}

// NewBackupCodeGenerator validates options and builds a generator.
func NewBackupCodeGenerator(opts BackupCodeOptions) (*BackupCodeGenerator, error) {
	if opts.Count <= 0 {
		opts.Count = defaultBackupCodeCount
	}
	if opts.Length == 0 {
		opts.Length = defaultBackupCodeLen
	}
	if opts.Length < minBackupCodeLen || opts.Length > maxBackupCodeLen {
		return nil, fmt.Errorf("backup code length must be between %d and %d", minBackupCodeLen, maxBackupCodeLen)
	}
	if opts.GroupSize < 0 {
		return nil, fmt.Errorf("backup code group size must not be negative")
	}

	return &BackupCodeGenerator{opts: opts, rand: rand.Reader}, nil
}

// WithRandom overrides the entropy source.
func (g *BackupCodeGenerator) WithRandom(r io.Reader) *BackupCodeGenerator {
	if r != nil {
		g.rand = r
	}
	return g
}

// Count returns the configured batch size.
func (g *BackupCodeGenerator) Count() int {
	return g.opts.Count
}

// Generate returns a batch of distinct display-formatted codes.
func (g *BackupCodeGenerator) Generate() ([]string, error) {
	codes := make([]string, 0, g.opts.Count)
	seen := make(map[string]struct{}, g.opts.Count)
	alphabet := big.NewInt(int64(len(backupCodeAlphabet)))

	for len(codes) < g.opts.Count {
		raw := make([]byte, g.opts.Length)
		for i := range raw {
			n, err := rand.Int(g.rand, alphabet)
			if err != nil {
				return nil, fmt.Errorf("generate backup code: %w", err)
			}
			raw[i] = backupCodeAlphabet[n.Int64()]
		}

		code := string(raw)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, g.format(code))
	}

	return codes, nil
}

// Validate checks a submitted code has the configured shape after normalization.
func (g *BackupCodeGenerator) Validate(code string) error {
	normalized := NormalizeBackupCode(code)
	if len(normalized) != g.opts.Length {
		return ErrInvalidBackupCodeFormat
	}
	for i := 0; i < len(normalized); i++ {
		if strings.IndexByte(backupCodeAlphabet, normalized[i]) < 0 {
			return ErrInvalidBackupCodeFormat
		}
	}
	return nil
}

func (g *BackupCodeGenerator) format(code string) string {
	if g.opts.GroupSize <= 0 || g.opts.GroupSize >= len(code) {
		return code
	}

	var b strings.Builder
	for i := 0; i < len(code); i += g.opts.GroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + g.opts.GroupSize
		if end > len(code) {
			end = len(code)
		}
		b.WriteString(code[i:end])
	}
	return b.String()
}

// NormalizeBackupCode strips separators and upper-cases the code.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		default:
			return r
		}
	}, code))
}

// BackupCodeHasher derives lookup hashes for backup codes with keyed BLAKE2b.
type BackupCodeHasher struct {
	pepper []byte
}

// NewBackupCodeHasher builds a hasher keyed with pepper.
func NewBackupCodeHasher(pepper []byte) (*BackupCodeHasher, error) {
	if len(pepper) < minBackupPepperLen || len(pepper) > blake2b.Size {
		return nil, fmt.Errorf("backup code pepper must be between %d and %d bytes", minBackupPepperLen, blake2b.Size)
	}
	key := make([]byte, len(pepper))
	copy(key, pepper)
	return &BackupCodeHasher{pepper: key}, nil
}

// Hash returns the hex digest of the normalized code.
func (h *BackupCodeHasher) Hash(code string) (string, error) {
	mac, err := blake2b.New256(h.pepper)
	if err != nil {
		return "", fmt.Errorf("init backup code hash: %w", err)
	}
	mac.Write([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
