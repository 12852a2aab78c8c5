package security

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	defaultTOTPIssuer     = "Enterprise Auth"
	defaultTOTPPeriod     = 30
	defaultTOTPSkew       = 1
	defaultTOTPSecretSize = 20
	minTOTPSecretSize     = 20
	maxTOTPSkew           = 1
)

var (
	// ErrMissingSecret is returned when secret is empty.
	ErrMissingSecret = errors.New("totp secret is required")
	// ErrInvalidCodeFormat indicates the submitted code is not a 6-digit number.
	ErrInvalidCodeFormat = errors.New("totp code must be 6 digits")
)

// TOTPOptions configures the TOTP engine. Algorithm and digit count are fixed to
// SHA-1 and six digits for authenticator app compatibility.
type TOTPOptions struct {
	Issuer     string
	Period     uint
	Skew       uint
	SecretSize uint
}

// TOTPEngine generates and validates RFC 6238 codes. It holds no per-user state.
type TOTPEngine struct {
	opts TOTPOptions
	rand io.Reader
}

// NewTOTPEngine validates options and constructs the engine.
func NewTOTPEngine(opts TOTPOptions) (*TOTPEngine, error) {
	if strings.TrimSpace(opts.Issuer) == "" {
		opts.Issuer = defaultTOTPIssuer
	}
	if opts.Period == 0 {
		opts.Period = defaultTOTPPeriod
	}
	if opts.SecretSize == 0 {
		opts.SecretSize = defaultTOTPSecretSize
	}
	if opts.Skew > maxTOTPSkew {
		return nil, fmt.Errorf("totp skew %d exceeds the allowed window of %d step", opts.Skew, maxTOTPSkew)
	}
	if opts.SecretSize < minTOTPSecretSize {
		return nil, fmt.Errorf("totp secret size must be at least %d bytes", minTOTPSecretSize)
	}

	return &TOTPEngine{opts: opts, rand: rand.Reader}, nil
}

// DefaultTOTPOptions returns 30s steps with a one step drift window.
func DefaultTOTPOptions() TOTPOptions {
	return TOTPOptions{
		Issuer:     defaultTOTPIssuer,
		Period:     defaultTOTPPeriod,
		Skew:       defaultTOTPSkew,
		SecretSize: defaultTOTPSecretSize,
	}
}

// WithRandom overrides the entropy source used for secrets.
func (e *TOTPEngine) WithRandom(r io.Reader) *TOTPEngine {
	if r != nil {
		e.rand = r
	}
	return e
}

// Period returns the step length.
func (e *TOTPEngine) Period() time.Duration {
	return time.Duration(e.opts.Period) * time.Second
}

// ReplayWindow returns how long an accepted step stays acceptable.
func (e *TOTPEngine) ReplayWindow() time.Duration {
	return time.Duration(2*e.opts.Skew+1) * e.Period()
}

// GenerateSecret creates a new random secret bound to the account label.
func (e *TOTPEngine) GenerateSecret(accountName string) (*otp.Key, error) {
	accountName = strings.TrimSpace(accountName)
	if accountName == "" {
		return nil, fmt.Errorf("totp account name is required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.opts.Issuer,
		AccountName: accountName,
		Period:      e.opts.Period,
		SecretSize:  e.opts.SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        e.rand,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return key, nil
}

// CurrentCode returns the code for the step containing at.
func (e *TOTPEngine) CurrentCode(secret string, at time.Time) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	code, err := totp.GenerateCodeCustom(secret, at, e.validateOpts())
	if err != nil {
		return "", fmt.Errorf("generate totp code: %w", err)
	}
	return code, nil
}

// VerifyCode reports whether code is valid at, tolerating the configured drift.
func (e *TOTPEngine) VerifyCode(secret, code string, at time.Time) (bool, error) {
	if secret == "" {
		return false, ErrMissingSecret
	}
	if err := ValidateTOTPFormat(code); err != nil {
		return false, err
	}

	ok, err := totp.ValidateCustom(code, secret, at, e.validateOpts())
	if err != nil {
		return false, fmt.Errorf("validate totp code: %w", err)
	}
	return ok, nil
}

// MatchStep returns the time step the code belongs to when it falls inside the window.
func (e *TOTPEngine) MatchStep(secret, code string, at time.Time) (int64, bool, error) {
	if secret == "" {
		return 0, false, ErrMissingSecret
	}
	if err := ValidateTOTPFormat(code); err != nil {
		return 0, false, err
	}

	period := int64(e.opts.Period)
	current := at.Unix() / period
	skew := int64(e.opts.Skew)

	var (
		matched int64
		found   bool
	)
	for offset := -skew; offset <= skew; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), e.validateOpts())
		if err != nil {
			return 0, false, fmt.Errorf("generate totp code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched, found = step, true
		}
	}
	return matched, found, nil
}

func (e *TOTPEngine) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    e.opts.Period,
		Skew:      e.opts.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// ValidateTOTPFormat checks the code is exactly six ASCII digits.
func ValidateTOTPFormat(code string) error {
	if len(code) != otp.DigitsSix.Length() {
		return ErrInvalidCodeFormat
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrInvalidCodeFormat
		}
	}
	return nil
}

// QRCodeDataURI renders the key's provisioning URI as a base64 PNG data URI.
func QRCodeDataURI(key *otp.Key, size int) (string, error) {
	if key == nil {
		return "", fmt.Errorf("totp key is required")
	}
	if size <= 0 {
		size = 200
	}

	img, err := key.Image(size, size)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
