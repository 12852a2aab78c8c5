package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types accepted by the service.
const (
	TokenTypeAccess    = "access"
	TokenTypeChallenge = "2fa_challenge"
)

var (
	// ErrInvalidToken indicates the token is malformed, badly signed or of the wrong type.
	ErrInvalidToken = errors.New("jwt: invalid token")
	// ErrExpiredToken indicates the token is past its expiry.
	ErrExpiredToken = errors.New("jwt: token expired")
)

// Claims are the claims read from access and challenge tokens. Tokens are minted by
// the session service; this service only verifies them.
type Claims struct {
	Type     string   `json:"typ"`
	Roles    []string `json:"roles,omitempty"`
	AuthTime int64    `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// AuthenticatedAt returns the primary authentication time when present.
func (c *Claims) AuthenticatedAt() *time.Time {
	if c.AuthTime <= 0 {
		return nil
	}
	ts := time.Unix(c.AuthTime, 0).UTC()
	return &ts
}

// TokenVerifier validates HS256 tokens shared with the session service.
type TokenVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewTokenVerifier builds a verifier for the shared signing secret.
func NewTokenVerifier(secret, issuer string, leeway time.Duration) (*TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt signing secret must be at least 32 bytes")
	}
	return &TokenVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		leeway: leeway,
		now:    time.Now,
	}, nil
}

// WithClock overrides the internal clock, used in tests.
func (v *TokenVerifier) WithClock(clock func() time.Time) *TokenVerifier {
	if clock != nil {
		v.now = clock
	}
	return v
}

// Parse validates the token and requires the expected type.
func (v *TokenVerifier) Parse(raw, expectedType string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Type != expectedType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.Type)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if expectedType == TokenTypeChallenge && strings.TrimSpace(claims.ID) == "" {
		return nil, fmt.Errorf("%w: challenge token without id", ErrInvalidToken)
	}

	return claims, nil
}

// Sign produces a token for the claims. The session service uses the same format;
// here it backs development tooling and tests.
func (v *TokenVerifier) Sign(claims Claims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
