package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/infra/security"
	"github.com/arklim/iam-twofactor/internal/repository"
	"github.com/arklim/iam-twofactor/internal/repository/memory"
	"github.com/arklim/iam-twofactor/internal/transport/http/handlers"
	"github.com/arklim/iam-twofactor/internal/transport/http/middleware"
	"github.com/arklim/iam-twofactor/internal/usecase"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "s3cret-passphrase"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type passwordStore map[string]string

func (s passwordStore) GetPasswordHash(_ context.Context, userID string) (string, error) {
	hash, ok := s[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return hash, nil
}

type harness struct {
	t        *testing.T
	clock    *testClock
	engine   *security.TOTPEngine
	verifier *security.TokenVerifier
	router   *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := zaptest.NewLogger(t)

	engine, err := security.NewTOTPEngine(security.DefaultTOTPOptions())
	if err != nil {
		t.Fatalf("NewTOTPEngine: %v", err)
	}
	generator, err := security.NewBackupCodeGenerator(security.DefaultBackupCodeOptions())
	if err != nil {
		t.Fatalf("NewBackupCodeGenerator: %v", err)
	}
	hasher, err := security.NewBackupCodeHasher([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewBackupCodeHasher: %v", err)
	}
	passwords, err := security.NewPasswordHasher(security.Argon2Config{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("NewPasswordHasher: %v", err)
	}
	encoded, err := passwords.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	secrets := memory.NewSecretRepository()
	attempts := memory.NewAttemptRepository()
	replay := memory.NewReplayGuard().WithClock(clock.Now)
	events := usecaseEvents{}

	newTracker := func(policy domain.LockoutPolicy) *usecase.AttemptTracker {
		tracker, err := usecase.NewAttemptTracker(attempts, policy, logger)
		if err != nil {
			t.Fatalf("NewAttemptTracker: %v", err)
		}
		return tracker.WithClock(clock.Now)
	}

	vault := usecase.NewBackupCodeVault(memory.NewBackupCodeRepository(), generator, hasher, logger).WithClock(clock.Now)
	reauth := usecase.NewReauthService(passwordStore{"user-1": encoded}, passwords, 5*time.Minute).WithClock(clock.Now)
	enrollment := usecase.NewEnrollmentService(secrets, vault, engine, newTracker(domain.DefaultLockoutPolicy()), reauth, events, logger).
		WithReplayGuard(replay).
		WithClock(clock.Now)
	gate := usecase.NewVerificationGate(secrets, engine, vault, newTracker(domain.DefaultLockoutPolicy()), nil, replay, events, logger).
		WithClock(clock.Now)

	verifier, err := security.NewTokenVerifier(testSecret, "iam-service", 0)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	handlers.NewTwoFactorHandler(enrollment, gate, verifier, logger).RegisterRoutes(router.Group("/api/v1/2fa"))

	return &harness{t: t, clock: clock, engine: engine, verifier: verifier, router: router}
}

type usecaseEvents struct{}

func (usecaseEvents) PublishTwoFactorEnabled(context.Context, domain.TwoFactorEnabledEvent) error {
	return nil
}

func (usecaseEvents) PublishTwoFactorDisabled(context.Context, domain.TwoFactorDisabledEvent) error {
	return nil
}

func (usecaseEvents) PublishBackupCodesRegenerated(context.Context, domain.BackupCodesRegeneratedEvent) error {
	return nil
}

func (usecaseEvents) PublishBackupCodeUsed(context.Context, domain.BackupCodeUsedEvent) error {
	return nil
}

func (usecaseEvents) PublishTwoFactorLockout(context.Context, domain.TwoFactorLockoutEvent) error {
	return nil
}

type tokenOpts struct {
	typ      string
	jti      string
	roles    []string
	authTime time.Time
}

func (h *harness) token(subject string, opts tokenOpts) string {
	h.t.Helper()
	claims := security.Claims{
		Type:  opts.typ,
		Roles: opts.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        opts.jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		},
	}
	if !opts.authTime.IsZero() {
		claims.AuthTime = opts.authTime.Unix()
	}
	signed, err := h.verifier.Sign(claims)
	if err != nil {
		h.t.Fatalf("Sign: %v", err)
	}
	return signed
}

func (h *harness) access(subject string, roles ...string) string {
	return h.token(subject, tokenOpts{typ: security.TokenTypeAccess, roles: roles})
}

func (h *harness) challenge(subject, jti string) string {
	return h.token(subject, tokenOpts{typ: security.TokenTypeChallenge, jti: jti})
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *harness) code(secret string) string {
	h.t.Helper()
	code, err := h.engine.CurrentCode(secret, h.clock.Now())
	if err != nil {
		h.t.Fatalf("CurrentCode: %v", err)
	}
	return code
}

func (h *harness) wrongCode(secret string) string {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		candidate := fmt.Sprintf("%06d", (i*7919)%1000000)
		if _, ok, _ := h.engine.MatchStep(secret, candidate, h.clock.Now()); !ok {
			return candidate
		}
	}
	h.t.Fatal("no wrong code found")
	return ""
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

// enroll drives enroll and confirm over HTTP and returns the secret and backup codes.
func (h *harness) enroll(userID string) (string, []string) {
	h.t.Helper()
	token := h.access(userID)

	rr := h.do(http.MethodPost, "/api/v1/2fa/enroll", token, nil)
	if rr.Code != http.StatusCreated {
		h.t.Fatalf("enroll: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	start := decode[handlers.EnrollResponse](h.t, rr)
	if start.Secret == "" || start.ProvisioningURI == "" {
		h.t.Fatalf("enroll: missing provisioning material: %+v", start)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		h.t.Fatal("enroll: provisioning material must not be cached")
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/enroll/confirm", token, handlers.CodeRequest{Code: h.code(start.Secret)})
	if rr.Code != http.StatusOK {
		h.t.Fatalf("confirm: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	confirmed := decode[handlers.ConfirmResponse](h.t, rr)
	h.clock.Advance(30 * time.Second)
	return start.Secret, confirmed.BackupCodes
}

func TestTwoFactorLifecycle(t *testing.T) {
	h := newHarness(t)
	secret, backupCodes := h.enroll("user-1")
	if len(backupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(backupCodes))
	}

	rr := h.do(http.MethodGet, "/api/v1/2fa/status", h.access("user-1"), nil)
	status := decode[handlers.TwoFactorStatusResponse](t, rr)
	if rr.Code != http.StatusOK || !status.Enabled || status.BackupCodesRemaining != 10 || len(status.Methods) != 2 {
		t.Fatalf("unexpected status %d %+v", rr.Code, status)
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/enroll", h.access("user-1"), nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 when already enabled, got %d", rr.Code)
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/verify", h.challenge("user-1", "c-1"), handlers.VerifyRequest{Code: h.code(secret)})
	if rr.Code != http.StatusOK {
		t.Fatalf("verify totp: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if verdict := decode[handlers.VerifyResponse](t, rr); verdict.Outcome != domain.VerificationVerified || verdict.VerifiedAt == nil {
		t.Fatalf("unexpected verdict %+v", verdict)
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/verify", h.challenge("user-1", "c-2"), handlers.VerifyRequest{Code: backupCodes[0]})
	if rr.Code != http.StatusOK {
		t.Fatalf("verify backup: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = h.do(http.MethodPost, "/api/v1/2fa/verify", h.challenge("user-1", "c-3"), handlers.VerifyRequest{Code: backupCodes[0]})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused backup code: expected 401, got %d", rr.Code)
	}

	h.clock.Advance(30 * time.Second)
	rr = h.do(http.MethodPost, "/api/v1/2fa/backup-codes/regenerate", h.access("user-1"), handlers.CodeRequest{Code: h.code(secret)})
	if rr.Code != http.StatusOK {
		t.Fatalf("regenerate: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	fresh := decode[handlers.BackupCodesResponse](t, rr)
	if len(fresh.BackupCodes) != 10 {
		t.Fatalf("expected 10 regenerated codes, got %d", len(fresh.BackupCodes))
	}
	rr = h.do(http.MethodPost, "/api/v1/2fa/verify", h.challenge("user-1", "c-4"), handlers.VerifyRequest{Code: backupCodes[1]})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("old backup code after regenerate: expected 401, got %d", rr.Code)
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/disable", h.access("user-1"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("disable without proof: expected 403, got %d", rr.Code)
	}
	rr = h.do(http.MethodPost, "/api/v1/2fa/disable", h.access("user-1"), handlers.DisableRequest{Password: "wrong"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("disable with wrong password: expected 403, got %d", rr.Code)
	}
	freshAuth := h.token("user-1", tokenOpts{typ: security.TokenTypeAccess, authTime: h.clock.Now()})
	rr = h.do(http.MethodPost, "/api/v1/2fa/disable", freshAuth, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("disable with fresh auth: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/verify", h.challenge("user-1", "c-5"), handlers.VerifyRequest{Code: "123456"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("verify after disable: expected 409, got %d", rr.Code)
	}
}

func TestVerifyLocksChallengeWithRetryAfter(t *testing.T) {
	h := newHarness(t)
	secret, _ := h.enroll("user-1")
	challenge := h.challenge("user-1", "c-lock")

	for i := 1; i <= 5; i++ {
		rr := h.do(http.MethodPost, "/api/v1/2fa/verify", challenge, handlers.VerifyRequest{Code: h.wrongCode(secret)})
		if i < 5 {
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("attempt %d: expected 401, got %d", i, rr.Code)
			}
			verdict := decode[handlers.VerifyResponse](t, rr)
			if verdict.Method != "" {
				t.Fatal("rejections must not reveal the checked method")
			}
			if verdict.RemainingAttempts == nil || *verdict.RemainingAttempts != 5-i {
				t.Fatalf("attempt %d: unexpected remaining %v", i, verdict.RemainingAttempts)
			}
			continue
		}
		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt %d: expected 429, got %d", i, rr.Code)
		}
	}

	rr := h.do(http.MethodPost, "/api/v1/2fa/verify", challenge, handlers.VerifyRequest{Code: h.code(secret)})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("correct code while locked: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "900" {
		t.Fatalf("expected Retry-After 900, got %q", rr.Header().Get("Retry-After"))
	}
}

func TestVerifyStatusMapping(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		body handlers.VerifyRequest
		want int
	}{
		{name: "not enrolled", body: handlers.VerifyRequest{Code: "123456"}, want: http.StatusConflict},
		{name: "bad totp format", body: handlers.VerifyRequest{Code: "12a456", Kind: domain.CodeKindTOTP}, want: http.StatusBadRequest},
		{name: "unknown kind", body: handlers.VerifyRequest{Code: "123456", Kind: "sms"}, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.do(http.MethodPost, "/api/v1/2fa/verify", h.challenge("user-2", "c-"+tc.name), tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
			body := decode[handlers.ErrorResponse](t, rr)
			if body.Code == "" || body.TraceID == "" {
				t.Fatalf("expected error code and trace id, got %+v", body)
			}
		})
	}

	rr := h.do(http.MethodPost, "/api/v1/2fa/verify", h.access("user-2"), handlers.VerifyRequest{Code: "123456"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("access token on verify: expected 401, got %d", rr.Code)
	}
}

func TestConfirmWithoutPendingEnrollment(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodPost, "/api/v1/2fa/enroll/confirm", h.access("user-3"), handlers.CodeRequest{Code: "123456"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if body := decode[handlers.ErrorResponse](t, rr); body.Code != "enrollment_not_pending" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/enroll/confirm", h.access("user-3"), map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing code: expected 400, got %d", rr.Code)
	}
}

func TestAdminRevoke(t *testing.T) {
	h := newHarness(t)
	h.enroll("user-1")

	rr := h.do(http.MethodPost, "/api/v1/2fa/admin/users/user-1/revoke", h.access("user-9"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin revoke: expected 403, got %d", rr.Code)
	}

	admin := h.access("admin-1", "admin")
	rr = h.do(http.MethodPost, "/api/v1/2fa/admin/users/user-1/revoke", admin, handlers.RevokeRequest{Reason: "lost device"})
	if rr.Code != http.StatusOK {
		t.Fatalf("admin revoke: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = h.do(http.MethodPost, "/api/v1/2fa/admin/users/user-1/revoke", admin, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("revoke when not enrolled: expected 409, got %d", rr.Code)
	}

	rr = h.do(http.MethodGet, "/api/v1/2fa/status", h.access("user-1"), nil)
	if status := decode[handlers.TwoFactorStatusResponse](t, rr); status.Enabled || status.State != domain.TwoFactorStateDisabled {
		t.Fatalf("unexpected status after revoke %+v", status)
	}
}
