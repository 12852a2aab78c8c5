package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/infra/security"
	"github.com/arklim/iam-twofactor/internal/repository/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type recordingPublisher struct {
	mu          sync.Mutex
	enabled     []domain.TwoFactorEnabledEvent
	disabled    []domain.TwoFactorDisabledEvent
	regenerated []domain.BackupCodesRegeneratedEvent
	used        []domain.BackupCodeUsedEvent
	lockouts    []domain.TwoFactorLockoutEvent
	err         error
}

func (p *recordingPublisher) PublishTwoFactorEnabled(_ context.Context, e domain.TwoFactorEnabledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = append(p.enabled, e)
	return p.err
}

func (p *recordingPublisher) PublishTwoFactorDisabled(_ context.Context, e domain.TwoFactorDisabledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = append(p.disabled, e)
	return p.err
}

func (p *recordingPublisher) PublishBackupCodesRegenerated(_ context.Context, e domain.BackupCodesRegeneratedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regenerated = append(p.regenerated, e)
	return p.err
}

func (p *recordingPublisher) PublishBackupCodeUsed(_ context.Context, e domain.BackupCodeUsedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used = append(p.used, e)
	return p.err
}

func (p *recordingPublisher) PublishTwoFactorLockout(_ context.Context, e domain.TwoFactorLockoutEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockouts = append(p.lockouts, e)
	return p.err
}

type stubReauth struct {
	ok    bool
	calls int
}

func (s *stubReauth) VerifyReauth(context.Context, string, domain.ReauthProof) (bool, error) {
	s.calls++
	return s.ok, nil
}

type countingMetrics struct {
	mu            sync.Mutex
	verifications map[string]int
	lockouts      map[string]int
	enrollments   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		verifications: make(map[string]int),
		lockouts:      make(map[string]int),
		enrollments:   make(map[string]int),
	}
}

func (m *countingMetrics) ObserveVerification(method, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[method+"/"+outcome]++
}

func (m *countingMetrics) ObserveLockout(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts[scope]++
}

func (m *countingMetrics) ObserveEnrollment(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[stage]++
}

type fixture struct {
	clock      *testClock
	secrets    *memory.SecretRepository
	codes      *memory.BackupCodeRepository
	attempts   *memory.AttemptRepository
	replay     *memory.ReplayGuard
	engine     *security.TOTPEngine
	vault      *BackupCodeVault
	reauth     *stubReauth
	events     *recordingPublisher
	metrics    *countingMetrics
	challenge  *AttemptTracker
	login      *AttemptTracker
	user       *AttemptTracker
	enrollment *EnrollmentService
	gate       *VerificationGate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:    newTestClock(),
		secrets:  memory.NewSecretRepository(),
		codes:    memory.NewBackupCodeRepository(),
		attempts: memory.NewAttemptRepository(),
		reauth:   &stubReauth{},
		events:   &recordingPublisher{},
		metrics:  newCountingMetrics(),
	}
	f.replay = memory.NewReplayGuard().WithClock(f.clock.Now)

	engine, err := security.NewTOTPEngine(security.DefaultTOTPOptions())
	if err != nil {
		t.Fatalf("NewTOTPEngine: %v", err)
	}
	f.engine = engine

	generator, err := security.NewBackupCodeGenerator(security.DefaultBackupCodeOptions())
	if err != nil {
		t.Fatalf("NewBackupCodeGenerator: %v", err)
	}
	hasher, err := security.NewBackupCodeHasher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewBackupCodeHasher: %v", err)
	}
	f.vault = NewBackupCodeVault(f.codes, generator, hasher, nil).WithClock(f.clock.Now)

	f.challenge = f.newTracker(t, domain.DefaultLockoutPolicy())
	f.login = f.newTracker(t, domain.LockoutPolicy{
		Threshold:         20,
		LockoutDuration:   time.Hour,
		BackoffMultiplier: 2,
		MaxLockout:        24 * time.Hour,
	})
	f.user = f.newTracker(t, domain.DefaultLockoutPolicy())

	f.enrollment = NewEnrollmentService(f.secrets, f.vault, f.engine, f.user, f.reauth, f.events, nil).
		WithReplayGuard(f.replay).
		WithMetrics(f.metrics).
		WithClock(f.clock.Now)
	f.gate = NewVerificationGate(f.secrets, f.engine, f.vault, f.challenge, f.login, f.replay, f.events, nil).
		WithMetrics(f.metrics).
		WithClock(f.clock.Now)
	return f
}

func (f *fixture) newTracker(t *testing.T, policy domain.LockoutPolicy) *AttemptTracker {
	t.Helper()
	tracker, err := NewAttemptTracker(f.attempts, policy, nil)
	if err != nil {
		t.Fatalf("NewAttemptTracker: %v", err)
	}
	return tracker.WithClock(f.clock.Now)
}

// enroll runs Begin and Confirm for userID and returns the secret and backup codes.
func (f *fixture) enroll(t *testing.T, userID string) (string, []string) {
	t.Helper()
	start, err := f.enrollment.Begin(context.Background(), userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	confirmation, err := f.enrollment.Confirm(context.Background(), userID, f.code(t, start.Secret))
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	return start.Secret, confirmation.BackupCodes
}

func (f *fixture) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := f.engine.CurrentCode(secret, f.clock.Now())
	if err != nil {
		t.Fatalf("CurrentCode returned error: %v", err)
	}
	return code
}

// wrongCode returns a well-formed code that does not match secret inside the drift window.
func (f *fixture) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		candidate := fmt.Sprintf("%06d", (i*7919)%1000000)
		_, ok, err := f.engine.MatchStep(secret, candidate, f.clock.Now())
		if err != nil {
			t.Fatalf("MatchStep returned error: %v", err)
		}
		if !ok {
			return candidate
		}
	}
	t.Fatal("no wrong code found")
	return ""
}
