package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/infra/config"
	"github.com/arklim/iam-twofactor/internal/infra/database"
	kafkainfra "github.com/arklim/iam-twofactor/internal/infra/kafka"
	"github.com/arklim/iam-twofactor/internal/infra/logger"
	redisinfra "github.com/arklim/iam-twofactor/internal/infra/redis"
	"github.com/arklim/iam-twofactor/internal/infra/security"
	"github.com/arklim/iam-twofactor/internal/infra/telemetry"
	"github.com/arklim/iam-twofactor/internal/repository/memory"
	postgresrepo "github.com/arklim/iam-twofactor/internal/repository/postgres"
	redisrepo "github.com/arklim/iam-twofactor/internal/repository/redis"
	"github.com/arklim/iam-twofactor/internal/transport/http/middleware"
	"github.com/arklim/iam-twofactor/internal/transport/http/routes"
	"github.com/arklim/iam-twofactor/internal/usecase"
)

var _ usecase.MetricsRecorder = (*telemetry.TwoFactorMetrics)(nil)

type Application struct {
	cfg     *config.AppConfig
	engine  *gin.Engine
	logger  *zap.Logger
	closers []func()
}

// stores are the persistence adapters selected by the storage drivers.
type stores struct {
	secrets     port.TwoFactorSecretRepository
	backupCodes port.BackupCodeRepository
	credentials port.CredentialRepository
	disabler    port.TwoFactorDisabler
	attempts    port.AttemptRepository
	replay      port.ReplayGuard
	rateLimit   port.RateLimitStore
	database    routes.DatabaseChecker
	cache       routes.CacheChecker
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return build(ctx, cfg, log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func build(ctx context.Context, cfg *config.AppConfig, log *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Application, error) {
	a := &Application{cfg: cfg, logger: log}

	st, err := a.openStores(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	engine, err := security.NewTOTPEngine(security.TOTPOptions{
		Issuer:     cfg.TOTP.Issuer,
		Period:     cfg.TOTP.Period,
		Skew:       cfg.TOTP.Skew,
		SecretSize: cfg.TOTP.SecretSize,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init totp engine: %w", err)
	}

	generator, err := security.NewBackupCodeGenerator(security.BackupCodeOptions{
		Count:     cfg.BackupCodes.Count,
		Length:    cfg.BackupCodes.Length,
		GroupSize: cfg.BackupCodes.GroupSize,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init backup code generator: %w", err)
	}
	pepper, err := cfg.Security.BackupCodePepperBytes()
	if err != nil {
		a.close()
		return nil, err
	}
	hasher, err := security.NewBackupCodeHasher(pepper)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init backup code hasher: %w", err)
	}

	passwords, err := security.NewPasswordHasher(security.Argon2Config{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("configure argon2: %w", err)
	}

	tokens, err := security.NewTokenVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Leeway)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init token verifier: %w", err)
	}

	challengeTracker, err := newTracker(st.attempts, cfg.Lockout, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init challenge tracker: %w", err)
	}
	loginTracker, err := newTracker(st.attempts, cfg.LoginLockout, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init login tracker: %w", err)
	}
	userTracker, err := newTracker(st.attempts, cfg.Lockout, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init user tracker: %w", err)
	}

	metrics, err := telemetry.NewTwoFactorMetrics(telemetry.Options{Registerer: reg})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init two-factor metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: reg})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	events := a.newPublisher()

	vault := usecase.NewBackupCodeVault(st.backupCodes, generator, hasher, log)
	reauth := usecase.NewReauthService(st.credentials, passwords, cfg.Reauth.FreshnessWindow)
	enrollment := usecase.NewEnrollmentService(st.secrets, vault, engine, userTracker, reauth, events, log).
		WithOptions(usecase.EnrollmentOptions{
			PendingTTL:         cfg.Enrollment.PendingTTL,
			MaxConfirmAttempts: cfg.Enrollment.MaxConfirmAttempts,
			QRSize:             cfg.TOTP.QRSize,
		}).
		WithReplayGuard(st.replay).
		WithDisabler(st.disabler).
		WithMetrics(metrics)
	gate := usecase.NewVerificationGate(st.secrets, engine, vault, challengeTracker, loginTracker, st.replay, events, log).
		WithMetrics(metrics)

	a.engine = routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: middleware.NewRateLimiter(st.rateLimit, log),
		Tokens:      tokens,
		HTTPMetrics: httpMetrics,
		Gatherer:    gatherer,
		Database:    st.database,
		Cache:       st.cache,
		Services: routes.ServiceSet{
			Enrollment:   enrollment,
			Verification: gate,
		},
	})

	return a, nil
}

func (a *Application) openStores(ctx context.Context) (*stores, error) {
	cfg := a.cfg
	st := &stores{}

	switch cfg.Storage.RecordsDriver {
	case config.StorageDriverPostgres:
		box, err := security.NewSecretBoxFromBase64(cfg.Security.SecretEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("init secret box: %w", err)
		}
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		repos := postgresrepo.NewRepositories(pool, box)
		st.secrets = repos.Secrets
		st.backupCodes = repos.BackupCodes
		st.credentials = repos.Credentials
		st.disabler = repos.Disabler
		st.database = pool
	default:
		a.logger.Warn("using in-memory two-factor records, data is lost on restart")
		st.secrets = memory.NewSecretRepository()
		st.backupCodes = memory.NewBackupCodeRepository()
		st.credentials = memory.NewCredentialRepository()
	}

	switch cfg.Storage.AttemptsDriver {
	case config.StorageDriverRedis:
		client, err := redisinfra.NewClient(ctx, cfg.Redis, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })

		window := cfg.RateLimit.WindowDuration
		if window <= 0 {
			window = time.Minute
		}
		st.attempts = redisrepo.NewAttemptRepository(client.Client(), cfg.Redis.AttemptPrefix, cfg.Redis.AttemptTTL)
		st.replay = redisrepo.NewReplayGuard(client.Client(), cfg.Redis.ReplayPrefix)
		st.rateLimit = redisrepo.NewRateLimitRepository(client.Client(), redisrepo.SlidingWindowConfig{
			KeyPrefix: "iam:2fa:rate-limit",
			TTL:       2 * window,
		})
		st.cache = client
	default:
		a.logger.Warn("using in-memory attempt tracking, lockouts are not shared between instances")
		st.attempts = memory.NewAttemptRepository()
		st.replay = memory.NewReplayGuard()
		st.rateLimit = memory.NewRateLimitStore()
	}

	return st, nil
}

func (a *Application) newPublisher() port.EventPublisher {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka brokers not configured, using stub publisher")
		return kafkainfra.NewStubPublisher(a.logger)
	}

	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	a.closers = append(a.closers, func() {
		if err := producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	})
	a.logger.Info("kafka event publisher initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger)
}

func newTracker(repo port.AttemptRepository, s config.LockoutSettings, log *zap.Logger) (*usecase.AttemptTracker, error) {
	tracker, err := usecase.NewAttemptTracker(repo, domain.LockoutPolicy{
		Threshold:         s.Threshold,
		LockoutDuration:   s.Duration,
		BackoffMultiplier: s.BackoffMultiplier,
		MaxLockout:        s.MaxDuration,
	}, log)
	if err != nil {
		return nil, err
	}
	return tracker.WithConflictRetries(s.ConflictRetries), nil
}

// Handler exposes the HTTP engine, used by tests.
func (a *Application) Handler() http.Handler {
	return a.engine
}

// close releases resources in reverse order of acquisition.
func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.close()

	srv := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.App.Host, strconv.Itoa(a.cfg.App.Port)),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting IAM two-factor API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
		zap.String("records_driver", a.cfg.Storage.RecordsDriver),
		zap.String("attempts_driver", a.cfg.Storage.AttemptsDriver),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}
