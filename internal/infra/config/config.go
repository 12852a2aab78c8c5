package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverRedis    = "redis"
	StorageDriverMemory   = "memory"
)

type AppConfig struct {
	App          AppSettings        `mapstructure:"app"`
	Postgres     PostgresSettings   `mapstructure:"postgres"`
	Redis        RedisSettings      `mapstructure:"redis"`
	Kafka        KafkaSettings      `mapstructure:"kafka"`
	JWT          JWTSettings        `mapstructure:"jwt"`
	RateLimit    RateLimitSettings  `mapstructure:"rate_limit"`
	Argon2       Argon2Settings     `mapstructure:"argon2"`
	Storage      StorageSettings    `mapstructure:"storage"`
	TOTP         TOTPSettings       `mapstructure:"totp"`
	BackupCodes  BackupCodeSettings `mapstructure:"backup_codes"`
	Lockout      LockoutSettings    `mapstructure:"lockout"`
	LoginLockout LockoutSettings    `mapstructure:"login_lockout"`
	Enrollment   EnrollmentSettings `mapstructure:"enrollment"`
	Reauth       ReauthSettings     `mapstructure:"reauth"`
	Security     SecuritySettings   `mapstructure:"security"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and key namespaces
type RedisSettings struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	DB            int           `mapstructure:"db"`
	Password      string        `mapstructure:"password"`
	TLSEnabled    bool          `mapstructure:"tls_enabled"`
	AttemptPrefix string        `mapstructure:"attempt_prefix"`
	AttemptTTL    time.Duration `mapstructure:"attempt_ttl"`
	ReplayPrefix  string        `mapstructure:"replay_prefix"`
}

// KafkaSettings configures Kafka producer
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// JWTSettings configures verification of tokens minted by the session service
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	Leeway time.Duration `mapstructure:"leeway"`
}

// RateLimitSettings configures the sliding window applied per client IP to the verify endpoint
type RateLimitSettings struct {
	WindowDuration    time.Duration `mapstructure:"window_duration"`
	VerifyMaxAttempts int           `mapstructure:"verify_max_attempts"`
}

// Argon2Settings configures Argon2id password hashing parameters
type Argon2Settings struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

// StorageSettings selects the persistence drivers.
type StorageSettings struct {
	RecordsDriver  string `mapstructure:"records_driver"`
	AttemptsDriver string `mapstructure:"attempts_driver"`
}

type TOTPSettings struct {
	Issuer     string `mapstructure:"issuer"`
	Period     uint   `mapstructure:"period"`
	Skew       uint   `mapstructure:"skew"`
	SecretSize uint   `mapstructure:"secret_size"`
	QRSize     int    `mapstructure:"qr_size"`
}

type BackupCodeSettings struct {
	Count     int `mapstructure:"count"`
	Length    int `mapstructure:"length"`
	GroupSize int `mapstructure:"group_size"`
}

// LockoutSettings configures consecutive failure lockouts.
type LockoutSettings struct {
	Threshold         int           `mapstructure:"threshold"`
	Duration          time.Duration `mapstructure:"duration"`
	BackoffMultiplier int           `mapstructure:"backoff_multiplier"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	ConflictRetries   int           `mapstructure:"conflict_retries"`
}

type EnrollmentSettings struct {
	PendingTTL         time.Duration `mapstructure:"pending_ttl"`
	MaxConfirmAttempts int           `mapstructure:"max_confirm_attempts"`
}

type ReauthSettings struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
}

// SecuritySettings carries key material. Both values are standard base64.
type SecuritySettings struct {
	SecretEncryptionKey string `mapstructure:"secret_encryption_key"`
	BackupCodePepper    string `mapstructure:"backup_code_pepper"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("IAM")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.allowed_origins",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.attempt_prefix",
		"redis.attempt_ttl",
		"redis.replay_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"jwt.secret",
		"jwt.issuer",
		"jwt.leeway",
		"rate_limit.window_duration",
		"rate_limit.verify_max_attempts",
		"argon2.memory",
		"argon2.iterations",
		"argon2.parallelism",
		"argon2.salt_length",
		"argon2.key_length",
		"storage.records_driver",
		"storage.attempts_driver",
		"totp.issuer",
		"totp.period",
		"totp.skew",
		"totp.secret_size",
		"totp.qr_size",
		"backup_codes.count",
		"backup_codes.length",
		"backup_codes.group_size",
		"lockout.threshold",
		"lockout.duration",
		"lockout.backoff_multiplier",
		"lockout.max_duration",
		"lockout.conflict_retries",
		"login_lockout.threshold",
		"login_lockout.duration",
		"login_lockout.backoff_multiplier",
		"login_lockout.max_duration",
		"login_lockout.conflict_retries",
		"enrollment.pending_ttl",
		"enrollment.max_confirm_attempts",
		"reauth.freshness_window",
		"security.secret_encryption_key",
		"security.backup_code_pepper",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the two-factor core cannot run with.
func (c *AppConfig) Validate() error {
	if c.TOTP.Skew > 1 {
		return fmt.Errorf("totp.skew must be 0 or 1, got %d", c.TOTP.Skew)
	}
	if c.TOTP.SecretSize < 20 {
		return fmt.Errorf("totp.secret_size must be at least 20 bytes")
	}
	if c.BackupCodes.Count <= 0 {
		return fmt.Errorf("backup_codes.count must be positive")
	}
	for name, l := range map[string]LockoutSettings{"lockout": c.Lockout, "login_lockout": c.LoginLockout} {
		if l.Threshold <= 0 {
			return fmt.Errorf("%s.threshold must be positive", name)
		}
		if l.Duration <= 0 {
			return fmt.Errorf("%s.duration must be positive", name)
		}
		if l.BackoffMultiplier < 1 {
			return fmt.Errorf("%s.backoff_multiplier must be at least 1", name)
		}
		if l.MaxDuration < l.Duration {
			return fmt.Errorf("%s.max_duration must be set and not shorter than %s.duration", name, name)
		}
		// Attempt hashes expire after redis.attempt_ttl; a shorter TTL would lift a lock early.
		if c.Storage.AttemptsDriver == StorageDriverRedis && c.Redis.AttemptTTL <= l.MaxDuration {
			return fmt.Errorf("redis.attempt_ttl must exceed %s.max_duration", name)
		}
	}
	if c.Enrollment.MaxConfirmAttempts <= 0 {
		return fmt.Errorf("enrollment.max_confirm_attempts must be positive")
	}

	switch c.Storage.RecordsDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("storage.records_driver %q is not supported", c.Storage.RecordsDriver)
	}
	switch c.Storage.AttemptsDriver {
	case StorageDriverRedis, StorageDriverMemory:
	default:
		return fmt.Errorf("storage.attempts_driver %q is not supported", c.Storage.AttemptsDriver)
	}

	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("jwt.secret must be at least 32 bytes")
	}
	if _, err := c.Security.BackupCodePepperBytes(); err != nil {
		return err
	}
	if c.Storage.RecordsDriver == StorageDriverPostgres {
		key, err := base64.StdEncoding.DecodeString(c.Security.SecretEncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("security.secret_encryption_key must be 32 bytes of base64")
		}
	}
	return nil
}

// BackupCodePepperBytes decodes the configured pepper.
func (s SecuritySettings) BackupCodePepperBytes() ([]byte, error) {
	pepper, err := base64.StdEncoding.DecodeString(s.BackupCodePepper)
	if err != nil {
		return nil, fmt.Errorf("decode security.backup_code_pepper: %w", err)
	}
	if len(pepper) < 16 {
		return nil, fmt.Errorf("security.backup_code_pepper must decode to at least 16 bytes")
	}
	return pepper, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "iam-twofactor")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.allowed_origins", []string{})

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "iam")
	v.SetDefault("postgres.password", "iam_password")
	v.SetDefault("postgres.database", "iam")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.attempt_prefix", "iam:2fa:attempts")
	v.SetDefault("redis.attempt_ttl", "48h")
	v.SetDefault("redis.replay_prefix", "iam:2fa:totp_step")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "iam")
	v.SetDefault("kafka.async", true)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "iam-service")
	v.SetDefault("jwt.leeway", "30s")

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.verify_max_attempts", 30)

	// Argon2id parameters must match the account service's hashes
	v.SetDefault("argon2.memory", 65536)
	v.SetDefault("argon2.iterations", 3)
	v.SetDefault("argon2.parallelism", 4)
	v.SetDefault("argon2.salt_length", 16)
	v.SetDefault("argon2.key_length", 32)

	v.SetDefault("storage.records_driver", StorageDriverPostgres)
	v.SetDefault("storage.attempts_driver", StorageDriverRedis)

	v.SetDefault("totp.issuer", "Enterprise Auth")
	v.SetDefault("totp.period", 30)
	v.SetDefault("totp.skew", 1)
	v.SetDefault("totp.secret_size", 20)
	v.SetDefault("totp.qr_size", 200)

	v.SetDefault("backup_codes.count", 10)
	v.SetDefault("backup_codes.length", 8)
	v.SetDefault("backup_codes.group_size", 4)

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.duration", "15m")
	v.SetDefault("lockout.backoff_multiplier", 2)
	v.SetDefault("lockout.max_duration", "24h")
	v.SetDefault("lockout.conflict_retries", 3)

	v.SetDefault("login_lockout.threshold", 20)
	v.SetDefault("login_lockout.duration", "1h")
	v.SetDefault("login_lockout.backoff_multiplier", 2)
	v.SetDefault("login_lockout.max_duration", "24h")
	v.SetDefault("login_lockout.conflict_retries", 3)

	v.SetDefault("enrollment.pending_ttl", "15m")
	v.SetDefault("enrollment.max_confirm_attempts", 5)

	v.SetDefault("reauth.freshness_window", "5m")

	v.SetDefault("security.secret_encryption_key", "")
	v.SetDefault("security.backup_code_pepper", "")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "IAM_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
