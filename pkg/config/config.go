// Package config loads concord's runtime configuration from the
// environment and the per-project concord.config file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/samternent/concord/pkg/objectstore"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string `env:"CONCORD_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CONCORD_LOG_FORMAT" envDefault:"text"`

	Ledger      LedgerConfig
	Issuer      IssuerConfig
	Pending     PendingConfig
	Idempotency IdempotencyConfig
	Telemetry   TelemetryConfig
}

// LedgerConfig configures the segmented audit ledger and its object store.
type LedgerConfig struct {
	Backend               string `env:"LEDGER_BACKEND"                          envDefault:"s3"`
	S3Endpoint            string `env:"LEDGER_S3_ENDPOINT"`
	Bucket                string `env:"LEDGER_BUCKET"`
	Prefix                string `env:"LEDGER_PREFIX"                           envDefault:"pixpax/ledger"`
	Region                string `env:"LEDGER_REGION"                           envDefault:"lon1"`
	AccessKeyID           string `env:"LEDGER_ACCESS_KEY_ID"`
	SecretAccessKey       string `env:"LEDGER_SECRET_ACCESS_KEY"`
	ForcePathStyle        bool   `env:"LEDGER_S3_FORCE_PATH_STYLE"              envDefault:"true"`
	FSRoot                string `env:"LEDGER_FS_ROOT"                          envDefault:"data/ledger"`
	GCSBucket             string `env:"LEDGER_GCS_BUCKET"`
	FlushMaxEvents        int    `env:"LEDGER_FLUSH_MAX_EVENTS"                 envDefault:"200"`
	FlushIntervalMS       int    `env:"LEDGER_FLUSH_INTERVAL_MS"                envDefault:"60000"`
	FlushSyncOnIssue      bool   `env:"LEDGER_FLUSH_SYNC_ON_ISSUE"              envDefault:"false"`
	ConditionalCheckpoint bool   `env:"LEDGER_CONDITIONAL_CHECKPOINT"           envDefault:"false"`
	TrustedIssuerKeysJSON string `env:"LEDGER_TRUSTED_ISSUER_PUBLIC_KEYS_JSON"`
}

// Ready reports whether every S3 setting the ledger needs is present.
func (c LedgerConfig) Ready() bool {
	return c.S3Endpoint != "" && c.Bucket != "" && c.Region != "" &&
		c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Enabled reports whether the configured backend can be used. An S3
// ledger without credentials runs disabled.
func (c LedgerConfig) Enabled() bool {
	switch objectstore.Backend(c.Backend) {
	case objectstore.BackendMemory, objectstore.BackendFS:
		return true
	case objectstore.BackendGCS:
		return c.GCSBucket != ""
	default:
		return c.Ready()
	}
}

// FlushInterval is FlushIntervalMS as a duration.
func (c LedgerConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// ObjectStore returns the object store settings for the ledger backend.
func (c LedgerConfig) ObjectStore() objectstore.Config {
	return objectstore.Config{
		Backend: objectstore.Backend(c.Backend),
		Root:    c.FSRoot,
		S3: objectstore.S3Config{
			Bucket:          c.Bucket,
			Region:          c.Region,
			Endpoint:        c.S3Endpoint,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			ForcePathStyle:  c.ForcePathStyle,
		},
		GCSBucket: c.GCSBucket,
	}
}

// IssuerConfig configures pack issuance.
type IssuerConfig struct {
	MasterSeed    string        `env:"ISSUER_MASTER_SEED"`
	PrivateKeyPEM string        `env:"ISSUER_PRIVATE_KEY_PEM"`
	TokenSecret   string        `env:"ISSUER_TOKEN_SECRET"`
	TokenTTL      time.Duration `env:"ISSUER_TOKEN_TTL"     envDefault:"24h"`
	CatalogueDir  string        `env:"ISSUER_CATALOGUE_DIR" envDefault:"catalogues"`
}

// Pending store backends.
const (
	PendingMemory = "memory"
	PendingFile   = "file"
	PendingRedis  = "redis"
	PendingSQLite = "sqlite"
)

// PendingConfig selects where commitments wait for their reveal.
type PendingConfig struct {
	Store      string        `env:"PENDING_STORE"     envDefault:"file"`
	Path       string        `env:"PENDING_PATH"      envDefault:"data/pending.json"`
	RedisAddr  string        `env:"REDIS_ADDR"        envDefault:"localhost:6379"`
	RedisTTL   time.Duration `env:"PENDING_REDIS_TTL" envDefault:"24h"`
	SQLitePath string        `env:"SQLITE_PATH"       envDefault:"data/pending.db"`
	// ClaimsDir holds weekly claims for the file store. Redis and SQLite
	// keep claims next to their commitments.
	ClaimsDir  string        `env:"PENDING_CLAIMS_DIR" envDefault:"data/claims"`
}

// IdempotencyConfig configures the command idempotency store.
type IdempotencyConfig struct {
	DatabaseURL          string `env:"DATABASE_URL"`
	InProgressTTLSeconds int    `env:"IDEMPOTENCY_IN_PROGRESS_TTL_SECONDS" envDefault:"120"`
	SuccessTTLSeconds    int    `env:"IDEMPOTENCY_SUCCESS_TTL_SECONDS"     envDefault:"604800"`
	FailureTTLSeconds    int    `env:"IDEMPOTENCY_FAILURE_TTL_SECONDS"     envDefault:"86400"`
	RetryAfterSeconds    int    `env:"IDEMPOTENCY_RETRY_AFTER_SECONDS"     envDefault:"2"`
	MaxAttempts          int    `env:"IDEMPOTENCY_MAX_ATTEMPTS"            envDefault:"10"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c IdempotencyConfig) InProgressTTL() time.Duration { return seconds(c.InProgressTTLSeconds) }
func (c IdempotencyConfig) SuccessTTL() time.Duration    { return seconds(c.SuccessTTLSeconds) }
func (c IdempotencyConfig) FailureTTL() time.Duration    { return seconds(c.FailureTTLSeconds) }
func (c IdempotencyConfig) RetryAfter() time.Duration    { return seconds(c.RetryAfterSeconds) }

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `env:"OTEL_ENABLED"                envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName  string `env:"OTEL_SERVICE_NAME"           envDefault:"concord"`
	Environment  string `env:"CONCORD_ENVIRONMENT"         envDefault:"development"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch objectstore.Backend(c.Ledger.Backend) {
	case objectstore.BackendMemory, objectstore.BackendFS, objectstore.BackendS3, objectstore.BackendGCS:
	default:
		return fmt.Errorf("LEDGER_BACKEND: unsupported backend %q", c.Ledger.Backend)
	}
	switch c.Pending.Store {
	case PendingMemory, PendingFile, PendingRedis, PendingSQLite:
	default:
		return fmt.Errorf("PENDING_STORE: unsupported store %q", c.Pending.Store)
	}
	if c.Ledger.FlushMaxEvents <= 0 {
		return fmt.Errorf("LEDGER_FLUSH_MAX_EVENTS must be positive, got %d", c.Ledger.FlushMaxEvents)
	}
	if c.Ledger.FlushIntervalMS <= 0 {
		return fmt.Errorf("LEDGER_FLUSH_INTERVAL_MS must be positive, got %d", c.Ledger.FlushIntervalMS)
	}
	return nil
}
