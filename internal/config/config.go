// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// maxRetryCeiling mirrors the retry_count CHECK in the jobs schema; a larger
// MAX_RETRIES would make every exhausting retry a constraint violation.
const maxRetryCeiling = 3

// Config holds all application configuration sourced from environment
// variables. The retry, staleness, and similarity knobs default to the
// production values but are not load-bearing beyond "some threshold exists".
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"25"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerCount        int           `env:"WORKER_COUNT"         envDefault:"4"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	MaxRetries         int           `env:"MAX_RETRIES"          envDefault:"3"`
	BackoffBase        time.Duration `env:"BACKOFF_BASE"         envDefault:"30s"`
	BackoffCap         time.Duration `env:"BACKOFF_CAP"          envDefault:"15m"`

	// ── Duplicate guard ──────────────────────────────────────────────────────────
	SimilarityThreshold float64       `env:"SIMILARITY_THRESHOLD" envDefault:"0.8"`
	DedupeWindow        time.Duration `env:"DEDUPE_WINDOW"        envDefault:"168h"`
	IdempotencyTTL      time.Duration `env:"IDEMPOTENCY_TTL"      envDefault:"24h"`

	// ── Sweeper ──────────────────────────────────────────────────────────────────
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL"      envDefault:"1m"`
	StalenessThreshold time.Duration `env:"STALENESS_THRESHOLD" envDefault:"10m"`

	// ── Failure-rate monitor ─────────────────────────────────────────────────────
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"1m"`
	MonitorWindow   time.Duration `env:"MONITOR_WINDOW"   envDefault:"24h"`

	// ── Content generator ────────────────────────────────────────────────────────
	GeneratorBaseURL string        `env:"GENERATOR_BASE_URL" envDefault:"https://api.openai.com"`
	GeneratorAPIKey  string        `env:"GENERATOR_API_KEY"`
	GeneratorTimeout time.Duration `env:"GENERATOR_TIMEOUT"  envDefault:"120s"`
	// Sustained requests per second allowed against the generator.
	GeneratorRPS float64 `env:"GENERATOR_RPS" envDefault:"1"`

	// ── Publisher (WordPress-style draft API) ────────────────────────────────────
	PublisherBaseURL     string        `env:"PUBLISHER_BASE_URL"`
	PublisherUsername    string        `env:"PUBLISHER_USERNAME"`
	PublisherAppPassword string        `env:"PUBLISHER_APP_PASSWORD"`
	PublisherTimeout     time.Duration `env:"PUBLISHER_TIMEOUT" envDefault:"30s"`
	PublisherRPS         float64       `env:"PUBLISHER_RPS"     envDefault:"2"`

	// ── Notifications ────────────────────────────────────────────────────────────
	AlertWebhookURL    string `env:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `env:"ALERT_WEBHOOK_SECRET"`
	SMTPHost           string `env:"SMTP_HOST"`
	SMTPPort           int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPFrom           string `env:"SMTP_FROM" envDefault:"content-pipeline@localhost"`
	SMTPUsername       string `env:"SMTP_USERNAME"`
	SMTPPassword       string `env:"SMTP_PASSWORD"`
	SMTPTLS            bool   `env:"SMTP_TLS"  envDefault:"true"`
	AlertRecipients    string `env:"ALERT_RECIPIENTS"` // comma-separated

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.MaxRetries < 1 || cfg.MaxRetries > maxRetryCeiling {
		return nil, fmt.Errorf("MAX_RETRIES must be between 1 and %d, got %d", maxRetryCeiling, cfg.MaxRetries)
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
