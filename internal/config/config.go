// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup and pass the resulting [Config] down to the
// components that need it. A .env file in the working directory is loaded
// first when present; real environment variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/scarson/jobrunner/internal/backoff"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Store ────────────────────────────────────────────────────────────────────
	// Exactly one of MongoDBURI and DatabaseURL must be set.
	MongoDBURI           string `env:"MONGODB_URI"`
	MongoDBDatabase      string `env:"MONGODB_DATABASE"        envDefault:"jobrunner"`
	DatabaseURL          string `env:"DATABASE_URL"`
	DBMaxConns           int32  `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBStatementTimeoutMS int    `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Retry ────────────────────────────────────────────────────────────────────
	BackoffBase       int           `env:"BACKOFF_BASE"        envDefault:"2"`
	BackoffUnit       time.Duration `env:"BACKOFF_UNIT"        envDefault:"1s"`
	BackoffJitter     float64       `env:"BACKOFF_JITTER"      envDefault:"0"`
	DefaultMaxRetries int           `env:"DEFAULT_MAX_RETRIES" envDefault:"3"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerPollMS int `env:"WORKER_POLL_MS" envDefault:"1000"`
	// LeaseDuration must comfortably exceed the longest job execution time, or
	// in-flight jobs get reclaimed by another worker.
	LeaseDuration      time.Duration `env:"LEASE_DURATION"       envDefault:"5m"`
	StaleCheckInterval time.Duration `env:"STALE_CHECK_INTERVAL" envDefault:"1m"`
	WorkerQueues       []string      `env:"WORKER_QUEUES"        envDefault:"default" envSeparator:","`
	WorkerID           string        `env:"WORKER_ID"`

	// ── Operations ───────────────────────────────────────────────────────────────
	// Empty disables the /healthz and /metrics listener.
	OpsListenAddr          string `env:"OPS_LISTEN_ADDR"          envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"production"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Error is a configuration failure. The process must not start polling when
// Load returns one.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Load parses and validates Config from the environment.
// Every failure is returned as *Error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Field: ".env", Err: err}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &Error{Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that env tags cannot express.
func (c *Config) Validate() error {
	switch {
	case c.MongoDBURI == "" && c.DatabaseURL == "":
		return &Error{Field: "MONGODB_URI", Err: errors.New("a store URI is required (MONGODB_URI or DATABASE_URL)")}
	case c.MongoDBURI != "" && c.DatabaseURL != "":
		return &Error{Field: "MONGODB_URI", Err: errors.New("set only one of MONGODB_URI and DATABASE_URL")}
	}
	if c.MongoDBURI != "" && c.MongoDBDatabase == "" {
		return &Error{Field: "MONGODB_DATABASE", Err: errors.New("must not be empty")}
	}
	if c.DatabaseURL != "" && c.DBMaxConns <= 0 {
		return &Error{Field: "DB_MAX_CONNS", Err: fmt.Errorf("must be > 0, got %d", c.DBMaxConns)}
	}
	if c.DBStatementTimeoutMS < 0 {
		return &Error{Field: "DB_STATEMENT_TIMEOUT_MS", Err: fmt.Errorf("must be >= 0, got %d", c.DBStatementTimeoutMS)}
	}
	if _, err := c.Backoff(); err != nil {
		return err
	}
	if c.DefaultMaxRetries < 0 {
		return &Error{Field: "DEFAULT_MAX_RETRIES", Err: fmt.Errorf("must be >= 0, got %d", c.DefaultMaxRetries)}
	}
	if c.WorkerPollMS <= 0 {
		return &Error{Field: "WORKER_POLL_MS", Err: fmt.Errorf("must be > 0, got %d", c.WorkerPollMS)}
	}
	if c.LeaseDuration <= 0 {
		return &Error{Field: "LEASE_DURATION", Err: fmt.Errorf("must be > 0, got %s", c.LeaseDuration)}
	}
	if c.StaleCheckInterval <= 0 {
		return &Error{Field: "STALE_CHECK_INTERVAL", Err: fmt.Errorf("must be > 0, got %s", c.StaleCheckInterval)}
	}
	if len(c.Queues()) == 0 {
		return &Error{Field: "WORKER_QUEUES", Err: errors.New("at least one queue is required")}
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return &Error{Field: "SHUTDOWN_TIMEOUT_SECONDS", Err: fmt.Errorf("must be > 0, got %d", c.ShutdownTimeoutSeconds)}
	}
	return nil
}

// Backoff builds the retry backoff policy.
func (c *Config) Backoff() (backoff.Policy, error) {
	p, err := backoff.New(c.BackoffBase, c.BackoffUnit, c.BackoffJitter)
	if err != nil {
		field := "BACKOFF_BASE"
		if !errors.Is(err, backoff.ErrInvalidBase) {
			field = "BACKOFF_UNIT/BACKOFF_JITTER"
		}
		return backoff.Policy{}, &Error{Field: field, Err: err}
	}
	return p, nil
}

// PollInterval is WorkerPollMS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.WorkerPollMS) * time.Millisecond
}

// Queues returns the trimmed, de-duplicated, non-empty queue names.
func (c *Config) Queues() []string {
	seen := make(map[string]bool, len(c.WorkerQueues))
	out := make([]string, 0, len(c.WorkerQueues))
	for _, q := range c.WorkerQueues {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

// UsesMongo reports whether the MongoDB store is configured.
func (c *Config) UsesMongo() bool {
	return c.MongoDBURI != ""
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
