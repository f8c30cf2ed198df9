/*
Package config loads server settings from the environment.

PURPOSE:
  Every setting is a LOYALTY_* environment variable mapped by envconfig.
  Load fills defaults, then Validate rejects combinations the server cannot
  start with.

VARIABLES:
  LOYALTY_HTTP_PORT        HTTP port (8080)
  LOYALTY_DB_DRIVER        sqlite | postgres (sqlite)
  LOYALTY_DB_PATH          SQLite file, ":memory:" for a throwaway db (loyalty.db)
  LOYALTY_DATABASE_URL     Postgres URL, required for the postgres driver
  LOYALTY_DB_MAX_CONNS     Postgres pool size (10)
  LOYALTY_LOCK_TIMEOUT     Max wait on a row/db lock (5s)
  LOYALTY_TX_MAX_ATTEMPTS  Attempts per atomic unit before conflict_retry_exhausted (5)
  LOYALTY_LOG_LEVEL        logrus level (info)
  LOYALTY_JWT_SECRET       HS256 secret (required)
  LOYALTY_JWT_ISSUER       Expected "iss" claim, empty skips the check
  LOYALTY_ALLOWED_ORIGINS  Comma separated CORS origins
  LOYALTY_AUDIT_SCHEDULE   cron spec for ledger verification, empty disables (@every 1h)
  LOYALTY_SEED_DEMO        Seed demo catalog and users into an empty db (false)
*/
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const prefix = "LOYALTY"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	// --- HTTP ---
	HTTPPort       int      `envconfig:"HTTP_PORT" default:"8080"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`

	// --- Database ---
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:"loyalty.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	// --- Ledger ---
	LockTimeout   time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	TxMaxAttempts uint          `envconfig:"TX_MAX_ATTEMPTS" default:"5"`
	AuditSchedule string        `envconfig:"AUDIT_SCHEDULE" default:"@every 1h"`
	SeedDemo      bool          `envconfig:"SEED_DEMO" default:"false"`

	// --- Auth ---
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	// --- Logging ---
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%s_HTTP_PORT out of range: %d", prefix, c.HTTPPort)
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("%s_DB_PATH is required for the sqlite driver", prefix)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%s_DATABASE_URL is required for the postgres driver", prefix)
		}
		if c.DBMaxConns <= 0 {
			return fmt.Errorf("%s_DB_MAX_CONNS must be > 0", prefix)
		}
	default:
		return fmt.Errorf("%s_DB_DRIVER must be %q or %q, got %q", prefix, DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("%s_LOCK_TIMEOUT must be > 0", prefix)
	}
	if c.TxMaxAttempts == 0 {
		return fmt.Errorf("%s_TX_MAX_ATTEMPTS must be > 0", prefix)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%s_JWT_SECRET is required", prefix)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%s_LOG_LEVEL: %w", prefix, err)
	}
	if c.AuditSchedule != "" {
		if _, err := cron.ParseStandard(c.AuditSchedule); err != nil {
			return fmt.Errorf("%s_AUDIT_SCHEDULE: %w", prefix, err)
		}
	}
	return nil
}

// Addr is the listen address for net/http.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

// ConfigureLogging applies the level and formatter to the global logrus logger.
func (c *Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
