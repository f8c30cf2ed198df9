package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: only the required secret
	t.Setenv("LOYALTY_JWT_SECRET", "s3cret")

	// WHEN
	cfg, err := Load()

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "loyalty.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, uint(5), cfg.TxMaxAttempts)
	assert.Equal(t, "@every 1h", cfg.AuditSchedule)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.AllowedOrigins)
	assert.False(t, cfg.SeedDemo)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("LOYALTY_JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOYALTY_JWT_SECRET", "s3cret")
	t.Setenv("LOYALTY_DB_DRIVER", "postgres")
	t.Setenv("LOYALTY_DATABASE_URL", "postgres://loyalty@localhost/loyalty")
	t.Setenv("LOYALTY_LOCK_TIMEOUT", "250ms")
	t.Setenv("LOYALTY_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LOYALTY_AUDIT_SCHEDULE", "")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.AuditSchedule)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			HTTPPort:      8080,
			DBDriver:      DriverSQLite,
			DBPath:        ":memory:",
			DBMaxConns:    10,
			LockTimeout:   time.Second,
			TxMaxAttempts: 3,
			JWTSecret:     "s3cret",
			LogLevel:      "info",
			AuditSchedule: "@every 1h",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"postgres without url", func(c *Config) { c.DBDriver = DriverPostgres }},
		{"zero attempts", func(c *Config) { c.TxMaxAttempts = 0 }},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad schedule", func(c *Config) { c.AuditSchedule = "every now and then" }},
		{"port out of range", func(c *Config) { c.HTTPPort = 70000 }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
