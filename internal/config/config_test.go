package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 5*time.Minute, cfg.TokenCleanupInterval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod)
	assert.Equal(t, 3, cfg.NotificationMaxRetries)
	assert.True(t, cfg.IsDev())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "Postgres")
	t.Setenv("DB_DSN", "postgres://u:p@localhost/db")
	t.Setenv("TOKEN_CLEANUP_INTERVAL", "30s")
	t.Setenv("RATE_LIMIT_RPS", "0.5")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, "postgres", cfg.StorageBackend)
	assert.Equal(t, 30*time.Second, cfg.TokenCleanupInterval)
	assert.Equal(t, 0.5, cfg.RateLimitRPS)
}

func TestLoad_ReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORAGE_BACKEND=sqlite\nSQLITE_PATH=/tmp/pa.db\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, "/tmp/pa.db", cfg.SQLitePath)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:                  "development",
			StorageBackend:       "memory",
			TokenCleanupInterval: time.Minute,
			ShutdownGracePeriod:  time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.StorageBackend = "mongo" }, wantErr: "unknown STORAGE_BACKEND"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.StorageBackend = "postgres" }, wantErr: "DB_DSN"},
		{name: "interval too short", mutate: func(c *Config) { c.TokenCleanupInterval = time.Millisecond }, wantErr: "TOKEN_CLEANUP_INTERVAL"},
		{name: "production without secret", mutate: func(c *Config) { c.Env = "production" }, wantErr: "AUTH_JWT_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
