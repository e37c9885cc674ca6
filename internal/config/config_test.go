package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMustLoadPath(t *testing.T) {
	path := writeConfigFile(t, `
env: prod
issuer: https://auth.example.com
http:
  addr: ":9090"
  read_timeout: 5s
oauth:
  token_ttl: 30m
  secret_ttl: 24h
  default_scope:
    - data
    - read
  rate_limit:
    rate: 50
    burst: 100
    trust_proxy: true
    trusted_proxy_count: 2
storage:
  backend: valkey
  valkey:
    address: "localhost:6379"
    db: 3
metrics:
  enabled: true
  service_version: "1.2.3"
`)

	cfg := MustLoadPath(path)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 30*time.Minute, cfg.OAuth.TokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.OAuth.SecretTTL)
	assert.Equal(t, []string{"data", "read"}, cfg.OAuth.DefaultScope)
	assert.Equal(t, 50, cfg.OAuth.RateLimit.Rate)
	assert.Equal(t, 100, cfg.OAuth.RateLimit.Burst)
	assert.True(t, cfg.OAuth.RateLimit.TrustProxy)
	assert.Equal(t, 2, cfg.OAuth.RateLimit.TrustedProxyCount)
	assert.Equal(t, "valkey", cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.Valkey.Address)
	assert.Equal(t, 3, cfg.Storage.Valkey.DB)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "1.2.3", cfg.Metrics.ServiceVersion)
}

func TestMustLoadPathDefaults(t *testing.T) {
	path := writeConfigFile(t, "issuer: https://auth.example.com\n")

	cfg := MustLoadPath(path)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, time.Hour, cfg.OAuth.TokenTTL)
	assert.Equal(t, time.Hour, cfg.OAuth.CodeTTL)
	assert.Equal(t, time.Duration(0), cfg.OAuth.SecretTTL)
	assert.Equal(t, []string{"data"}, cfg.OAuth.DefaultScope)
	assert.True(t, cfg.OAuth.EnableAuditLogging)
	assert.False(t, cfg.OAuth.DisableTokenRotation)
	assert.Equal(t, 10, cfg.OAuth.RateLimit.Rate)
	assert.Equal(t, 20, cfg.OAuth.RateLimit.Burst)
	assert.Equal(t, 5*time.Minute, cfg.OAuth.RateLimit.CleanupInterval)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "coal:", cfg.Storage.Valkey.KeyPrefix)
	assert.Equal(t, "coal-authd", cfg.Metrics.ServiceName)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestMustLoadPathEnvOverride(t *testing.T) {
	path := writeConfigFile(t, "issuer: https://auth.example.com\n")

	t.Setenv("COAL_ENV", "dev")
	t.Setenv("COAL_STORAGE_BACKEND", "valkey")
	t.Setenv("COAL_VALKEY_ADDR", "valkey.internal:6379")

	cfg := MustLoadPath(path)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "valkey", cfg.Storage.Backend)
	assert.Equal(t, "valkey.internal:6379", cfg.Storage.Valkey.Address)
}

func TestMustLoadPathMissingFile(t *testing.T) {
	assert.Panics(t, func() { MustLoadPath(filepath.Join(t.TempDir(), "nope.yaml")) })
	assert.Panics(t, func() { MustLoadPath("") })
}

func TestMustLoadPathRequiresIssuer(t *testing.T) {
	path := writeConfigFile(t, "env: local\n")
	assert.Panics(t, func() { MustLoadPath(path) })
}
