// Package config loads the daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the daemon configuration.
type Config struct {
	Env    string `yaml:"env" env:"COAL_ENV" env-default:"local"`
	Issuer string `yaml:"issuer" env:"COAL_ISSUER" env-required:"true"`

	HTTP    HTTPConfig    `yaml:"http"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// HTTPConfig configures the listening server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"COAL_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"15s"`
}

// OAuthConfig configures grant lifetimes and protocol behavior.
type OAuthConfig struct {
	TokenTTL             time.Duration `yaml:"token_ttl" env-default:"1h"`
	CodeTTL              time.Duration `yaml:"code_ttl" env-default:"1h"`
	SecretTTL            time.Duration `yaml:"secret_ttl" env-default:"0"`
	DefaultScope         []string      `yaml:"default_scope" env-default:"data"`
	DisableTokenRotation bool          `yaml:"disable_token_rotation"`
	EnableAuditLogging   bool          `yaml:"enable_audit_logging" env-default:"true"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-IP throttling of the registration and
// token endpoints.
type RateLimitConfig struct {
	Rate              int           `yaml:"rate" env-default:"10"`
	Burst             int           `yaml:"burst" env-default:"20"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" env-default:"5m"`
	TrustProxy        bool          `yaml:"trust_proxy"`
	TrustedProxyCount int           `yaml:"trusted_proxy_count"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "valkey".
	Backend string `yaml:"backend" env:"COAL_STORAGE_BACKEND" env-default:"memory"`

	Valkey ValkeyConfig `yaml:"valkey"`

	// EncryptionKey is an optional base64 AES-256 key for credential
	// encryption at rest. EncryptionPassphrase derives one instead.
	EncryptionKey        string `yaml:"encryption_key" env:"COAL_ENCRYPTION_KEY"`
	EncryptionPassphrase string `yaml:"encryption_passphrase" env:"COAL_ENCRYPTION_PASSPHRASE"`
	EncryptionSalt       string `yaml:"encryption_salt" env:"COAL_ENCRYPTION_SALT"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address" env:"COAL_VALKEY_ADDR"`
	Password  string `yaml:"password" env:"COAL_VALKEY_PASSWORD"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix" env-default:"coal:"`
}

// MetricsConfig configures OpenTelemetry instrumentation.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name" env-default:"coal-authd"`
	ServiceVersion string `yaml:"service_version"`
}

// MustLoad loads the configuration from the path given by the -config flag
// or the CONFIG_PATH environment variable, panicking on failure.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}
	return MustLoadPath(path)
}

// MustLoadPath loads the configuration from an explicit path, panicking on
// failure.
func MustLoadPath(path string) *Config {
	if path == "" {
		panic("config path is empty")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config path does not exist: " + path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// Priority: flag > env > default
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}
	return res
}
