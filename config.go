package oauth

import (
	"log/slog"
	"time"

	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
)

// Default lifetimes, in seconds.
const (
	// DefaultTokenTTL is the default access token lifetime (1 hour).
	DefaultTokenTTL int64 = 3600

	// DefaultSecretTTL is the default client secret lifetime. Zero means
	// secrets never expire, matching the registration policy default.
	DefaultSecretTTL int64 = 0

	// DefaultScope is the scope assigned when a registration or grant
	// names none.
	DefaultScope = "data"
)

// Config holds the OAuth provider configuration.
type Config struct {
	// Issuer is the server's base URL, used to build the
	// registration_client_uri in registration views.
	Issuer string

	// TokenTTL is the access token lifetime in seconds. 0 picks the
	// default; tokens issued with an explicit 0 lifetime never expire.
	TokenTTL int64

	// CodeTTL is the authorization code lifetime in seconds.
	// Defaults to TokenTTL.
	CodeTTL int64

	// SecretTTL is the client secret lifetime in seconds. 0 = never
	// expires (default registration policy).
	SecretTTL int64

	// DefaultScope is the scope set granted when none is requested.
	// Defaults to {"data"}.
	DefaultScope []string

	// DisableRefreshTokenRotation keeps the previous token pair valid
	// after a refresh-token exchange.
	// WARNING: A leaked refresh token then remains usable indefinitely.
	// Rotation (the default) revokes the redeemed pair once the new one
	// is persisted.
	DisableRefreshTokenRotation bool

	// RateLimit configures per-IP limits on the registration and token
	// endpoints. Zero rate disables limiting.
	RateLimit RateLimitConfig

	// EnableAuditLogging enables the security audit log (auth events,
	// token operations, client lifecycle; user keys hashed).
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// Instrumentation supplies the meters for the provider's flow metrics.
	// Nil disables them; HTTP metrics are configured on the Handler.
	Instrumentation *instrumentation.Instrumentation
}

// metricsFrom resolves the flow metrics configured on config, nil when
// instrumentation is absent.
func metricsFrom(config *Config) *instrumentation.Metrics {
	if config.Instrumentation == nil {
		return nil
	}
	return config.Instrumentation.Metrics()
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server, used to pick the client IP out of X-Forwarded-For.
	TrustedProxyCount int
}

// applyDefaults fills zero-valued configuration with defaults and warns
// about insecure opt-outs.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.TokenTTL == 0 {
		config.TokenTTL = DefaultTokenTTL
	}
	if config.CodeTTL == 0 {
		config.CodeTTL = config.TokenTTL
	}
	if len(config.DefaultScope) == 0 {
		config.DefaultScope = []string{DefaultScope}
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = config.RateLimit.Rate
	}

	if config.DisableRefreshTokenRotation {
		logger.Warn("Refresh token rotation is DISABLED",
			"risk", "a leaked refresh token remains valid indefinitely",
			"recommendation", "leave DisableRefreshTokenRotation unset")
	}

	return config
}
