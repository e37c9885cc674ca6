// Command coal-authd runs the OAuth authorization server daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	oauth "github.com/JeffreyLMelvin/mc-coal"
	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
	"github.com/JeffreyLMelvin/mc-coal/internal/config"
	"github.com/JeffreyLMelvin/mc-coal/security"
	"github.com/JeffreyLMelvin/mc-coal/storage"
	"github.com/JeffreyLMelvin/mc-coal/storage/memory"
	"github.com/JeffreyLMelvin/mc-coal/storage/valkey"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	log.Info("starting coal-authd",
		slog.String("env", cfg.Env),
		slog.String("addr", cfg.HTTP.Addr),
		slog.String("storage", cfg.Storage.Backend))

	if err := run(cfg, log); err != nil {
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Metrics.ServiceName,
		ServiceVersion: cfg.Metrics.ServiceVersion,
		Enabled:        cfg.Metrics.Enabled,
	})
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	defer func() {
		if err := inst.Shutdown(ctx); err != nil {
			log.Warn("instrumentation shutdown failed", "error", err)
		}
	}()

	store, cleanup, err := buildStore(cfg, log, inst)
	if err != nil {
		return err
	}
	defer cleanup()

	provider, err := oauth.NewProvider(store, &oauth.Config{
		Issuer:                      cfg.Issuer,
		TokenTTL:                    int64(cfg.OAuth.TokenTTL.Seconds()),
		CodeTTL:                     int64(cfg.OAuth.CodeTTL.Seconds()),
		SecretTTL:                   int64(cfg.OAuth.SecretTTL.Seconds()),
		DefaultScope:                cfg.OAuth.DefaultScope,
		DisableRefreshTokenRotation: cfg.OAuth.DisableTokenRotation,
		EnableAuditLogging:          cfg.OAuth.EnableAuditLogging,
		RateLimit: oauth.RateLimitConfig{
			Rate:              cfg.OAuth.RateLimit.Rate,
			Burst:             cfg.OAuth.RateLimit.Burst,
			CleanupInterval:   cfg.OAuth.RateLimit.CleanupInterval,
			TrustProxy:        cfg.OAuth.RateLimit.TrustProxy,
			TrustedProxyCount: cfg.OAuth.RateLimit.TrustedProxyCount,
		},
		Logger:          log,
		Instrumentation: inst,
	})
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	var limiter *security.RateLimiter
	if cfg.OAuth.RateLimit.Rate > 0 {
		limiter = security.NewRateLimiter(
			cfg.OAuth.RateLimit.Rate,
			cfg.OAuth.RateLimit.Burst,
			cfg.OAuth.RateLimit.CleanupInterval,
			log)
		defer limiter.Stop()
	}

	handler := oauth.NewHandler(provider, oauth.HandlerOptions{
		Authenticator:   &proxyAuthenticator{},
		RateLimiter:     limiter,
		Instrumentation: inst,
		Logger:          log,
	})

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("GET /api/whoami", handler.RequireScope("data", http.HandlerFunc(whoami)))

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		log.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("coal-authd stopped")
	return nil
}

// buildStore constructs the configured storage backend and an optional
// credential encryptor.
func buildStore(cfg *config.Config, log *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	encryptor, err := buildEncryptor(cfg)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Storage.Backend {
	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Logger:    log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("valkey storage: %w", err)
		}
		store.SetEncryptor(encryptor)
		return store, store.Close, nil

	case "memory", "":
		store := memory.New()
		store.SetLogger(log)
		store.SetInstrumentation(inst)
		store.SetEncryptor(encryptor)
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildEncryptor(cfg *config.Config) (*security.Encryptor, error) {
	var key []byte
	var err error

	switch {
	case cfg.Storage.EncryptionKey != "":
		key, err = security.KeyFromBase64(cfg.Storage.EncryptionKey)
	case cfg.Storage.EncryptionPassphrase != "":
		key, err = security.DeriveKey(cfg.Storage.EncryptionPassphrase, cfg.Storage.EncryptionSalt)
	default:
		return security.NewEncryptor(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return security.NewEncryptor(key)
}

// proxyAuthenticator trusts the user identity asserted by an authenticating
// reverse proxy in the X-Forwarded-User header. Deploy the authorization
// endpoint only behind such a proxy.
type proxyAuthenticator struct{}

func (a *proxyAuthenticator) Authenticate(r *http.Request) (string, error) {
	user := r.Header.Get("X-Forwarded-User")
	if user == "" {
		return "", fmt.Errorf("no authenticated user")
	}
	return user, nil
}

// whoami is a sample protected resource reporting the token binding.
func whoami(w http.ResponseWriter, r *http.Request) {
	auth, ok := oauth.AuthorizationFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"client_id":  auth.ClientID,
		"user_key":   auth.UserKey,
		"expires_in": auth.ExpiresIn,
	})
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envLocal:
		fallthrough
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
