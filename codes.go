package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JeffreyLMelvin/mc-coal/internal/util"
	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// CodeManager issues and redeems short-lived authorization codes bound to a
// user and client. Expiry is enforced lazily on read; there is no background
// sweep.
type CodeManager struct {
	store  storage.CodeStore
	creds  *CredentialGenerator
	config *Config
	logger *slog.Logger
	now    func() time.Time
}

// NewCodeManager creates an authorization code manager.
func NewCodeManager(store storage.CodeStore, creds *CredentialGenerator, config *Config, logger *slog.Logger) *CodeManager {
	return &CodeManager{
		store:  store,
		creds:  creds,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Issue generates and persists a fresh authorization code for (clientID,
// userKey). An empty scope defaults to the configured default scope. The
// (client_id, code) composite must be new; a collision means the RNG
// produced a duplicate and is surfaced as a duplicate-code server error.
func (m *CodeManager) Issue(ctx context.Context, clientID, userKey string, scope []string) (string, error) {
	if len(scope) == 0 {
		scope = append([]string(nil), m.config.DefaultScope...)
	}

	now := m.now()
	code := &storage.AuthorizationCode{
		Code:      m.creds.Token(),
		ClientID:  clientID,
		UserKey:   userKey,
		Scope:     scope,
		ExpiresIn: m.config.CodeTTL,
		Created:   now,
		Updated:   now,
	}

	if err := m.store.InsertAuthorizationCode(ctx, code); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return "", ErrDuplicateAuthorizationCode()
		}
		return "", fmt.Errorf("persist authorization code: %w", err)
	}

	m.logger.Debug("Issued authorization code",
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(code.Code, 8))
	return code.Code, nil
}

// Redeem looks up a code by its (clientID, code) composite key. An expired
// code is deleted on read and reported as absent. A found code is returned
// for one-time use; the caller discards it after successful token issuance.
// Returns (nil, nil) when no usable code exists.
func (m *CodeManager) Redeem(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	record, err := m.store.GetAuthorizationCode(ctx, clientID, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup authorization code: %w", err)
	}

	if record.IsExpired(m.now()) {
		// Lazy eviction.
		if err := m.store.DeleteAuthorizationCode(ctx, clientID, code); err != nil {
			m.logger.Warn("Failed to evict expired authorization code", "client_id", clientID, "error", err)
		}
		return nil, nil
	}

	return record, nil
}

// Discard removes a code. Discarding an unknown code is not an error.
func (m *CodeManager) Discard(ctx context.Context, clientID, code string) error {
	if err := m.store.DeleteAuthorizationCode(ctx, clientID, code); err != nil {
		return fmt.Errorf("discard authorization code: %w", err)
	}
	return nil
}
