package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
	"github.com/JeffreyLMelvin/mc-coal/security"
	"github.com/JeffreyLMelvin/mc-coal/storage"
)

const tokenTypeBearer = "Bearer"

// Authorization is the result of validating a bearer token against a
// required scope. A zero Authorization is the fail-closed "not valid"
// answer; callers map it to a 401 uniformly.
type Authorization struct {
	Valid    bool
	ClientID string
	UserKey  string

	// ExpiresIn is the remaining token lifetime in seconds, -1 for tokens
	// that never expire. Meaningless when Valid is false.
	ExpiresIn int64
}

// TokenManager issues, validates, and revokes access/refresh token pairs.
type TokenManager struct {
	store   storage.TokenStore
	creds   *CredentialGenerator
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewTokenManager creates a token manager.
func NewTokenManager(store storage.TokenStore, creds *CredentialGenerator, config *Config, logger *slog.Logger, auditor *security.Auditor) *TokenManager {
	return &TokenManager{
		store:   store,
		creds:   creds,
		config:  config,
		logger:  logger,
		auditor: auditor,
		metrics: metricsFrom(config),
		now:     time.Now,
	}
}

// countTokensRevoked records n revocations on the flow meter. Safe with nil
// metrics.
func countTokensRevoked(ctx context.Context, m *instrumentation.Metrics, n int, clientID, reason string) {
	if m == nil || m.TokenRevoked == nil || n <= 0 {
		return
	}
	m.TokenRevoked.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("reason", reason)))
}

// IssueFromCode creates a token pair from a redeemed authorization code.
// Scope defaults to the code's scope when empty.
func (m *TokenManager) IssueFromCode(ctx context.Context, code *storage.AuthorizationCode, scope []string) (*storage.Token, error) {
	if len(scope) == 0 {
		scope = code.Scope
	}
	return m.issue(ctx, code.ClientID, code.UserKey, scope)
}

// FromRefreshToken looks up the token pair identified by (clientID,
// refreshToken). The lookup doubles as refresh-token validation and as the
// basis for issuing a fresh pair. Returns (nil, nil) when absent.
func (m *TokenManager) FromRefreshToken(ctx context.Context, clientID, refreshToken string) (*storage.Token, error) {
	token, err := m.store.GetTokenByRefresh(ctx, clientID, refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	return token, nil
}

// IssueFromRefreshToken creates a fresh token pair for the user bound to an
// existing pair. Scope defaults to the previous pair's scope. Revocation of
// the previous pair is the caller's decision (see rotation in the provider).
func (m *TokenManager) IssueFromRefreshToken(ctx context.Context, previous *storage.Token, scope []string) (*storage.Token, error) {
	if len(scope) == 0 {
		scope = previous.Scope
	}
	return m.issue(ctx, previous.ClientID, previous.UserKey, scope)
}

// issue generates and persists a new token pair. The store rejects any
// access-token or (client_id, refresh_token) collision; both surface as
// server errors, never silent overwrites.
func (m *TokenManager) issue(ctx context.Context, clientID, userKey string, scope []string) (*storage.Token, error) {
	now := m.now()
	token := &storage.Token{
		AccessToken:  m.creds.Token(),
		RefreshToken: m.creds.Token(),
		ClientID:     clientID,
		UserKey:      userKey,
		Scope:        scope,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    m.config.TokenTTL,
		Created:      now,
		Updated:      now,
	}

	err := m.store.InsertToken(ctx, token)
	switch {
	case errors.Is(err, storage.ErrAccessTokenExists):
		return nil, ErrDuplicateAccessToken()
	case errors.Is(err, storage.ErrRefreshTokenExists):
		return nil, ErrDuplicateRefreshToken()
	case err != nil:
		return nil, fmt.Errorf("persist token: %w", err)
	}

	if m.auditor != nil {
		m.auditor.LogTokenIssued(userKey, clientID, scope)
	}
	return token, nil
}

// Validate checks a presented access token against a required scope. It
// fails closed: a missing, expired, or under-scoped token yields an invalid
// Authorization rather than an error.
func (m *TokenManager) Validate(ctx context.Context, accessToken, requiredScope string) Authorization {
	if accessToken == "" {
		return Authorization{}
	}

	token, err := m.store.GetToken(ctx, accessToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("Token lookup failed", "error", err)
		}
		return Authorization{}
	}

	now := m.now()
	if token.IsExpired(now) || !token.HasScope(requiredScope) {
		return Authorization{}
	}

	return Authorization{
		Valid:     true,
		ClientID:  token.ClientID,
		UserKey:   token.UserKey,
		ExpiresIn: token.TTL(now),
	}
}

// RevokeByRefreshToken deletes the token pair identified by (clientID,
// refreshToken). Idempotent.
func (m *TokenManager) RevokeByRefreshToken(ctx context.Context, clientID, refreshToken string) error {
	if err := m.store.DeleteTokenByRefresh(ctx, clientID, refreshToken); err != nil {
		return fmt.Errorf("revoke by refresh token: %w", err)
	}
	if m.auditor != nil {
		m.auditor.LogTokenRevoked("", clientID, "refresh")
	}
	countTokensRevoked(ctx, m.metrics, 1, clientID, "refresh")
	return nil
}

// RevokeAllForClient deletes every token bound to a client, used by the
// registration-removal cascade. Returns the number revoked.
func (m *TokenManager) RevokeAllForClient(ctx context.Context, clientID string) (int, error) {
	n, err := m.store.DeleteClientTokens(ctx, clientID)
	if err != nil {
		return n, fmt.Errorf("revoke client tokens: %w", err)
	}
	if m.auditor != nil && n > 0 {
		m.auditor.LogTokenRevoked("", clientID, "client_cascade")
	}
	countTokensRevoked(ctx, m.metrics, n, clientID, "client_cascade")
	return n, nil
}

// RevokeAllForClientAndUser deletes every token a user has granted to a
// client, used when a user withdraws a client's access. Returns the number
// revoked.
func (m *TokenManager) RevokeAllForClientAndUser(ctx context.Context, clientID, userKey string) (int, error) {
	n, err := m.store.DeleteClientUserTokens(ctx, clientID, userKey)
	if err != nil {
		return n, fmt.Errorf("revoke client user tokens: %w", err)
	}
	if m.auditor != nil && n > 0 {
		m.auditor.LogTokenRevoked(userKey, clientID, "user_cascade")
	}
	countTokensRevoked(ctx, m.metrics, n, clientID, "user_cascade")
	return n, nil
}
