package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
	"github.com/JeffreyLMelvin/mc-coal/security"
	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// maxClientIDAttempts bounds the collision-retry loop during registration.
// The ID is extended by one random character per attempt, so exhausting
// this means the RNG is broken.
const maxClientIDAttempts = 10

// ClientRegistry manages Client records: registration, the client-management
// operations, and the validation predicates used by the authorization flow.
type ClientRegistry struct {
	clients storage.ClientStore
	tokens  storage.TokenStore
	creds   *CredentialGenerator
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewClientRegistry creates a client registry. The token store is needed for
// the cascade delete when a registration is removed.
func NewClientRegistry(clients storage.ClientStore, tokens storage.TokenStore, creds *CredentialGenerator, config *Config, logger *slog.Logger, auditor *security.Auditor) *ClientRegistry {
	return &ClientRegistry{
		clients: clients,
		tokens:  tokens,
		creds:   creds,
		config:  config,
		logger:  logger,
		auditor: auditor,
		metrics: metricsFrom(config),
		now:     time.Now,
	}
}

// Register creates a new client from registration metadata: a fresh unique
// client_id, secret, and registration access token, with the default scope
// when none is requested.
func (r *ClientRegistry) Register(ctx context.Context, req *ClientRegistrationRequest) (*storage.Client, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("redirect_uris is required")
	}

	scope := splitScope(req.Scope)
	if len(scope) == 0 {
		scope = append([]string(nil), r.config.DefaultScope...)
	}

	now := r.now()
	client := &storage.Client{
		ClientID:                r.creds.ClientID(),
		Name:                    req.ClientName,
		URI:                     req.ClientURI,
		LogoURI:                 req.LogoURI,
		RedirectURIs:            req.RedirectURIs,
		Scope:                   scope,
		Secret:                  r.creds.Token(),
		SecretExpiresAt:         r.secretExpiresAt(now),
		RegistrationAccessToken: r.creds.Token(),
		Active:                  true,
		Created:                 now,
		Updated:                 now,
	}

	// The store arbitrates client_id uniqueness; on collision the
	// candidate is extended and retried.
	for attempt := 0; ; attempt++ {
		err := r.clients.InsertClient(ctx, client)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("insert client: %w", err)
		}
		if attempt >= maxClientIDAttempts {
			return nil, fmt.Errorf("could not allocate a unique client_id after %d attempts", attempt)
		}
		client.ClientID = r.creds.ExtendClientID(client.ClientID)
	}

	if r.auditor != nil {
		r.auditor.LogClientRegistered(client.ClientID)
	}
	r.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"scope", strings.Join(client.Scope, " "))

	return client, nil
}

// Fetch returns a client for the client-management API. The caller must hold
// the client's registration access token. If the stored secret has expired,
// a fresh secret is generated and persisted before the client is returned;
// this rotation-on-read is deliberate and part of the management contract.
func (r *ClientRegistry) Fetch(ctx context.Context, clientID, registrationToken string) (*storage.Client, error) {
	client, err := r.authenticateManagement(ctx, clientID, registrationToken)
	if err != nil {
		return nil, err
	}

	if err := r.rotateSecretIfExpired(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Update applies a client-management PUT. Validation order matches the
// management API contract: required params, client auth, body/path identity
// agreement, then secret and scope checks against the stored record.
// Fields absent from the request are preserved.
func (r *ClientRegistry) Update(ctx context.Context, clientID, registrationToken string, req *ClientUpdateRequest) (*storage.Client, error) {
	if req.ClientID == "" || len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("client_id and redirect_uris are required")
	}

	client, err := r.authenticateManagement(ctx, clientID, registrationToken)
	if err != nil {
		return nil, err
	}

	if req.ClientID != clientID {
		return nil, ErrInvalidClientID("client_id does not match the client under management")
	}

	if req.ClientSecret != "" && !r.secretMatches(client, req.ClientSecret) {
		return nil, ErrInvalidRequest("client_secret does not match")
	}

	scope := splitScope(req.Scope)
	if len(scope) > 0 && !scopeSubset(scope, client.Scope) {
		return nil, ErrInvalidRequest("scope is not a subset of the granted scope")
	}

	client.RedirectURIs = req.RedirectURIs
	if req.ClientName != "" {
		client.Name = req.ClientName
	}
	if req.ClientURI != "" {
		client.URI = req.ClientURI
	}
	if req.LogoURI != "" {
		client.LogoURI = req.LogoURI
	}
	if len(scope) > 0 {
		client.Scope = scope
	}
	if client.IsSecretExpired(r.now()) {
		r.rotateSecret(client)
	}
	client.Updated = r.now()

	if err := r.clients.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("save client: %w", err)
	}

	r.logger.Info("Updated OAuth client", "client_id", client.ClientID)
	return client, nil
}

// Delete removes a client registration and cascades deletion of every token
// issued to it. Codes are short-lived and left to expire.
func (r *ClientRegistry) Delete(ctx context.Context, clientID, registrationToken string) error {
	if _, err := r.authenticateManagement(ctx, clientID, registrationToken); err != nil {
		return err
	}

	if err := r.clients.DeleteClient(ctx, clientID); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}

	revoked, err := r.tokens.DeleteClientTokens(ctx, clientID)
	if err != nil {
		return fmt.Errorf("cascade token delete: %w", err)
	}

	if r.auditor != nil {
		r.auditor.LogClientDeleted(clientID, revoked)
	}
	countTokensRevoked(ctx, r.metrics, revoked, clientID, "client_cascade")
	r.logger.Info("Deleted OAuth client", "client_id", clientID, "tokens_revoked", revoked)
	return nil
}

// authenticateManagement runs the shared auth checks of the client-management
// API: an unknown or inactive client_id is a bare 401; a bad registration
// token is invalid_token.
func (r *ClientRegistry) authenticateManagement(ctx context.Context, clientID, registrationToken string) (*storage.Client, error) {
	client, err := r.getActive(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		if r.auditor != nil {
			r.auditor.LogAuthFailure("", clientID, "unknown_or_inactive_client")
		}
		return nil, ErrUnauthorized()
	}

	if registrationToken == "" ||
		subtle.ConstantTimeCompare([]byte(registrationToken), []byte(client.RegistrationAccessToken)) != 1 {
		if r.auditor != nil {
			r.auditor.LogAuthFailure("", clientID, "bad_registration_access_token")
		}
		return nil, ErrInvalidToken("invalid registration access token")
	}

	return client, nil
}

// ==================== Validation predicates ====================
//
// These never return an error: unknown or inactive clients, and any store
// failure, validate as false. The authorization flow fails closed on them.

// ValidateIdentity reports whether clientID names a known, active client.
func (r *ClientRegistry) ValidateIdentity(ctx context.Context, clientID string) bool {
	client, err := r.getActive(ctx, clientID)
	return err == nil && client != nil
}

// ValidateSecret reports whether secret matches the client's stored secret.
// It is false when the client has no secret, the secret has expired, or the
// values differ.
func (r *ClientRegistry) ValidateSecret(ctx context.Context, clientID, secret string) bool {
	client, err := r.getActive(ctx, clientID)
	if err != nil || client == nil {
		return false
	}
	return r.secretMatches(client, secret)
}

// ValidateRedirectURI reports whether uri is registered for the client.
func (r *ClientRegistry) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	client, err := r.getActive(ctx, clientID)
	if err != nil || client == nil {
		return false
	}
	return client.HasRedirectURI(uri)
}

// ValidateScopeSubset reports whether every requested scope is within the
// client's granted scope.
func (r *ClientRegistry) ValidateScopeSubset(ctx context.Context, clientID string, scope []string) bool {
	client, err := r.getActive(ctx, clientID)
	if err != nil || client == nil {
		return false
	}
	return scopeSubset(scope, client.Scope)
}

// getActive fetches a client, mapping "not found" and inactive to (nil, nil)
// so callers can treat both uniformly.
func (r *ClientRegistry) getActive(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, nil
	}
	client, err := r.clients.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Client lookup failed", "client_id", clientID, "error", err)
		return nil, err
	}
	if !client.Active {
		return nil, nil
	}
	return client, nil
}

// secretMatches checks a presented secret byte-for-byte against the stored
// one. A missing or expired stored secret never matches.
func (r *ClientRegistry) secretMatches(client *storage.Client, secret string) bool {
	if client.Secret == "" || client.IsSecretExpired(r.now()) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(client.Secret)) == 1
}

// rotateSecretIfExpired persists a fresh secret when the stored one has
// expired. Rotation as a side effect of a management read keeps long-lived
// registrations usable without a separate rotation endpoint.
func (r *ClientRegistry) rotateSecretIfExpired(ctx context.Context, client *storage.Client) error {
	if !client.IsSecretExpired(r.now()) {
		return nil
	}

	r.rotateSecret(client)
	client.Updated = r.now()
	if err := r.clients.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("persist rotated secret: %w", err)
	}

	r.logger.Info("Rotated expired client secret", "client_id", client.ClientID)
	return nil
}

func (r *ClientRegistry) rotateSecret(client *storage.Client) {
	client.Secret = r.creds.Token()
	client.SecretExpiresAt = r.secretExpiresAt(r.now())
}

// secretExpiresAt computes the secret expiry per policy: 0 when secrets
// never expire, otherwise now + configured lifetime as epoch seconds.
func (r *ClientRegistry) secretExpiresAt(now time.Time) int64 {
	if r.config.SecretTTL == 0 {
		return 0
	}
	return now.Add(time.Duration(r.config.SecretTTL) * time.Second).Unix()
}

// splitScope splits a space-separated scope string into a set, empty input
// yielding nil.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// scopeSubset reports whether every element of want is present in have.
func scopeSubset(want, have []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if w == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
