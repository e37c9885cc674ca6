package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/JeffreyLMelvin/mc-coal/internal/util"
	"github.com/JeffreyLMelvin/mc-coal/security"
	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// Grant types supported by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Provider implements the OAuth authorization-code grant and dynamic client
// registration protocols by composing the client registry, code manager, and
// token manager. It is transport-agnostic; Handler adapts it to HTTP.
type Provider struct {
	registry *ClientRegistry
	codes    *CodeManager
	tokens   *TokenManager
	creds    *CredentialGenerator
	auditor  *security.Auditor
	config   *Config
	logger   *slog.Logger
}

// NewProvider creates an authorization provider over the given store.
func NewProvider(store storage.Store, config *Config) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config = applyDefaults(config, logger)

	auditor := security.NewAuditor(logger, config.EnableAuditLogging)
	creds := NewCredentialGenerator()

	return &Provider{
		registry: NewClientRegistry(store, store, creds, config, logger, auditor),
		codes:    NewCodeManager(store, creds, config, logger),
		tokens:   NewTokenManager(store, creds, config, logger, auditor),
		creds:    creds,
		auditor:  auditor,
		config:   config,
		logger:   logger,
	}, nil
}

// Registry exposes the client registry, primarily for administrative wiring.
func (p *Provider) Registry() *ClientRegistry { return p.registry }

// Tokens exposes the token manager, primarily for resource authorization.
func (p *Provider) Tokens() *TokenManager { return p.tokens }

// ==================== Authorization endpoint ====================

// AuthorizeRequest validates the query parameters of an authorization
// request before the consent prompt may be shown. The client identity and
// redirect URI must check out before anything is redirected anywhere; scope
// must be within the client's grant.
func (p *Provider) AuthorizeRequest(ctx context.Context, clientID, redirectURI, scope string) error {
	if clientID == "" || redirectURI == "" {
		return ErrInvalidRequest("client_id and redirect_uri are required")
	}
	if !p.registry.ValidateIdentity(ctx, clientID) {
		return ErrInvalidClient("unknown client")
	}
	if !p.registry.ValidateRedirectURI(ctx, clientID, redirectURI) {
		// Never redirect to an unregistered URI.
		return ErrInvalidRequest("redirect_uri is not registered for this client")
	}
	if requested := splitScope(scope); len(requested) > 0 &&
		!p.registry.ValidateScopeSubset(ctx, clientID, requested) {
		return ErrInvalidScope("requested scope exceeds the client grant")
	}
	return nil
}

// FinishAuthorization completes the consent decision for an authenticated
// user. On grant it issues an authorization code and returns the client's
// redirect URI with the code appended; on denial it returns the redirect URI
// carrying the standard access_denied error. The request is re-validated so
// a stale or tampered consent form cannot leak a code.
func (p *Provider) FinishAuthorization(ctx context.Context, userKey, clientID, redirectURI, scope, state string, granted bool) (string, error) {
	if err := p.AuthorizeRequest(ctx, clientID, redirectURI, scope); err != nil {
		return "", err
	}

	if !granted {
		if p.auditor != nil {
			p.auditor.LogAuthFailure(userKey, clientID, "consent_denied")
		}
		return redirectWith(redirectURI, map[string]string{
			"error": ErrorCodeAccessDenied,
			"state": state,
		})
	}

	code, err := p.codes.Issue(ctx, clientID, userKey, splitScope(scope))
	if err != nil {
		return "", err
	}

	return redirectWith(redirectURI, map[string]string{
		"code":  code,
		"state": state,
	})
}

// redirectWith appends non-empty params to the redirect URI's query string.
func redirectWith(redirectURI string, params map[string]string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", ErrInvalidRequest("redirect_uri is not a valid URI")
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ==================== Token endpoint ====================

// Token processes a token request: the authorization-code exchange or the
// refresh-token exchange, both authenticated with client_id + client_secret.
// Every failure is a protocol *Error; re-presenting the same invalid grant
// yields the same error.
func (p *Provider) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType == "" || req.ClientID == "" {
		return nil, ErrInvalidRequest("grant_type and client_id are required")
	}
	if !p.registry.ValidateSecret(ctx, req.ClientID, req.ClientSecret) {
		return nil, ErrInvalidClient("client authentication failed")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return p.exchangeCode(ctx, req)
	case GrantTypeRefreshToken:
		return p.exchangeRefreshToken(ctx, req)
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", req.GrantType))
	}
}

// exchangeCode redeems an authorization code for a token pair. Redemption is
// exactly-once: the code is discarded before the exchange is considered
// valid, so a replayed code fails with invalid_grant no matter how the
// first exchange ended.
func (p *Provider) exchangeCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := p.codes.Redeem(ctx, req.ClientID, req.Code)
	if err != nil {
		return nil, err
	}
	if code == nil {
		if p.auditor != nil {
			p.auditor.LogAuthFailure("", req.ClientID, "invalid_authorization_code")
		}
		return nil, ErrInvalidGrant("authorization code is unknown, expired, or already redeemed")
	}

	requested := splitScope(req.Scope)
	if len(requested) > 0 && !scopeSubset(requested, code.Scope) {
		return nil, ErrInvalidScope("requested scope exceeds the authorized scope")
	}

	if err := p.codes.Discard(ctx, req.ClientID, req.Code); err != nil {
		return nil, err
	}

	token, err := p.tokens.IssueFromCode(ctx, code, requested)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Issued token from authorization code", "client_id", req.ClientID)
	return tokenResponse(token), nil
}

// exchangeRefreshToken issues a fresh token pair from an existing one.
// Unless rotation is disabled, the redeemed pair is revoked once the new
// pair has been persisted.
func (p *Provider) exchangeRefreshToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	previous, err := p.tokens.FromRefreshToken(ctx, req.ClientID, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		if p.auditor != nil {
			p.auditor.LogAuthFailure("", req.ClientID, "invalid_refresh_token")
		}
		return nil, ErrInvalidGrant("refresh token is not valid for this client")
	}

	requested := splitScope(req.Scope)
	if len(requested) > 0 && !scopeSubset(requested, previous.Scope) {
		return nil, ErrInvalidScope("requested scope exceeds the authorized scope")
	}

	token, err := p.tokens.IssueFromRefreshToken(ctx, previous, requested)
	if err != nil {
		return nil, err
	}

	if !p.config.DisableRefreshTokenRotation {
		if err := p.tokens.RevokeByRefreshToken(ctx, req.ClientID, previous.RefreshToken); err != nil {
			// The new pair is already live; a failed revocation must not
			// fail the exchange, but it leaves the old pair usable.
			p.logger.Warn("Failed to revoke rotated token pair",
				"client_id", req.ClientID, "error", err)
		}
	}

	p.logger.Info("Refreshed token pair",
		"client_id", req.ClientID,
		"rotated", !p.config.DisableRefreshTokenRotation)
	return tokenResponse(token), nil
}

func tokenResponse(token *storage.Token) *TokenResponse {
	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        strings.Join(token.Scope, " "),
	}
}

// ==================== Registration and client management ====================

// Register performs dynamic client registration and returns the public
// registration view.
func (p *Provider) Register(ctx context.Context, req *ClientRegistrationRequest) (*ClientView, error) {
	client, err := p.registry.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.clientView(client), nil
}

// GetClient serves the client-management GET: the registration view,
// after authentication and the lazy secret rotation documented on
// ClientRegistry.Fetch.
func (p *Provider) GetClient(ctx context.Context, clientID, registrationToken string) (*ClientView, error) {
	client, err := p.registry.Fetch(ctx, clientID, registrationToken)
	if err != nil {
		return nil, err
	}
	return p.clientView(client), nil
}

// UpdateClient serves the client-management PUT.
func (p *Provider) UpdateClient(ctx context.Context, clientID, registrationToken string, req *ClientUpdateRequest) (*ClientView, error) {
	client, err := p.registry.Update(ctx, clientID, registrationToken, req)
	if err != nil {
		return nil, err
	}
	return p.clientView(client), nil
}

// DeleteClient serves the client-management DELETE, cascading revocation of
// the client's tokens.
func (p *Provider) DeleteClient(ctx context.Context, clientID, registrationToken string) error {
	return p.registry.Delete(ctx, clientID, registrationToken)
}

// RevokeUserGrant withdraws a user's grant to a client by revoking every
// token the client holds for that user. Returns the number revoked.
func (p *Provider) RevokeUserGrant(ctx context.Context, clientID, userKey string) (int, error) {
	return p.tokens.RevokeAllForClientAndUser(ctx, clientID, userKey)
}

// clientView builds the public registration view of a client.
func (p *Provider) clientView(client *storage.Client) *ClientView {
	return &ClientView{
		ClientID:                client.ClientID,
		ClientSecret:            client.Secret,
		ClientSecretExpiresAt:   client.SecretExpiresAt,
		RegistrationAccessToken: client.RegistrationAccessToken,
		RegistrationClientURI:   p.registrationClientURI(client.ClientID),
		RedirectURIs:            client.RedirectURIs,
		Scope:                   strings.Join(client.Scope, " "),
		ClientName:              client.Name,
		ClientURI:               client.URI,
		LogoURI:                 client.LogoURI,
	}
}

// registrationClientURI derives the client-management endpoint URL for a
// client from the configured issuer.
func (p *Provider) registrationClientURI(clientID string) string {
	if p.config.Issuer == "" {
		return ""
	}
	return util.NormalizeURL(p.config.Issuer) + "/oauth/client/" + url.PathEscape(clientID)
}

// protocolError maps any error to the structured response the transport
// layer writes: protocol errors pass through, anything else becomes an
// opaque server_error.
func protocolError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("internal error")
}
