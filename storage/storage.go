// Package storage defines the record types and store contracts for OAuth
// clients, authorization codes, and tokens. It supports multiple backend
// implementations including in-memory and Valkey.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by store implementations. Callers should test
// with errors.Is since backends wrap these with operation detail.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrConflict indicates a conditional insert lost to an existing record.
	// Uniqueness invariants (client_id, access_token, client_id+code,
	// client_id+refresh_token) are enforced by the store, not by callers
	// doing read-then-write.
	ErrConflict = errors.New("storage: record already exists")
)

// InsertToken conflict causes, both matching ErrConflict under errors.Is.
var (
	ErrAccessTokenExists  = fmt.Errorf("%w: access token", ErrConflict)
	ErrRefreshTokenExists = fmt.Errorf("%w: refresh token for client", ErrConflict)
)

// Client is a registered OAuth client.
type Client struct {
	// ClientID is the unique, immutable client identifier.
	ClientID string

	// Display metadata, all optional.
	Name    string
	URI     string
	LogoURI string

	// RedirectURIs is the set of absolute redirect URIs registered for the
	// authorization-code flow.
	RedirectURIs []string

	// Scope is the set of permission strings the client may request.
	Scope []string

	// Secret is the client secret, empty if the client has none. It is
	// stored as issued so it can be returned in the registration view.
	Secret string

	// SecretExpiresAt is the secret expiry as epoch seconds, 0 = never.
	SecretExpiresAt int64

	// RegistrationAccessToken authenticates client-management calls.
	RegistrationAccessToken string

	// Active gates all authorization use of this client. An inactive
	// client fails every validation check.
	Active bool

	Created time.Time
	Updated time.Time
}

// IsSecretExpired reports whether the client secret has expired at now.
// A zero SecretExpiresAt means the secret never expires.
func (c *Client) IsSecretExpired(now time.Time) bool {
	if c.SecretExpiresAt == 0 {
		return false
	}
	return now.After(time.Unix(c.SecretExpiresAt, 0))
}

// HasRedirectURI reports whether uri is one of the registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasScope reports whether the client is allowed the single scope s.
func (c *Client) HasScope(s string) bool {
	for _, have := range c.Scope {
		if have == s {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use credential issued on user consent and
// redeemed once for a token pair. Uniqueness is over (ClientID, Code).
type AuthorizationCode struct {
	Code     string
	ClientID string

	// UserKey is an opaque reference to the authenticated principal.
	// The principal itself is owned by an external authenticator.
	UserKey string

	// Scope is never empty; issuance defaults it.
	Scope []string

	// ExpiresIn is the lifetime in seconds from Created, 0 = never expires.
	ExpiresIn int64

	Created time.Time
	Updated time.Time
}

// IsExpired reports whether the code has expired at now. ExpiresIn of zero
// short-circuits to false with no expiry comparison.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	if c.ExpiresIn == 0 {
		return false
	}
	return now.After(c.Created.Add(time.Duration(c.ExpiresIn) * time.Second))
}

// Token is an issued access/refresh token pair bound to a client and user.
// AccessToken is unique across the store; (ClientID, RefreshToken) is unique.
type Token struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	UserKey      string
	Scope        []string
	TokenType    string

	// ExpiresIn is the lifetime in seconds from Created, 0 = never expires.
	ExpiresIn int64

	Created time.Time
	Updated time.Time
}

// IsExpired reports whether the token has expired at now. ExpiresIn of zero
// short-circuits to false with no expiry comparison.
func (t *Token) IsExpired(now time.Time) bool {
	if t.ExpiresIn == 0 {
		return false
	}
	return now.After(t.Created.Add(time.Duration(t.ExpiresIn) * time.Second))
}

// TTL returns the remaining lifetime in seconds at now: 0 if expired,
// -1 if the token never expires.
func (t *Token) TTL(now time.Time) int64 {
	if t.ExpiresIn == 0 {
		return -1
	}
	remaining := int64(t.Created.Add(time.Duration(t.ExpiresIn) * time.Second).Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasScope reports whether the token carries the single scope s.
func (t *Token) HasScope(s string) bool {
	for _, have := range t.Scope {
		if have == s {
			return true
		}
	}
	return false
}

// ClientStore persists Client records keyed by client_id.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// InsertClient stores a new client, returning ErrConflict if the
	// client_id is already taken. Used by registration to make client_id
	// generation race-safe.
	InsertClient(ctx context.Context, client *Client) error

	// SaveClient stores a client unconditionally (create or replace).
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID, ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client. Deleting an absent client is not an
	// error. Token cleanup is the caller's responsibility.
	DeleteClient(ctx context.Context, clientID string) error
}

// CodeStore persists AuthorizationCode records keyed by (client_id, code).
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// InsertAuthorizationCode stores a new code, returning ErrConflict if
	// the (client_id, code) pair already exists.
	InsertAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code record, ErrNotFound if absent.
	// Expiry is not checked here; callers enforce it lazily on read.
	GetAuthorizationCode(ctx context.Context, clientID, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code. Idempotent.
	DeleteAuthorizationCode(ctx context.Context, clientID, code string) error
}

// TokenStore persists Token records keyed by access_token with a secondary
// lookup by (client_id, refresh_token).
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// InsertToken stores a new token pair, returning ErrConflict if the
	// access_token or the (client_id, refresh_token) pair already exists.
	// An insert must never silently overwrite either index.
	InsertToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token by access token, ErrNotFound if absent.
	GetToken(ctx context.Context, accessToken string) (*Token, error)

	// GetTokenByRefresh retrieves a token by (client_id, refresh_token),
	// ErrNotFound if absent.
	GetTokenByRefresh(ctx context.Context, clientID, refreshToken string) (*Token, error)

	// DeleteToken removes a token by access token. Idempotent.
	DeleteToken(ctx context.Context, accessToken string) error

	// DeleteTokenByRefresh removes a token by (client_id, refresh_token).
	// Idempotent.
	DeleteTokenByRefresh(ctx context.Context, clientID, refreshToken string) error

	// DeleteClientTokens removes every token bound to clientID, in batches
	// to bound memory on large clients. Returns the number deleted.
	DeleteClientTokens(ctx context.Context, clientID string) (int, error)

	// DeleteClientUserTokens removes every token bound to (clientID,
	// userKey), in batches. Returns the number deleted.
	DeleteClientUserTokens(ctx context.Context, clientID, userKey string) (int, error)
}

// Store is the full persistence contract required by the OAuth core.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}
