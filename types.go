package oauth

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the OAuth error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// ==================== Dynamic Client Registration (RFC 7591) Types ====================

// ClientRegistrationRequest represents a dynamic client registration request
type ClientRegistrationRequest struct {
	// RedirectURIs is the array of redirection URIs for use in redirect-based
	// flows (required)
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// ClientURI is the URL of the client's home page
	ClientURI string `json:"client_uri,omitempty"`

	// LogoURI is the URL of the client's logo image
	LogoURI string `json:"logo_uri,omitempty"`

	// Scope is the space-separated list of requested scope values
	Scope string `json:"scope,omitempty"`
}

// ClientUpdateRequest represents a client-management PUT body. The client_id
// must match the client under management; client_secret and scope, when
// present, are validated against the stored values before the update applies.
type ClientUpdateRequest struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
	ClientURI    string   `json:"client_uri,omitempty"`
	LogoURI      string   `json:"logo_uri,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

// ClientView is the public registration view of a client, returned by the
// registration and client-management endpoints.
type ClientView struct {
	// ClientID is the unique client identifier
	ClientID string `json:"client_id"`

	// ClientSecret is the current client secret
	ClientSecret string `json:"client_secret,omitempty"`

	// ClientSecretExpiresAt is when the client_secret expires (epoch seconds, 0 = never)
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at"`

	// RegistrationAccessToken authenticates subsequent client-management calls
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`

	// RegistrationClientURI is the fully qualified client-management endpoint
	RegistrationClientURI string `json:"registration_client_uri,omitempty"`

	// RedirectURIs is the array of registered redirection URIs
	RedirectURIs []string `json:"redirect_uris"`

	// Scope is the space-separated list of granted scope values
	Scope string `json:"scope,omitempty"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// ClientURI is the URL of the client's home page
	ClientURI string `json:"client_uri,omitempty"`

	// LogoURI is the URL of the client's logo image
	LogoURI string `json:"logo_uri,omitempty"`
}

// ==================== Token Endpoint Types ====================

// TokenRequest carries the form-encoded grant parameters of a token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RefreshToken string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the space-separated scope of the access token
	Scope string `json:"scope,omitempty"`
}
