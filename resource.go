package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// ResourceAuthorizer validates bearer tokens on inbound resource requests.
// It fails closed: any lookup miss, expiry, or scope mismatch yields a
// not-valid Authorization so the calling layer can answer 401 uniformly.
type ResourceAuthorizer struct {
	tokens *TokenManager
	logger *slog.Logger
}

// NewResourceAuthorizer creates a resource authorizer over the provider's
// token manager.
func NewResourceAuthorizer(provider *Provider) *ResourceAuthorizer {
	return &ResourceAuthorizer{
		tokens: provider.tokens,
		logger: provider.logger,
	}
}

// Authorize validates an access token against the scope the resource
// requires, yielding validity plus the bound client, user reference, and
// remaining lifetime.
func (a *ResourceAuthorizer) Authorize(ctx context.Context, accessToken, requiredScope string) Authorization {
	return a.tokens.Validate(ctx, accessToken, requiredScope)
}

// AuthorizeRequest extracts the bearer token from an HTTP request and
// validates it. A missing or malformed Authorization header is simply not
// valid.
func (a *ResourceAuthorizer) AuthorizeRequest(r *http.Request, requiredScope string) Authorization {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return Authorization{}
	}
	return a.Authorize(r.Context(), token, requiredScope)
}

// BearerToken parses an Authorization header value, returning the bearer
// credential and whether one was present. Extra whitespace around the
// credential is tolerated; an empty credential is not.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
