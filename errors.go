package oauth

import (
	"fmt"
	"net/http"
)

// Protocol error codes carried in the "error" field of error responses.
// invalid_client_id is specific to the client management API; the rest are
// the standard OAuth 2.0 and bearer-token codes.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidClientID      = "invalid_client_id"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
)

// Error represents an OAuth 2.0 protocol error. Validation failures are
// recovered into one of these; only genuinely unexpected faults surface as
// server_error, with no internal detail leaked to the client.
type Error struct {
	// Code is the protocol error code. Empty means a bare status response
	// with no JSON body.
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a protocol error with an explicit HTTP status.
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Constructors pairing each error code with its HTTP status. Descriptions
// are written for the client developer; nothing internal goes in them.
var (
	// Malformed request or missing required parameters.
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// Authorization code or refresh token unknown, expired, or already
	// redeemed. Deliberately indistinguishable cases.
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// Client authentication failed on the token endpoint.
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// The client_id in a management request body disagrees with the client
	// being managed.
	ErrInvalidClientID = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClientID, desc, http.StatusBadRequest)
	}

	// Requested scope exceeds what was granted.
	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// Bad bearer credential, either a registration access token or an
	// access token. The transport adds the WWW-Authenticate challenge.
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// The client may not use the requested grant.
	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// The resource owner denied consent.
	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrUnauthorized is the bare 401 given when the client_id itself is
	// unknown or inactive on the management endpoints. No body, no code;
	// an unauthenticated caller learns nothing about the registration.
	ErrUnauthorized = func() *Error {
		return NewError("", "", http.StatusUnauthorized)
	}
)

// Duplicate-resource errors. These indicate a store uniqueness check
// tripped (random credential collision or a racing insert) and are treated
// as internal faults, never as user-caused errors.
var (
	ErrDuplicateAuthorizationCode = func() *Error {
		return NewError(ErrorCodeServerError, "duplicate_authorization_code", http.StatusInternalServerError)
	}

	ErrDuplicateAccessToken = func() *Error {
		return NewError(ErrorCodeServerError, "duplicate_access_token", http.StatusInternalServerError)
	}

	ErrDuplicateRefreshToken = func() *Error {
		return NewError(ErrorCodeServerError, "duplicate_refresh_token", http.StatusInternalServerError)
	}
)
