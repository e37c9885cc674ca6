package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/JeffreyLMelvin/mc-coal/internal/testutil"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantCode   string
		wantStatus int
	}{
		{"invalid_request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid_grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid_client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid_client_id", ErrInvalidClientID("x"), ErrorCodeInvalidClientID, http.StatusBadRequest},
		{"invalid_scope", ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"invalid_token", ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"unsupported_grant_type", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server_error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{"access_denied", ErrAccessDenied("x"), ErrorCodeAccessDenied, http.StatusForbidden},
		{"bare unauthorized", ErrUnauthorized(), "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertEqual(t, tt.err.Code, tt.wantCode)
			testutil.AssertEqual(t, tt.err.Status, tt.wantStatus)
		})
	}
}

func TestErrorString(t *testing.T) {
	err := NewError("invalid_request", "missing client_id", http.StatusBadRequest)
	testutil.AssertEqual(t, err.Error(), "invalid_request: missing client_id")

	bare := NewError("invalid_grant", "", http.StatusBadRequest)
	testutil.AssertEqual(t, bare.Error(), "invalid_grant")
}

func TestProtocolErrorMapping(t *testing.T) {
	// A protocol *Error passes through unchanged, even when wrapped.
	oe := protocolError(ErrInvalidGrant("code already redeemed"))
	testutil.AssertEqual(t, oe.Code, ErrorCodeInvalidGrant)
	testutil.AssertEqual(t, oe.Description, "code already redeemed")

	wrapped := fmt.Errorf("token endpoint: %w", ErrInvalidClient("bad secret"))
	oe = protocolError(wrapped)
	testutil.AssertEqual(t, oe.Code, ErrorCodeInvalidClient)

	// Anything else collapses to server_error with no internal detail.
	oe = protocolError(errors.New("connection refused"))
	testutil.AssertEqual(t, oe.Code, ErrorCodeServerError)
	testutil.AssertEqual(t, oe.Status, http.StatusInternalServerError)
	if oe.Description == "connection refused" {
		t.Error("internal error detail leaked to the client")
	}
}
