// Package testutil provides testing utilities, fixtures, and assertion
// helpers. It includes a mock time provider for deterministic expiry testing.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateTestClient creates a registered client fixture.
func GenerateTestClient() *storage.Client {
	now := time.Now()
	return &storage.Client{
		ClientID:                "testclient",
		Name:                    gofakeit.AppName(),
		URI:                     "https://example.com",
		LogoURI:                 "https://example.com/logo.png",
		RedirectURIs:            []string{"https://example.com/callback"},
		Scope:                   []string{"data"},
		Secret:                  GenerateRandomString(32),
		SecretExpiresAt:         0,
		RegistrationAccessToken: GenerateRandomString(32),
		Active:                  true,
		Created:                 now,
		Updated:                 now,
	}
}

// GenerateTestAuthorizationCode creates an authorization code fixture bound
// to the default test client.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:      GenerateRandomString(32),
		ClientID:  "testclient",
		UserKey:   "user-" + gofakeit.Username(),
		Scope:     []string{"data"},
		ExpiresIn: 3600,
		Created:   now,
		Updated:   now,
	}
}

// GenerateTestToken creates a token pair fixture bound to the default test
// client.
func GenerateTestToken() *storage.Token {
	now := time.Now()
	return &storage.Token{
		AccessToken:  GenerateRandomString(32),
		RefreshToken: GenerateRandomString(32),
		ClientID:     "testclient",
		UserKey:      "user-" + gofakeit.Username(),
		Scope:        []string{"data"},
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		Created:      now,
		Updated:      now,
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertNotEqual fails the test if got == want
func AssertNotEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got == want {
		t.Errorf("got %v, want different value", got)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertFalse fails the test if condition is true
func AssertFalse(t *testing.T, condition bool, message string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	found := false
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}
