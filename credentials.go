package oauth

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/oauth2"
)

// clientIDLength is the length of freshly generated client identifiers.
// Collisions are resolved by extending the candidate one character at a
// time until the registry accepts the insert.
const clientIDLength = 10

// clientIDAlphabet is the character set for client identifiers.
const clientIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// CredentialGenerator produces unguessable random strings for secrets,
// tokens, and registration credentials.
type CredentialGenerator struct{}

// NewCredentialGenerator creates a new credential generator.
func NewCredentialGenerator() *CredentialGenerator {
	return &CredentialGenerator{}
}

// Token generates a cryptographically secure random credential, used for
// authorization codes, access/refresh tokens, client secrets, and
// registration access tokens.
func (g *CredentialGenerator) Token() string {
	// Same generation quality as PKCE verifiers (43 chars, 256 bits).
	return oauth2.GenerateVerifier()
}

// ClientID generates a short random client identifier.
func (g *CredentialGenerator) ClientID() string {
	return randomASCII(clientIDLength)
}

// ExtendClientID lengthens a colliding client identifier candidate by one
// random character.
func (g *CredentialGenerator) ExtendClientID(id string) string {
	return id + randomASCII(1)
}

func randomASCII(n int) string {
	max := big.NewInt(int64(len(clientIDAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// System RNG failure is not recoverable.
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		b[i] = clientIDAlphabet[idx.Int64()]
	}
	return string(b)
}
