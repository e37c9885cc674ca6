package oauth

import (
	"strings"
	"testing"

	"github.com/JeffreyLMelvin/mc-coal/internal/testutil"
)

func TestClientIDGeneration(t *testing.T) {
	creds := NewCredentialGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := creds.ClientID()
		testutil.AssertEqual(t, len(id), clientIDLength)
		for _, c := range id {
			if !strings.ContainsRune(clientIDAlphabet, c) {
				t.Fatalf("client_id %q contains %q outside the alphabet", id, c)
			}
		}
		seen[id] = true
	}
	// 100 draws from a 62^10 space never collide in practice.
	testutil.AssertEqual(t, len(seen), 100)
}

func TestExtendClientID(t *testing.T) {
	creds := NewCredentialGenerator()

	id := creds.ClientID()
	extended := creds.ExtendClientID(id)
	testutil.AssertEqual(t, len(extended), len(id)+1)
	testutil.AssertTrue(t, strings.HasPrefix(extended, id), "extension must preserve the prefix")
}

func TestTokenGeneration(t *testing.T) {
	creds := NewCredentialGenerator()

	a := creds.Token()
	b := creds.Token()
	testutil.AssertNotEqual(t, a, "")
	testutil.AssertNotEqual(t, a, b)
	if len(a) < 32 {
		t.Errorf("token %q too short for a credential", a)
	}
}
