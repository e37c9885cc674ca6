package oauth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
	"github.com/JeffreyLMelvin/mc-coal/internal/testutil"
	"github.com/JeffreyLMelvin/mc-coal/storage"
	"github.com/JeffreyLMelvin/mc-coal/storage/memory"
)

func newTestRegistry(config *Config) (*ClientRegistry, *memory.Store) {
	if config == nil {
		config = &Config{DefaultScope: []string{"data"}}
	}
	store := memory.New()
	registry := NewClientRegistry(store, store, NewCredentialGenerator(), config,
		slog.Default(), nil)
	return registry, store
}

func TestRegisterGeneratesCredentials(t *testing.T) {
	registry, _ := newTestRegistry(nil)

	client, err := registry.Register(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
		ClientName:   "app",
	})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, len(client.ClientID), 10)
	testutil.AssertNotEqual(t, client.Secret, "")
	testutil.AssertNotEqual(t, client.RegistrationAccessToken, "")
	testutil.AssertNotEqual(t, client.Secret, client.RegistrationAccessToken)
	testutil.AssertTrue(t, client.Active, "new registrations start active")
	testutil.AssertEqual(t, client.SecretExpiresAt, int64(0))
	testutil.AssertEqual(t, len(client.Scope), 1)
	testutil.AssertEqual(t, client.Scope[0], "data")
}

func TestRegisterRequiresRedirectURIs(t *testing.T) {
	registry, _ := newTestRegistry(nil)

	_, err := registry.Register(context.Background(), &ClientRegistrationRequest{})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestRegisterSecretExpiryFromPolicy(t *testing.T) {
	registry, _ := newTestRegistry(&Config{
		DefaultScope: []string{"data"},
		SecretTTL:    3600,
	})
	mock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	registry.now = mock.Now

	client, err := registry.Register(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, client.SecretExpiresAt, int64(1_700_003_600))
}

// conflictingClientStore forces the first n inserts to collide.
type conflictingClientStore struct {
	storage.ClientStore
	remaining int
}

func (s *conflictingClientStore) InsertClient(ctx context.Context, client *storage.Client) error {
	if s.remaining > 0 {
		s.remaining--
		return storage.ErrConflict
	}
	return s.ClientStore.InsertClient(ctx, client)
}

func TestRegisterExtendsClientIDOnCollision(t *testing.T) {
	store := memory.New()
	registry := NewClientRegistry(
		&conflictingClientStore{ClientStore: store, remaining: 3},
		store, NewCredentialGenerator(),
		&Config{DefaultScope: []string{"data"}}, slog.Default(), nil)

	client, err := registry.Register(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(client.ClientID), 13)
}

func TestRegisterGivesUpAfterMaxAttempts(t *testing.T) {
	store := memory.New()
	registry := NewClientRegistry(
		&conflictingClientStore{ClientStore: store, remaining: maxClientIDAttempts + 1},
		store, NewCredentialGenerator(),
		&Config{DefaultScope: []string{"data"}}, slog.Default(), nil)

	_, err := registry.Register(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertError(t, err)
}

func TestFetchRotatesExpiredSecret(t *testing.T) {
	registry, store := newTestRegistry(&Config{
		DefaultScope: []string{"data"},
		SecretTTL:    60,
	})
	mock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	registry.now = mock.Now
	ctx := context.Background()

	client, err := registry.Register(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertNoError(t, err)
	oldSecret := client.Secret

	// Within the lifetime the secret is stable.
	mock.Advance(59 * time.Second)
	fetched, err := registry.Fetch(ctx, client.ClientID, client.RegistrationAccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, fetched.Secret, oldSecret)

	mock.Advance(2 * time.Second)
	fetched, err = registry.Fetch(ctx, client.ClientID, client.RegistrationAccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, fetched.Secret, oldSecret)
	testutil.AssertEqual(t, fetched.SecretExpiresAt, mock.Now().Unix()+60)

	// The rotation was persisted.
	stored, err := store.GetClient(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stored.Secret, fetched.Secret)
}

func TestUpdateValidationOrder(t *testing.T) {
	registry, _ := newTestRegistry(nil)
	ctx := context.Background()

	client, err := registry.Register(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
		Scope:        "data read",
	})
	testutil.AssertNoError(t, err)

	uris := []string{"https://app.example.com/cb"}

	// Missing required params fails before any authentication.
	_, err = registry.Update(ctx, client.ClientID, "bad token", &ClientUpdateRequest{})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	// With params present, a bad registration token is rejected next.
	_, err = registry.Update(ctx, client.ClientID, "bad token", &ClientUpdateRequest{
		ClientID:     client.ClientID,
		RedirectURIs: uris,
	})
	assertOAuthError(t, err, ErrorCodeInvalidToken)

	// Body/path identity disagreement.
	_, err = registry.Update(ctx, client.ClientID, client.RegistrationAccessToken, &ClientUpdateRequest{
		ClientID:     "someoneelse",
		RedirectURIs: uris,
	})
	assertOAuthError(t, err, ErrorCodeInvalidClientID)

	// Presented secret must match the stored one.
	_, err = registry.Update(ctx, client.ClientID, client.RegistrationAccessToken, &ClientUpdateRequest{
		ClientID:     client.ClientID,
		RedirectURIs: uris,
		ClientSecret: "wrong",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	// Scope may only narrow, never widen.
	_, err = registry.Update(ctx, client.ClientID, client.RegistrationAccessToken, &ClientUpdateRequest{
		ClientID:     client.ClientID,
		RedirectURIs: uris,
		Scope:        "data admin",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	updated, err := registry.Update(ctx, client.ClientID, client.RegistrationAccessToken, &ClientUpdateRequest{
		ClientID:     client.ClientID,
		RedirectURIs: []string{"https://app.example.com/v2"},
		ClientSecret: client.Secret,
		Scope:        "data",
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, updated.RedirectURIs[0], "https://app.example.com/v2")
	testutil.AssertEqual(t, len(updated.Scope), 1)
}

func TestManagementUnknownClient(t *testing.T) {
	registry, _ := newTestRegistry(nil)
	ctx := context.Background()

	_, err := registry.Fetch(ctx, "nosuch", "token")
	assertBareUnauthorized(t, err)

	err = registry.Delete(ctx, "nosuch", "token")
	assertBareUnauthorized(t, err)
}

func TestManagementInactiveClient(t *testing.T) {
	registry, store := newTestRegistry(nil)
	ctx := context.Background()

	client, err := registry.Register(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertNoError(t, err)

	client.Active = false
	testutil.AssertNoError(t, store.SaveClient(ctx, client))

	_, err = registry.Fetch(ctx, client.ClientID, client.RegistrationAccessToken)
	assertBareUnauthorized(t, err)
	testutil.AssertFalse(t, registry.ValidateIdentity(ctx, client.ClientID),
		"inactive client should not validate")
}

func TestDeleteRemovesClientAndTokens(t *testing.T) {
	registry, store := newTestRegistry(nil)
	ctx := context.Background()

	client, err := registry.Register(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertNoError(t, err)

	token := testutil.GenerateTestToken()
	token.ClientID = client.ClientID
	testutil.AssertNoError(t, store.InsertToken(ctx, token))

	testutil.AssertNoError(t, registry.Delete(ctx, client.ClientID, client.RegistrationAccessToken))

	if _, err = store.GetClient(ctx, client.ClientID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted client, got %v", err)
	}
	if _, err = store.GetToken(ctx, token.AccessToken); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for cascaded token, got %v", err)
	}
}

func TestDeleteCascadeRecordsFlowMetric(t *testing.T) {
	registry, store := newTestRegistry(nil)
	counter := &countingCounter{}
	registry.metrics = &instrumentation.Metrics{TokenRevoked: counter}
	ctx := context.Background()

	client, err := registry.Register(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertNoError(t, err)

	for i := 0; i < 2; i++ {
		token := testutil.GenerateTestToken()
		token.ClientID = client.ClientID
		testutil.AssertNoError(t, store.InsertToken(ctx, token))
	}

	testutil.AssertNoError(t, registry.Delete(ctx, client.ClientID, client.RegistrationAccessToken))
	testutil.AssertEqual(t, counter.total, int64(2))
}

func TestValidateSecret(t *testing.T) {
	registry, store := newTestRegistry(&Config{
		DefaultScope: []string{"data"},
		SecretTTL:    60,
	})
	mock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	registry.now = mock.Now
	ctx := context.Background()

	client, err := registry.Register(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	testutil.AssertNoError(t, err)

	tests := []struct {
		name     string
		clientID string
		secret   string
		advance  time.Duration
		want     bool
	}{
		{"valid", client.ClientID, client.Secret, 0, true},
		{"unknown client", "nosuch", client.Secret, 0, false},
		{"wrong secret", client.ClientID, "wrong", 0, false},
		{"empty secret", client.ClientID, "", 0, false},
		{"expired secret", client.ClientID, client.Secret, 61 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.Set(time.Unix(1_700_000_000, 0).Add(tt.advance))
			got := registry.ValidateSecret(ctx, tt.clientID, tt.secret)
			testutil.AssertEqual(t, got, tt.want)
		})
	}

	// A stored empty secret never matches, even empty-for-empty.
	mock.Set(time.Unix(1_700_000_000, 0))
	client.Secret = ""
	testutil.AssertNoError(t, store.SaveClient(ctx, client))
	testutil.AssertFalse(t, registry.ValidateSecret(ctx, client.ClientID, ""),
		"empty stored secret must not match")
}

func TestValidateRedirectURIAndScope(t *testing.T) {
	registry, _ := newTestRegistry(nil)
	ctx := context.Background()

	client, err := registry.Register(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
		Scope:        "data read",
	})
	testutil.AssertNoError(t, err)

	testutil.AssertTrue(t, registry.ValidateRedirectURI(ctx, client.ClientID, "https://app.example.com/cb"), "registered URI")
	testutil.AssertFalse(t, registry.ValidateRedirectURI(ctx, client.ClientID, "https://evil.example.com/cb"), "unregistered URI")

	testutil.AssertTrue(t, registry.ValidateScopeSubset(ctx, client.ClientID, []string{"read"}), "subset scope")
	testutil.AssertTrue(t, registry.ValidateScopeSubset(ctx, client.ClientID, nil), "empty scope")
	testutil.AssertFalse(t, registry.ValidateScopeSubset(ctx, client.ClientID, []string{"admin"}), "excess scope")
}

func TestScopeSubset(t *testing.T) {
	have := []string{"data", "read"}
	testutil.AssertTrue(t, scopeSubset(nil, have), "nil want")
	testutil.AssertTrue(t, scopeSubset([]string{"data"}, have), "single")
	testutil.AssertFalse(t, scopeSubset([]string{"data", "admin"}, have), "partial overlap")
	testutil.AssertFalse(t, scopeSubset([]string{"admin"}, nil), "empty have")
}
