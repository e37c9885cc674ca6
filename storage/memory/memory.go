// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/JeffreyLMelvin/mc-coal/instrumentation"
	"github.com/JeffreyLMelvin/mc-coal/security"
	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	// Codes are keyed by (client_id, code); the same code value under two
	// clients is two records.
	codes map[string]*storage.AuthorizationCode

	// Tokens are keyed by access token, with a secondary index by
	// (client_id, refresh_token) and per-client / per-client-user index
	// sets for cascade deletion.
	tokens       map[string]*storage.Token
	byRefresh    map[string]string
	byClient     map[string]map[string]struct{}
	byClientUser map[string]map[string]struct{}

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// encryptor provides optional encryption of client credentials at rest.
	// Access must be synchronized via encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCount atomic.Int64
	codesCount   atomic.Int64
	tokensCount  atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		clients:      make(map[string]*storage.Client),
		codes:        make(map[string]*storage.AuthorizationCode),
		tokens:       make(map[string]*storage.Token),
		byRefresh:    make(map[string]string),
		byClient:     make(map[string]map[string]struct{}),
		byClientUser: make(map[string]map[string]struct{}),
		logger:       slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.tokensCount.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.tokensCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// SetEncryptor installs credential encryption at rest for client records.
// Pass nil to store credentials in the clear.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func codeKey(clientID, code string) string {
	return clientID + "\x00" + code
}

func refreshKey(clientID, refreshToken string) string {
	return clientID + "\x00" + refreshToken
}

func clientUserKey(clientID, userKey string) string {
	return clientID + "\x00" + userKey
}

// ============================================================
// ClientStore implementation
// ============================================================

// InsertClient stores a new client, failing on a taken client_id.
func (s *Store) InsertClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "insert_client")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "insert_client", err, start) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client with non-empty client_id is required")
		return err
	}

	var stored *storage.Client
	stored, err = storage.EncryptClientSecrets(client, s.getEncryptor())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		err = fmt.Errorf("client %s: %w", client.ClientID, storage.ErrConflict)
		return err
	}

	s.clients[client.ClientID] = cloneClient(stored)
	s.clientsCount.Add(1)
	return nil
}

// SaveClient stores a client unconditionally.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "save_client", err, start) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client with non-empty client_id is required")
		return err
	}

	var stored *storage.Client
	stored, err = storage.EncryptClientSecrets(client, s.getEncryptor())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientsCount.Add(1)
	}
	s.clients[client.ClientID] = cloneClient(stored)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "get_client", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clients[clientID]
	if !exists {
		err = fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		return nil, err
	}

	var out *storage.Client
	out, err = storage.DecryptClientSecrets(cloneClient(client), s.getEncryptor())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteClient removes a client. Idempotent.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, span := s.startSpan(ctx, "delete_client")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "delete_client", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[clientID]; exists {
		delete(s.clients, clientID)
		s.clientsCount.Add(-1)
	}
	return nil
}

// ============================================================
// CodeStore implementation
// ============================================================

// InsertAuthorizationCode stores a new code, failing on a taken
// (client_id, code) pair.
func (s *Store) InsertAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "insert_code")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "insert_code", err, start) }()

	if code == nil || code.Code == "" || code.ClientID == "" {
		err = fmt.Errorf("code with non-empty code and client_id is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := codeKey(code.ClientID, code.Code)
	if _, exists := s.codes[key]; exists {
		err = fmt.Errorf("authorization code for client %s: %w", code.ClientID, storage.ErrConflict)
		return err
	}

	s.codes[key] = cloneCode(code)
	s.codesCount.Add(1)
	return nil
}

// GetAuthorizationCode retrieves a code record by (client_id, code).
func (s *Store) GetAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "get_code")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "get_code", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.codes[codeKey(clientID, code)]
	if !exists {
		err = fmt.Errorf("authorization code for client %s: %w", clientID, storage.ErrNotFound)
		return nil, err
	}
	return cloneCode(record), nil
}

// DeleteAuthorizationCode removes a code. Idempotent.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, clientID, code string) error {
	ctx, span := s.startSpan(ctx, "delete_code")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "delete_code", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := codeKey(clientID, code)
	if _, exists := s.codes[key]; exists {
		delete(s.codes, key)
		s.codesCount.Add(-1)
	}
	return nil
}

// ============================================================
// TokenStore implementation
// ============================================================

// InsertToken stores a new token pair, enforcing uniqueness of the access
// token and the (client_id, refresh_token) pair.
func (s *Store) InsertToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startSpan(ctx, "insert_token")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "insert_token", err, start) }()

	if token == nil || token.AccessToken == "" || token.ClientID == "" {
		err = fmt.Errorf("token with non-empty access_token and client_id is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.AccessToken]; exists {
		err = storage.ErrAccessTokenExists
		return err
	}
	if token.RefreshToken != "" {
		if _, exists := s.byRefresh[refreshKey(token.ClientID, token.RefreshToken)]; exists {
			err = storage.ErrRefreshTokenExists
			return err
		}
	}

	s.tokens[token.AccessToken] = cloneToken(token)
	if token.RefreshToken != "" {
		s.byRefresh[refreshKey(token.ClientID, token.RefreshToken)] = token.AccessToken
	}
	s.indexAdd(s.byClient, token.ClientID, token.AccessToken)
	s.indexAdd(s.byClientUser, clientUserKey(token.ClientID, token.UserKey), token.AccessToken)
	s.tokensCount.Add(1)
	return nil
}

// GetToken retrieves a token by access token.
func (s *Store) GetToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "get_token")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "get_token", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, exists := s.tokens[accessToken]
	if !exists {
		err = fmt.Errorf("token: %w", storage.ErrNotFound)
		return nil, err
	}
	return cloneToken(token), nil
}

// GetTokenByRefresh retrieves a token by (client_id, refresh_token).
func (s *Store) GetTokenByRefresh(ctx context.Context, clientID, refreshToken string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "get_token_by_refresh")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "get_token_by_refresh", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	accessToken, exists := s.byRefresh[refreshKey(clientID, refreshToken)]
	if !exists {
		err = fmt.Errorf("refresh token for client %s: %w", clientID, storage.ErrNotFound)
		return nil, err
	}
	token, exists := s.tokens[accessToken]
	if !exists {
		err = fmt.Errorf("refresh token for client %s: %w", clientID, storage.ErrNotFound)
		return nil, err
	}
	return cloneToken(token), nil
}

// DeleteToken removes a token by access token. Idempotent.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	ctx, span := s.startSpan(ctx, "delete_token")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "delete_token", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeTokenLocked(accessToken)
	return nil
}

// DeleteTokenByRefresh removes a token by (client_id, refresh_token).
// Idempotent.
func (s *Store) DeleteTokenByRefresh(ctx context.Context, clientID, refreshToken string) error {
	ctx, span := s.startSpan(ctx, "delete_token_by_refresh")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "delete_token_by_refresh", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if accessToken, exists := s.byRefresh[refreshKey(clientID, refreshToken)]; exists {
		s.removeTokenLocked(accessToken)
	}
	return nil
}

// DeleteClientTokens removes every token bound to clientID. Returns the
// number deleted.
func (s *Store) DeleteClientTokens(ctx context.Context, clientID string) (int, error) {
	ctx, span := s.startSpan(ctx, "delete_client_tokens")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "delete_client_tokens", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeIndexedLocked(s.byClient[clientID]), nil
}

// DeleteClientUserTokens removes every token bound to (clientID, userKey).
// Returns the number deleted.
func (s *Store) DeleteClientUserTokens(ctx context.Context, clientID, userKey string) (int, error) {
	ctx, span := s.startSpan(ctx, "delete_client_user_tokens")
	start := time.Now()
	var err error
	defer func() { s.record(ctx, span, "delete_client_user_tokens", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeIndexedLocked(s.byClientUser[clientUserKey(clientID, userKey)]), nil
}

// removeIndexedLocked deletes every token in the index set. Caller holds the
// mutex. The set is copied first since removeTokenLocked mutates it.
func (s *Store) removeIndexedLocked(set map[string]struct{}) int {
	if len(set) == 0 {
		return 0
	}
	accessTokens := make([]string, 0, len(set))
	for accessToken := range set {
		accessTokens = append(accessTokens, accessToken)
	}
	removed := 0
	for _, accessToken := range accessTokens {
		if s.removeTokenLocked(accessToken) {
			removed++
		}
	}
	return removed
}

// removeTokenLocked deletes a token and all its index entries. Caller holds
// the mutex.
func (s *Store) removeTokenLocked(accessToken string) bool {
	token, exists := s.tokens[accessToken]
	if !exists {
		return false
	}

	delete(s.tokens, accessToken)
	if token.RefreshToken != "" {
		delete(s.byRefresh, refreshKey(token.ClientID, token.RefreshToken))
	}
	s.indexRemove(s.byClient, token.ClientID, accessToken)
	s.indexRemove(s.byClientUser, clientUserKey(token.ClientID, token.UserKey), accessToken)
	s.tokensCount.Add(-1)
	return true
}

func (s *Store) indexAdd(index map[string]map[string]struct{}, key, accessToken string) {
	set, exists := index[key]
	if !exists {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[accessToken] = struct{}{}
}

func (s *Store) indexRemove(index map[string]map[string]struct{}, key, accessToken string) {
	set, exists := index[key]
	if !exists {
		return
	}
	delete(set, accessToken)
	if len(set) == 0 {
		delete(index, key)
	}
}

// ============================================================
// Record cloning
// ============================================================

// Records are cloned on the way in and out so callers cannot mutate stored
// state through shared slices.

func cloneClient(c *storage.Client) *storage.Client {
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	clone.Scope = append([]string(nil), c.Scope...)
	return &clone
}

func cloneCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	clone := *c
	clone.Scope = append([]string(nil), c.Scope...)
	return &clone
}

func cloneToken(t *storage.Token) *storage.Token {
	clone := *t
	clone.Scope = append([]string(nil), t.Scope...)
	return &clone
}

// ============================================================
// Instrumentation
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

func (s *Store) record(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if span != nil {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}

	if s.instrumentation == nil {
		return
	}
	m := s.instrumentation.Metrics()
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", "memory"),
		attribute.String("status", status),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, time.Since(start).Seconds()*1000, attrs)
}
