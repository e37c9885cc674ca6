package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenJSON is the stored form of a storage.Token.
//
// Token records carry no key TTL: expiry of the access token is enforced
// lazily by readers, and the refresh token bound to the record stays
// redeemable after the access token expires.
type tokenJSON struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ClientID     string   `json:"client_id"`
	UserKey      string   `json:"user_key"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	Created      int64    `json:"created"`
	Updated      int64    `json:"updated"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ClientID:     t.ClientID,
		UserKey:      t.UserKey,
		Scope:        t.Scope,
		TokenType:    t.TokenType,
		ExpiresIn:    t.ExpiresIn,
		Created:      t.Created.UnixNano(),
		Updated:      t.Updated.UnixNano(),
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	return &storage.Token{
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		ClientID:     j.ClientID,
		UserKey:      j.UserKey,
		Scope:        j.Scope,
		TokenType:    j.TokenType,
		ExpiresIn:    j.ExpiresIn,
		Created:      time.Unix(0, j.Created),
		Updated:      time.Unix(0, j.Updated),
	}
}

// InsertToken stores a new token pair, enforcing uniqueness of the access
// token and the (client_id, refresh_token) pair via conditional SETs. A lost
// refresh-index race rolls the token key back before reporting the conflict.
func (s *Store) InsertToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" || token.ClientID == "" {
		return fmt.Errorf("invalid token")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	tokenKey := s.tokenKey(token.AccessToken)
	err = s.client.Do(ctx, s.client.B().Set().Key(tokenKey).Value(string(data)).Nx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			return storage.ErrAccessTokenExists
		}
		return fmt.Errorf("failed to insert token: %w", err)
	}

	if token.RefreshToken != "" {
		refreshKey := s.refreshKey(token.ClientID, token.RefreshToken)
		err = s.client.Do(ctx, s.client.B().Set().Key(refreshKey).Value(token.AccessToken).Nx().Build()).Error()
		if err != nil {
			_ = s.client.Do(ctx, s.client.B().Del().Key(tokenKey).Build()).Error()
			if isNilError(err) {
				return storage.ErrRefreshTokenExists
			}
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
	}

	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.clientTokensKey(token.ClientID)).Member(token.AccessToken).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index token by client: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.userTokensKey(token.ClientID, token.UserKey)).Member(token.AccessToken).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index token by client and user: %w", err)
	}

	s.logger.Debug("Inserted token", "client_id", token.ClientID)
	return nil
}

// GetToken retrieves a token by access token.
func (s *Store) GetToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("token: %w", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// GetTokenByRefresh retrieves a token by (client_id, refresh_token).
func (s *Store) GetTokenByRefresh(ctx context.Context, clientID, refreshToken string) (*storage.Token, error) {
	accessToken, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(clientID, refreshToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("refresh token for client %s: %w", clientID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}
	return s.GetToken(ctx, accessToken)
}

// DeleteToken removes a token by access token. Idempotent.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	_, err := s.removeToken(ctx, accessToken)
	return err
}

// DeleteTokenByRefresh removes a token by (client_id, refresh_token).
// Idempotent.
func (s *Store) DeleteTokenByRefresh(ctx context.Context, clientID, refreshToken string) error {
	accessToken, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(clientID, refreshToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to resolve refresh token: %w", err)
	}
	_, err = s.removeToken(ctx, accessToken)
	return err
}

// DeleteClientTokens removes every token bound to clientID, popping the
// per-client index set in batches. Returns the number deleted.
func (s *Store) DeleteClientTokens(ctx context.Context, clientID string) (int, error) {
	removed, err := s.drainTokenSet(ctx, s.clientTokensKey(clientID))
	if err != nil {
		return removed, err
	}

	s.logger.Debug("Deleted client tokens", "client_id", clientID, "count", removed)
	return removed, nil
}

// DeleteClientUserTokens removes every token bound to (clientID, userKey),
// in batches. Returns the number deleted.
func (s *Store) DeleteClientUserTokens(ctx context.Context, clientID, userKey string) (int, error) {
	removed, err := s.drainTokenSet(ctx, s.userTokensKey(clientID, userKey))
	if err != nil {
		return removed, err
	}

	s.logger.Debug("Deleted client user tokens", "client_id", clientID, "count", removed)
	return removed, nil
}

// drainTokenSet pops access tokens off an index set in batches and removes
// each token record.
func (s *Store) drainTokenSet(ctx context.Context, setKey string) (int, error) {
	removed := 0
	for {
		batch, err := s.client.Do(ctx, s.client.B().Spop().Key(setKey).Count(popBatchSize).Build()).AsStrSlice()
		if err != nil {
			if isNilError(err) {
				return removed, nil
			}
			return removed, fmt.Errorf("failed to pop token index: %w", err)
		}
		if len(batch) == 0 {
			return removed, nil
		}

		for _, accessToken := range batch {
			ok, err := s.removeToken(ctx, accessToken)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}
	}
}

// removeToken deletes a token record and all its index entries. Reports
// whether a record existed.
func (s *Store) removeToken(ctx context.Context, accessToken string) (bool, error) {
	token, err := s.GetToken(ctx, accessToken)
	if err != nil {
		if isNotFound(err) {
			// The record may already be gone; clear the bare key anyway.
			_ = s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(accessToken)).Build()).Error()
			return false, nil
		}
		return false, err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(accessToken)).Build()).Error(); err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	if token.RefreshToken != "" {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshKey(token.ClientID, token.RefreshToken)).Build()).Error(); err != nil {
			return false, fmt.Errorf("failed to delete refresh index: %w", err)
		}
	}
	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.clientTokensKey(token.ClientID)).Member(accessToken).Build()).Error(); err != nil {
		return false, fmt.Errorf("failed to unindex token by client: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.userTokensKey(token.ClientID, token.UserKey)).Member(accessToken).Build()).Error(); err != nil {
		return false, fmt.Errorf("failed to unindex token by client and user: %w", err)
	}
	return true, nil
}
