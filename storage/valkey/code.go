package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// codeJSON is the stored form of a storage.AuthorizationCode.
type codeJSON struct {
	Code      string   `json:"code"`
	ClientID  string   `json:"client_id"`
	UserKey   string   `json:"user_key"`
	Scope     []string `json:"scope"`
	ExpiresIn int64    `json:"expires_in"`
	Created   int64    `json:"created"`
	Updated   int64    `json:"updated"`
}

func toCodeJSON(c *storage.AuthorizationCode) *codeJSON {
	return &codeJSON{
		Code:      c.Code,
		ClientID:  c.ClientID,
		UserKey:   c.UserKey,
		Scope:     c.Scope,
		ExpiresIn: c.ExpiresIn,
		Created:   c.Created.UnixNano(),
		Updated:   c.Updated.UnixNano(),
	}
}

func fromCodeJSON(j *codeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:      j.Code,
		ClientID:  j.ClientID,
		UserKey:   j.UserKey,
		Scope:     j.Scope,
		ExpiresIn: j.ExpiresIn,
		Created:   time.Unix(0, j.Created),
		Updated:   time.Unix(0, j.Updated),
	}
}

// InsertAuthorizationCode stores a new code, failing on a taken
// (client_id, code) pair. Codes with a finite lifetime also get a key TTL so
// expired codes that are never redeemed do not accumulate.
func (s *Store) InsertAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" || code.ClientID == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.ClientID, code.Code)
	builder := s.client.B().Set().Key(key).Value(string(data)).Nx()
	if code.ExpiresIn > 0 {
		err = s.client.Do(ctx, builder.Ex(time.Duration(code.ExpiresIn)*time.Second).Build()).Error()
	} else {
		err = s.client.Do(ctx, builder.Build()).Error()
	}
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("authorization code for client %s: %w", code.ClientID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to insert authorization code: %w", err)
	}

	s.logger.Debug("Inserted authorization code", "client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code record by (client_id, code).
func (s *Store) GetAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(clientID, code)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("authorization code for client %s: %w", clientID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	return fromCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes a code. Idempotent.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, clientID, code string) error {
	key := s.codeKey(clientID, code)
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
