package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JeffreyLMelvin/mc-coal/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// clientJSON is the stored form of a storage.Client.
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	Name                    string   `json:"name,omitempty"`
	URI                     string   `json:"uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scope                   []string `json:"scope"`
	Secret                  string   `json:"secret,omitempty"`
	SecretExpiresAt         int64    `json:"secret_expires_at"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	Active                  bool     `json:"active"`
	Created                 int64    `json:"created"`
	Updated                 int64    `json:"updated"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		Name:                    c.Name,
		URI:                     c.URI,
		LogoURI:                 c.LogoURI,
		RedirectURIs:            c.RedirectURIs,
		Scope:                   c.Scope,
		Secret:                  c.Secret,
		SecretExpiresAt:         c.SecretExpiresAt,
		RegistrationAccessToken: c.RegistrationAccessToken,
		Active:                  c.Active,
		Created:                 c.Created.UnixNano(),
		Updated:                 c.Updated.UnixNano(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		Name:                    j.Name,
		URI:                     j.URI,
		LogoURI:                 j.LogoURI,
		RedirectURIs:            j.RedirectURIs,
		Scope:                   j.Scope,
		Secret:                  j.Secret,
		SecretExpiresAt:         j.SecretExpiresAt,
		RegistrationAccessToken: j.RegistrationAccessToken,
		Active:                  j.Active,
		Created:                 time.Unix(0, j.Created),
		Updated:                 time.Unix(0, j.Updated),
	}
}

func (s *Store) marshalClient(client *storage.Client) (string, error) {
	stored, err := storage.EncryptClientSecrets(client, s.getEncryptor())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(toClientJSON(stored))
	if err != nil {
		return "", fmt.Errorf("failed to marshal client: %w", err)
	}
	return string(data), nil
}

// InsertClient stores a new client, failing on a taken client_id.
func (s *Store) InsertClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := s.marshalClient(client)
	if err != nil {
		return err
	}

	key := s.clientKey(client.ClientID)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(data).Nx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			// SET NX did not run: the client_id is taken.
			return fmt.Errorf("client %s: %w", client.ClientID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to insert client: %w", err)
	}

	s.logger.Debug("Inserted client", "client_id", client.ClientID)
	return nil
}

// SaveClient stores a client unconditionally.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := s.marshalClient(client)
	if err != nil {
		return err
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(data).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	key := s.clientKey(clientID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return storage.DecryptClientSecrets(fromClientJSON(&j), s.getEncryptor())
}

// DeleteClient removes a client. Idempotent.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	key := s.clientKey(clientID)
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}
