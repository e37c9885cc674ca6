package storage

import (
	"fmt"

	"github.com/JeffreyLMelvin/mc-coal/security"
)

// EncryptClientSecrets returns a copy of client with the secret and
// registration access token encrypted for storage at rest. The original is
// left unchanged. If encryptor is nil or disabled, the client is returned
// as-is.
func EncryptClientSecrets(client *Client, encryptor *security.Encryptor) (*Client, error) {
	if encryptor == nil || !encryptor.IsEnabled() {
		return client, nil
	}

	encrypted := *client
	if client.Secret != "" {
		enc, err := encryptor.Encrypt(client.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt client secret: %w", err)
		}
		encrypted.Secret = enc
	}
	if client.RegistrationAccessToken != "" {
		enc, err := encryptor.Encrypt(client.RegistrationAccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt registration access token: %w", err)
		}
		encrypted.RegistrationAccessToken = enc
	}
	return &encrypted, nil
}

// DecryptClientSecrets reverses EncryptClientSecrets on a record read from
// storage.
func DecryptClientSecrets(client *Client, encryptor *security.Encryptor) (*Client, error) {
	if encryptor == nil || !encryptor.IsEnabled() {
		return client, nil
	}

	decrypted := *client
	if client.Secret != "" {
		dec, err := encryptor.Decrypt(client.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
		}
		decrypted.Secret = dec
	}
	if client.RegistrationAccessToken != "" {
		dec, err := encryptor.Decrypt(client.RegistrationAccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt registration access token: %w", err)
		}
		decrypted.RegistrationAccessToken = dec
	}
	return &decrypted, nil
}
