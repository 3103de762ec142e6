package secrets

import (
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/arko-backup/internal/credentials"
)

// KeyringBackend keeps each secret as a JSON blob in the OS keyring, next
// to the account's stored login.
type KeyringBackend struct {
	userID id.UserID
}

func NewKeyringBackend(userID string) *KeyringBackend {
	return &KeyringBackend{userID: id.UserID(userID)}
}

func (k *KeyringBackend) Load(name string) (Secret, error) {
	raw, err := credentials.GetSecret(k.userID, name)
	if errors.Is(err, credentials.ErrNotFound) {
		return Secret{}, ErrNotFound
	}
	if err != nil {
		return Secret{}, err
	}

	var secret Secret
	if err := json.Unmarshal(raw, &secret); err != nil {
		return Secret{}, fmt.Errorf("unmarshal secret: %w", err)
	}
	return secret, nil
}

func (k *KeyringBackend) Save(secret Secret) error {
	data, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	return credentials.PutSecret(k.userID, secret.Name, data)
}

func (k *KeyringBackend) Delete(name string) error {
	return credentials.DeleteSecret(k.userID, name)
}

func (k *KeyringBackend) Names() ([]string, error) {
	return credentials.SecretNames(k.userID), nil
}

func (k *KeyringBackend) Close() error {
	return nil
}
