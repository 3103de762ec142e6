package credentials

import (
	"encoding/base64"
	"fmt"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"
)

func secretEntry(userID id.UserID, name string) string {
	return userID.String() + ":secret:" + name
}

// PutSecret stores an opaque blob under the user's account. Keyring
// backends only hold strings, so the blob is kept base64 encoded.
func PutSecret(userID id.UserID, name string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	if err := keyring.Set(serviceName, secretEntry(userID, name), encoded); err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return secretIndex(userID).add(name)
}

func GetSecret(userID id.UserID, name string) ([]byte, error) {
	raw, err := get(secretEntry(userID, name))
	if err != nil {
		return nil, err
	}
	value, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", name, err)
	}
	return value, nil
}

// DeleteSecret is a no-op for a secret that was never stored.
func DeleteSecret(userID id.UserID, name string) error {
	if err := del(secretEntry(userID, name)); err != nil {
		return err
	}
	return secretIndex(userID).remove(name)
}

func SecretNames(userID id.UserID) []string {
	return secretIndex(userID).list()
}
