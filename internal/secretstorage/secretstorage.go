// Package secretstorage keeps secrets encrypted in the user's account data
// (SSSS, also called 4S) under a key derived from the recovery key.
package secretstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/event"

	"github.com/arko-chat/arko-backup/internal/backup"
)

type Storage struct {
	mach   *ssss.Machine
	logger *slog.Logger
}

var _ backup.SecretStorage = (*Storage)(nil)

func New(client *mautrix.Client, logger *slog.Logger) *Storage {
	return &Storage{mach: ssss.NewSSSSMachine(client), logger: logger}
}

func secretType(name string) event.Type {
	return event.Type{Type: name, Class: event.AccountDataEventType}
}

func (s *Storage) HasDefaultKey(ctx context.Context) (bool, error) {
	_, err := s.mach.GetDefaultKeyID(ctx)
	if errors.Is(err, ssss.ErrNoDefaultKeyID) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get default secret storage key: %w", backup.FromMatrixError(ctx, err))
	}
	return true, nil
}

// GenerateKey creates a new random key. Nothing is uploaded until
// PublishKey.
func (s *Storage) GenerateKey() (*ssss.Key, error) {
	key, err := ssss.NewKey("")
	if err != nil {
		return nil, fmt.Errorf("generate secret storage key: %w", err)
	}
	return key, nil
}

// PublishKey uploads the key's metadata and makes it the default key.
func (s *Storage) PublishKey(ctx context.Context, key *ssss.Key) error {
	if err := s.mach.SetKeyData(ctx, key.ID, key.Metadata); err != nil {
		return fmt.Errorf("upload secret storage key %s: %w", key.ID, backup.FromMatrixError(ctx, err))
	}
	if err := s.mach.SetDefaultKeyID(ctx, key.ID); err != nil {
		return fmt.Errorf("set default secret storage key: %w", backup.FromMatrixError(ctx, err))
	}
	s.logger.Info("published secret storage key", "key_id", key.ID)
	return nil
}

// UnlockDefaultKey checks recoveryKey against the default key's metadata.
func (s *Storage) UnlockDefaultKey(ctx context.Context, recoveryKey string) (*ssss.Key, error) {
	keyID, metadata, err := s.mach.GetDefaultKeyData(ctx)
	if errors.Is(err, ssss.ErrNoDefaultKeyID) {
		return nil, backup.ErrNoSecretStorage
	}
	if err != nil {
		err = backup.FromMatrixError(ctx, err)
		if backup.IsServerError(err, backup.ErrCodeNotFound) {
			return nil, fmt.Errorf("%w: metadata for key %s is missing", backup.ErrNoSecretStorage, keyID)
		}
		return nil, fmt.Errorf("get secret storage key %s: %w", keyID, err)
	}

	key, err := metadata.VerifyRecoveryKey(keyID, recoveryKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backup.ErrInvalidRecoveryKey, err)
	}
	return key, nil
}

func (s *Storage) StoreSecret(ctx context.Context, key *ssss.Key, name string, secret []byte) error {
	if err := s.mach.SetEncryptedAccountData(ctx, secretType(name), secret, key); err != nil {
		return fmt.Errorf("store secret %s: %w", name, backup.FromMatrixError(ctx, err))
	}
	return nil
}

func (s *Storage) FetchSecret(ctx context.Context, key *ssss.Key, name string) ([]byte, error) {
	plain, err := s.mach.GetDecryptedAccountData(ctx, secretType(name), key)
	switch {
	case err == nil:
		return plain, nil
	case errors.Is(err, ssss.ErrNotEncryptedForKey):
		return nil, fmt.Errorf("%w: %s is not encrypted with key %s", backup.ErrSecretNotFound, name, key.ID)
	case errors.Is(err, ssss.ErrKeyDataMACMismatch):
		return nil, fmt.Errorf("decrypt secret %s: %w", name, err)
	}

	err = backup.FromMatrixError(ctx, err)
	if backup.IsServerError(err, backup.ErrCodeNotFound) {
		return nil, fmt.Errorf("%w: %s", backup.ErrSecretNotFound, name)
	}
	return nil, fmt.Errorf("fetch secret %s: %w", name, err)
}
