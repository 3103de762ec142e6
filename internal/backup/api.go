package backup

import (
	"context"

	"github.com/arko-chat/arko-backup/internal/secrets"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/id"
)

// VersionSource reads the latest backup version. A nil version with a nil
// error means the server has no backup. Transport failures must wrap
// ErrNetwork.
type VersionSource interface {
	GetLatestVersion(ctx context.Context) (*Version, error)
}

// VersionAPI is the part of the homeserver API that creates and deletes
// backup versions.
type VersionAPI interface {
	VersionSource
	CreateVersion(ctx context.Context, algorithm id.KeyBackupAlgorithm, auth AuthData) (id.KeyBackupVersion, error)
	DeleteVersion(ctx context.Context, version id.KeyBackupVersion) error
}

type KeyUploader interface {
	UploadKeys(ctx context.Context, version id.KeyBackupVersion, keys RoomKeys) error
}

// SecretStorage is server-side secret storage (4S) as seen by the
// lifecycle. Unlocking with the wrong recovery key returns
// ErrInvalidRecoveryKey; reading an absent secret returns
// ErrSecretNotFound.
type SecretStorage interface {
	HasDefaultKey(ctx context.Context) (bool, error)
	GenerateKey() (*ssss.Key, error)
	PublishKey(ctx context.Context, key *ssss.Key) error
	UnlockDefaultKey(ctx context.Context, recoveryKey string) (*ssss.Key, error)
	StoreSecret(ctx context.Context, key *ssss.Key, name string, secret []byte) error
	FetchSecret(ctx context.Context, key *ssss.Key, name string) ([]byte, error)
}

// SecretCache is the device-local key cache.
type SecretCache interface {
	Get(name string) (secrets.Secret, bool)
	Put(name string, key []byte) error
	Delete(name string) error
	MarkCopied(name string) error
	MarkDownloaded(name string) error
	Snapshot() secrets.Snapshot
	TrustedVersion() id.KeyBackupVersion
	SetTrustedVersion(version id.KeyBackupVersion) error
}

var _ SecretCache = (*secrets.Store)(nil)
