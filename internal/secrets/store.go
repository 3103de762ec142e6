package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/id"
)

var ErrNotFound = errors.New("secrets: not found")

// Well-known secret names. The Matrix ones match the account data types
// used by secret storage so a cached copy and its 4S twin share a name.
const (
	MegolmBackupKey         = string(id.SecretMegolmBackupV1)
	CrossSigningMaster      = string(id.SecretXSMaster)
	CrossSigningSelfSigning = string(id.SecretXSSelfSigning)
	CrossSigningUserSigning = string(id.SecretXSUserSigning)
	RecoveryKey             = "m.secret_storage.recovery_key"

	trustedVersionName = "arko.backup.trusted_version"
)

// Secret is one locally cached piece of key material plus where it has
// been shown to the user.
type Secret struct {
	Name       string    `json:"name"`
	Key        []byte    `json:"key"`
	Copied     bool      `json:"copied"`
	Downloaded bool      `json:"downloaded"`
	StoredAt   time.Time `json:"stored_at"`
}

func (s Secret) clone() Secret {
	s.Key = bytes.Clone(s.Key)
	return s
}

// Backend persists secrets for a single account.
type Backend interface {
	Load(name string) (Secret, error)
	Save(secret Secret) error
	Delete(name string) error
	Names() ([]string, error)
	Close() error
}

// Snapshot is a consistent copy of the cached key material handed to the
// trust evaluator.
type Snapshot struct {
	Keys           map[string][]byte
	TrustedVersion id.KeyBackupVersion
}

// Names returns the snapshot's secret names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Keys))
	for name := range s.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store is the device-local CachedSecrets map. The owning device is the
// only writer; any number of flows may read concurrently. Stored values
// are never mutated in place, so a reader sees either the previous or the
// new key for a name.
type Store struct {
	writeMu sync.Mutex
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	secrets *xsync.Map[string, Secret]
}

func Open(backend Backend, logger *slog.Logger) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		secrets: xsync.NewMap[string, Secret](),
	}

	names, err := backend.Names()
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	for _, name := range names {
		secret, err := backend.Load(name)
		if err != nil {
			logger.Warn("skipping unreadable secret",
				"name", name,
				"err", err,
			)
			continue
		}
		s.secrets.Store(name, secret)
	}

	return s, nil
}

func (s *Store) Get(name string) (Secret, bool) {
	secret, ok := s.secrets.Load(name)
	if !ok {
		return Secret{}, false
	}
	return secret.clone(), true
}

func (s *Store) Has(name string) bool {
	_, ok := s.secrets.Load(name)
	return ok
}

// Put replaces the key stored under name. Provenance flags are reset
// because the new key has not been shown to anyone yet.
func (s *Store) Put(name string, key []byte) error {
	if name == trustedVersionName {
		return fmt.Errorf("secrets: %q is reserved", name)
	}
	return s.write(Secret{
		Name:     name,
		Key:      bytes.Clone(key),
		StoredAt: s.now(),
	})
}

func (s *Store) MarkCopied(name string) error {
	return s.update(name, func(secret *Secret) {
		secret.Copied = true
	})
}

func (s *Store) MarkDownloaded(name string) error {
	return s.update(name, func(secret *Secret) {
		secret.Downloaded = true
	})
}

func (s *Store) Delete(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.Delete(name); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	s.secrets.Delete(name)
	return nil
}

// Snapshot copies every cached key except internal bookkeeping entries.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Keys: make(map[string][]byte)}
	s.secrets.Range(func(name string, secret Secret) bool {
		if name == trustedVersionName {
			snap.TrustedVersion = id.KeyBackupVersion(secret.Key)
			return true
		}
		snap.Keys[name] = bytes.Clone(secret.Key)
		return true
	})
	return snap
}

// Names returns the cached secret names in sorted order.
func (s *Store) Names() []string {
	var names []string
	s.secrets.Range(func(name string, _ Secret) bool {
		if name != trustedVersionName {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

// TrustedVersion is the last backup version this device verified with a
// cached key, or "" if it never trusted one.
func (s *Store) TrustedVersion() id.KeyBackupVersion {
	secret, ok := s.secrets.Load(trustedVersionName)
	if !ok {
		return ""
	}
	return id.KeyBackupVersion(secret.Key)
}

func (s *Store) SetTrustedVersion(version id.KeyBackupVersion) error {
	if version == "" {
		return s.Delete(trustedVersionName)
	}
	return s.write(Secret{
		Name:     trustedVersionName,
		Key:      []byte(version),
		StoredAt: s.now(),
	})
}

// Clear forgets every cached secret, including the trusted version.
func (s *Store) Clear() error {
	var names []string
	s.secrets.Range(func(name string, _ Secret) bool {
		names = append(names, name)
		return true
	})
	for _, name := range names {
		if err := s.Delete(name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) write(secret Secret) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.Save(secret); err != nil {
		return fmt.Errorf("save secret %s: %w", secret.Name, err)
	}
	s.secrets.Store(secret.Name, secret.clone())
	return nil
}

func (s *Store) update(name string, fn func(*Secret)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, ok := s.secrets.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	next := current.clone()
	fn(&next)
	if err := s.backend.Save(next); err != nil {
		return fmt.Errorf("save secret %s: %w", name, err)
	}
	s.secrets.Store(name, next)
	return nil
}
