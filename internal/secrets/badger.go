package secrets

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend stores secrets in a badger database under a per-user key
// prefix. It is used where no OS keyring is available.
type BadgerBackend struct {
	db     *badger.DB
	prefix []byte
	owned  bool
}

// OpenBadger opens (or creates) a database in dir. An empty dir gives an
// in-memory database.
func OpenBadger(dir string, userID string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := NewBadgerBackend(db, userID)
	b.owned = true
	return b, nil
}

// NewBadgerBackend shares an already open database. Close is then a no-op.
func NewBadgerBackend(db *badger.DB, userID string) *BadgerBackend {
	return &BadgerBackend{
		db:     db,
		prefix: []byte("secret/" + userID + "/"),
	}
}

func (b *BadgerBackend) key(name string) []byte {
	return append(append([]byte(nil), b.prefix...), name...)
}

func (b *BadgerBackend) Load(name string) (Secret, error) {
	var secret Secret
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &secret)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Secret{}, ErrNotFound
	}
	if err != nil {
		return Secret{}, fmt.Errorf("badger load: %w", err)
	}
	return secret, nil
}

func (b *BadgerBackend) Save(secret Secret) error {
	data, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(secret.Name), data)
	})
}

func (b *BadgerBackend) Delete(name string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(name))
	})
}

func (b *BadgerBackend) Names() ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = b.prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			names = append(names, string(key[len(b.prefix):]))
		}
		return nil
	})
	return names, err
}

func (b *BadgerBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
