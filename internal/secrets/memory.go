package secrets

import "github.com/puzpuzpuz/xsync/v4"

// MemoryBackend keeps secrets only for the lifetime of the process.
type MemoryBackend struct {
	entries *xsync.Map[string, Secret]
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: xsync.NewMap[string, Secret]()}
}

func (m *MemoryBackend) Load(name string) (Secret, error) {
	secret, ok := m.entries.Load(name)
	if !ok {
		return Secret{}, ErrNotFound
	}
	return secret.clone(), nil
}

func (m *MemoryBackend) Save(secret Secret) error {
	m.entries.Store(secret.Name, secret.clone())
	return nil
}

func (m *MemoryBackend) Delete(name string) error {
	m.entries.Delete(name)
	return nil
}

func (m *MemoryBackend) Names() ([]string, error) {
	var names []string
	m.entries.Range(func(name string, _ Secret) bool {
		names = append(names, name)
		return true
	})
	return names, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
