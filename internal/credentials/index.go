package credentials

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"
)

// The keyring cannot enumerate its entries, so every collection keeps a
// JSON list of member names in an entry of its own.
type index string

const accountIndex index = "app:accounts"

func secretIndex(userID id.UserID) index {
	return index(userID.String() + ":secret_names")
}

// indexMu covers the read-modify-write of every index.
var indexMu sync.Mutex

func (ix index) list() []string {
	indexMu.Lock()
	defer indexMu.Unlock()
	return ix.read()
}

func (ix index) add(name string) error {
	indexMu.Lock()
	defer indexMu.Unlock()

	names := ix.read()
	if slices.Contains(names, name) {
		return nil
	}
	return ix.write(append(names, name))
}

func (ix index) remove(name string) error {
	indexMu.Lock()
	defer indexMu.Unlock()

	names := ix.read()
	filtered := slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == name })
	if len(filtered) == len(names) {
		return nil
	}
	return ix.write(filtered)
}

func (ix index) clear() error {
	indexMu.Lock()
	defer indexMu.Unlock()
	return del(string(ix))
}

func (ix index) read() []string {
	raw, err := get(string(ix))
	if err != nil {
		return nil
	}
	var names []string
	_ = json.Unmarshal([]byte(raw), &names)
	return names
}

func (ix index) write(names []string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return keyring.Set(serviceName, string(ix), string(data))
}
