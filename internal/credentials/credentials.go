// Package credentials keeps what a device needs to resume without a
// password in the OS keyring: the account login and the key material
// cached for it.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"
)

const serviceName = "arko-backup"

var ErrNotFound = errors.New("credentials: not found")

// Account is a logged in device.
type Account struct {
	Homeserver  string      `json:"homeserver"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
	SavedAt     time.Time   `json:"saved_at"`
}

func accountEntry(userID id.UserID) string {
	return userID.String() + ":account"
}

func get(entry string) (string, error) {
	val, err := keyring.Get(serviceName, entry)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", entry, err)
	}
	return val, nil
}

func del(entry string) error {
	err := keyring.Delete(serviceName, entry)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", entry, err)
	}
	return nil
}

// SaveAccount stores acct, replacing an earlier login of the same user.
func SaveAccount(acct Account) error {
	if acct.UserID == "" || acct.AccessToken == "" {
		return errors.New("credentials: account needs a user ID and access token")
	}
	if acct.SavedAt.IsZero() {
		acct.SavedAt = time.Now()
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := keyring.Set(serviceName, accountEntry(acct.UserID), string(data)); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	return accountIndex.add(acct.UserID.String())
}

func LoadAccount(userID id.UserID) (Account, error) {
	raw, err := get(accountEntry(userID))
	if err != nil {
		return Account{}, err
	}
	var acct Account
	if err := json.Unmarshal([]byte(raw), &acct); err != nil {
		return Account{}, fmt.Errorf("unmarshal account %s: %w", userID, err)
	}
	return acct, nil
}

// Accounts lists the users with a stored login, oldest first.
func Accounts() []id.UserID {
	names := accountIndex.list()
	users := make([]id.UserID, len(names))
	for i, name := range names {
		users[i] = id.UserID(name)
	}
	return users
}

// ForgetAccount removes the user's login and every secret cached for it.
func ForgetAccount(userID id.UserID) error {
	var errs []error
	for _, name := range SecretNames(userID) {
		errs = append(errs, DeleteSecret(userID, name))
	}
	errs = append(errs,
		del(accountEntry(userID)),
		secretIndex(userID).clear(),
		accountIndex.remove(userID.String()),
	)
	return errors.Join(errs...)
}

// FindDevice returns the device of a stored account on homeserver whose
// user ID or localpart is username, so logging in again reuses it.
func FindDevice(homeserver, username string) (id.DeviceID, bool) {
	for _, userID := range Accounts() {
		acct, err := LoadAccount(userID)
		if err != nil || acct.DeviceID == "" || acct.Homeserver != homeserver {
			continue
		}
		localpart, _, err := userID.Parse()
		if err != nil {
			continue
		}
		if username == userID.String() || username == localpart {
			return acct.DeviceID, true
		}
	}
	return "", false
}

// AppSecret returns the named application secret, creating it with
// generate the first time it is asked for.
func AppSecret(name string, generate func() (string, error)) (string, error) {
	entry := "app:" + name
	val, err := get(entry)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	val, err = generate()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", name, err)
	}
	if err := keyring.Set(serviceName, entry, val); err != nil {
		return "", fmt.Errorf("store %s: %w", name, err)
	}
	return val, nil
}
