package backup

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
	megolmbackup "maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	olmcrypto "maunium.net/go/mautrix/crypto/goolm/crypto"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

const signingSeedSize = 32

// Crypto is the key material the backup lifecycle needs. Session
// encryption itself is out of scope.
type Crypto interface {
	GenerateBackupKey() ([]byte, error)
	PublicKey(privateKey []byte) (id.Ed25519, error)
	SignAuthData(auth *AuthData, userID id.UserID, signingSeed []byte) error
	VerifyAuthData(auth AuthData, userID id.UserID, signingSeed []byte) bool
}

// MegolmCrypto implements Crypto for m.megolm_backup.v1.curve25519-aes-sha2.
type MegolmCrypto struct{}

var _ Crypto = MegolmCrypto{}

func (MegolmCrypto) GenerateBackupKey() ([]byte, error) {
	key, err := megolmbackup.NewMegolmBackupKey()
	if err != nil {
		return nil, fmt.Errorf("generate backup key: %w", err)
	}
	return key.Bytes(), nil
}

// PublicKey returns the curve25519 public key in the form auth_data
// carries it.
func (MegolmCrypto) PublicKey(privateKey []byte) (id.Ed25519, error) {
	key, err := megolmbackup.MegolmBackupKeyFromBytes(privateKey)
	if err != nil {
		return "", fmt.Errorf("load backup key: %w", err)
	}
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(key.PublicKey().Bytes())), nil
}

func (MegolmCrypto) SignAuthData(auth *AuthData, userID id.UserID, signingSeed []byte) error {
	if len(signingSeed) != signingSeedSize {
		return fmt.Errorf("signing key has %d bytes, want %d", len(signingSeed), signingSeedSize)
	}
	pair := olmcrypto.Ed25519GenerateFromSeed(signingSeed)
	payload, err := canonicalAuthData(*auth)
	if err != nil {
		return err
	}
	sig, err := pair.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign auth data: %w", err)
	}
	if auth.Signatures == nil {
		auth.Signatures = make(signatures.Signatures)
	}
	if auth.Signatures[userID] == nil {
		auth.Signatures[userID] = make(map[id.KeyID]string)
	}
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, pair.B64Encoded().String())
	auth.Signatures[userID][keyID] = base64.RawStdEncoding.EncodeToString(sig)
	return nil
}

func (MegolmCrypto) VerifyAuthData(auth AuthData, userID id.UserID, signingSeed []byte) bool {
	if len(signingSeed) != signingSeedSize {
		return false
	}
	pub := olmcrypto.Ed25519GenerateFromSeed(signingSeed).B64Encoded()
	ok, err := signatures.VerifySignatureJSON(auth, userID, pub.String(), pub)
	return err == nil && ok
}

// canonicalAuthData renders auth data without signatures in canonical
// JSON, which is the form signatures are computed over.
func canonicalAuthData(auth AuthData) ([]byte, error) {
	raw, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("marshal auth data: %w", err)
	}
	raw, err = sjson.DeleteBytes(raw, "signatures")
	if err != nil {
		return nil, fmt.Errorf("strip signatures: %w", err)
	}
	raw, err = sjson.DeleteBytes(raw, "unsigned")
	if err != nil {
		return nil, fmt.Errorf("strip unsigned: %w", err)
	}
	return canonicaljson.CanonicalJSON(raw)
}
