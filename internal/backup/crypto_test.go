package backup

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

const alice = id.UserID("@alice:example.org")

func seed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestMegolmCrypto_PublicKeyIsStable(t *testing.T) {
	c := MegolmCrypto{}
	priv, err := c.GenerateBackupKey()
	require.NoError(t, err)

	a, err := c.PublicKey(priv)
	require.NoError(t, err)
	b, err := c.PublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)

	other, err := c.GenerateBackupKey()
	require.NoError(t, err)
	c2, err := c.PublicKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c2)
}

func TestMegolmCrypto_SignAndVerify(t *testing.T) {
	c := MegolmCrypto{}
	auth := AuthData{PublicKey: "hSDwCYkwp1R0i33ctD73Wg2/Og0mOBr066SpjqqbTmo"}

	require.NoError(t, c.SignAuthData(&auth, alice, seed(1)))
	require.Len(t, auth.Signatures[alice], 1)

	assert.True(t, c.VerifyAuthData(auth, alice, seed(1)))
	assert.False(t, c.VerifyAuthData(auth, alice, seed(2)), "different signing key")
	assert.False(t, c.VerifyAuthData(auth, "@bob:example.org", seed(1)), "different user")

	tampered := auth
	tampered.PublicKey = "somethingelse"
	assert.False(t, c.VerifyAuthData(tampered, alice, seed(1)))
}

func TestMegolmCrypto_SignaturesDoNotCoverSignatures(t *testing.T) {
	c := MegolmCrypto{}
	auth := AuthData{PublicKey: "pub"}

	require.NoError(t, c.SignAuthData(&auth, alice, seed(1)))
	require.NoError(t, c.SignAuthData(&auth, "@bob:example.org", seed(2)))

	assert.True(t, c.VerifyAuthData(auth, alice, seed(1)))
	assert.True(t, c.VerifyAuthData(auth, "@bob:example.org", seed(2)))
}

func TestMegolmCrypto_RejectsShortSeed(t *testing.T) {
	c := MegolmCrypto{}
	auth := AuthData{PublicKey: "pub"}
	assert.Error(t, c.SignAuthData(&auth, alice, []byte("short")))
	assert.False(t, c.VerifyAuthData(auth, alice, []byte("short")))
}

func TestCanonicalAuthData(t *testing.T) {
	raw, err := canonicalAuthData(AuthData{
		PublicKey:  "a<b>",
		Signatures: signatures.Signatures{alice: {"ed25519:x": "sig"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"public_key":"a<b>"}`, string(raw))
}
