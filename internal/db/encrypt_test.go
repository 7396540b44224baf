package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEncryptionKey(t *testing.T, key []byte) {
	t.Helper()
	prev := encryptionKey
	t.Cleanup(func() { encryptionKey = prev })
	if key == nil {
		encryptionKey = nil
		return
	}
	require.NoError(t, InitEncryption(key))
}

func TestInitEncryptionRejectsWrongKeyLength(t *testing.T) {
	withEncryptionKey(t, nil)

	assert.Error(t, InitEncryption([]byte("too short")))
	assert.Error(t, InitEncryption(make([]byte, 33)))
	assert.NoError(t, InitEncryption(make([]byte, 32)))
}

func TestEncryptedStringRoundTrip(t *testing.T) {
	withEncryptionKey(t, []byte("0123456789abcdef0123456789abcdef"))

	plain := EncryptedString("whsec_s3cret-signing-key")
	stored, err := plain.Value()
	require.NoError(t, err)

	// The at-rest form never contains the plaintext.
	assert.NotContains(t, stored.(string), "s3cret")

	var out EncryptedString
	require.NoError(t, out.Scan(stored))
	assert.Equal(t, plain, out)
}

func TestEncryptedStringNonceVariesPerWrite(t *testing.T) {
	withEncryptionKey(t, []byte("0123456789abcdef0123456789abcdef"))

	plain := EncryptedString("same plaintext")
	a, err := plain.Value()
	require.NoError(t, err)
	b, err := plain.Value()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptedStringEmptyBypassesEncryption(t *testing.T) {
	withEncryptionKey(t, nil)

	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var out EncryptedString
	require.NoError(t, out.Scan(""))
	assert.Equal(t, EncryptedString(""), out)
	require.NoError(t, out.Scan(nil))
	assert.Equal(t, EncryptedString(""), out)
}

func TestEncryptedStringRequiresKey(t *testing.T) {
	withEncryptionKey(t, nil)

	_, err := EncryptedString("secret").Value()
	assert.Error(t, err)

	var out EncryptedString
	assert.Error(t, out.Scan("bm90IHJlYWwgY2lwaGVydGV4dA=="))
}

func TestEncryptedStringScanRejectsTamperedData(t *testing.T) {
	withEncryptionKey(t, []byte("0123456789abcdef0123456789abcdef"))

	stored, err := EncryptedString("payload").Value()
	require.NoError(t, err)

	var out EncryptedString
	assert.Error(t, out.Scan("!!not base64!!"))
	assert.Error(t, out.Scan("c2hvcnQ=")) // shorter than a GCM nonce

	// Decrypting with a different key fails authentication.
	withEncryptionKey(t, []byte("ffffffffffffffffffffffffffffffff"))
	assert.Error(t, out.Scan(stored))
}
