package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := []byte("operator-passphrase")
	secret := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	encrypted, err := Encrypt(key, secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, encrypted)

	decrypted, err := Decrypt(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, secret, decrypted)
}

func TestDecryptWrongKey(t *testing.T) {
	encrypted, err := Encrypt([]byte("right"), "secret")
	require.NoError(t, err)

	_, err = Decrypt([]byte("wrong"), encrypted)
	assert.Error(t, err)
}

func TestDecryptGarbage(t *testing.T) {
	_, err := Decrypt([]byte("key"), "not-base64!!")
	assert.Error(t, err)

	_, err = Decrypt([]byte("key"), "aGVsbG8=") // too short for a nonce
	assert.Error(t, err)
}
