package secretkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f"

func TestEncryptThenDecrypt_RoundTrips(t *testing.T) {
	ct, err := Encrypt(testKeyHex, "0xdeadbeef")
	require.NoError(t, err)

	plain, err := Decrypt(testKeyHex, ct)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", plain)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	ct, err := Encrypt(testKeyHex, "0xdeadbeef")
	require.NoError(t, err)

	_, err = Decrypt("0f0e0d0c0b0a09080706050403020100", ct)
	assert.Error(t, err)
}

func TestDecrypt_InvalidHexFails(t *testing.T) {
	_, err := Decrypt(testKeyHex, "not-hex")
	assert.Error(t, err)
}
