package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestNewRejectsWrongSizedKey(t *testing.T) {
	_, err := New("abcd")
	require.Error(t, err)
}

func TestNewRejectsNonHexKey(t *testing.T) {
	_, err := New(strings.Repeat("zz", 32))
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKeyHex)
	require.NoError(t, err)

	ct, err := v.Encrypt("hunter2")
	require.NoError(t, err)

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pt)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New(testKeyHex)
	require.NoError(t, err)

	a, err := v.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := v.Encrypt("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Body, b.Body)
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	v, err := New(testKeyHex)
	require.NoError(t, err)

	ct, err := v.Encrypt("secret")
	require.NoError(t, err)

	ct.AuthTag = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	_, err = v.Decrypt(ct)
	require.Error(t, err)
}
