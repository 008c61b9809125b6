package keywrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/model"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	plaintext := []byte("this stands in for a PKCS#8 private key")

	blob, err := Wrap(plaintext, "correct horse battery staple")
	require.NoError(t, err)

	got, err := Unwrap(blob, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestUnwrapWrongSecret(t *testing.T) {
	blob, err := Wrap([]byte("key material"), "secret-one")
	require.NoError(t, err)

	_, err = Unwrap(blob, "secret-two")
	assert.ErrorIs(t, err, errdefs.ErrInvalidSecret)
}

func TestUnwrapCorruptedBlob(t *testing.T) {
	blob, err := Wrap([]byte("key material"), "secret")
	require.NoError(t, err)

	blob.Ciphertext[0] ^= 0xff

	_, err = Unwrap(blob, "secret")
	// Corruption and a wrong secret must be indistinguishable.
	assert.ErrorIs(t, err, errdefs.ErrInvalidSecret)
}

func TestWrapIsRandomized(t *testing.T) {
	a, err := Wrap([]byte("same input"), "same secret")
	require.NoError(t, err)
	b, err := Wrap([]byte("same input"), "same secret")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestUnwrapLegacyVersion(t *testing.T) {
	plaintext := []byte("pre-1.0 wrapped key")

	blob, err := wrapLegacy(plaintext, "old password")
	require.NoError(t, err)
	require.Equal(t, model.WrapVersionLegacy, blob.Version)

	got, err := Unwrap(blob, "old password")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = Unwrap(blob, "not the password")
	assert.ErrorIs(t, err, errdefs.ErrInvalidSecret)
}

func TestUnwrapUnknownVersion(t *testing.T) {
	blob, err := Wrap([]byte("x"), "s")
	require.NoError(t, err)
	blob.Version = 99

	_, err = Unwrap(blob, "s")
	assert.ErrorIs(t, err, errdefs.ErrUnknownWrapVersion)
}
