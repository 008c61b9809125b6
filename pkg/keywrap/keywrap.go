// Package keywrap wraps and unwraps private key material under a
// password-derived key. The wrap format is versioned: new wraps use argon2id
// with XChaCha20-Poly1305, and the legacy PBKDF2 + AES-GCM format stays
// readable so historical blobs survive the construction change.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/model"
)

const (
	saltSize = 32
	keySize  = 32

	argonTime      = 1
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4

	legacyIterations = 100_000
)

// Wrap derives a key from secret with argon2id under a fresh random salt and
// seals plaintext with XChaCha20-Poly1305 under a fresh random nonce. Two
// wraps of the same input never produce the same blob.
func Wrap(plaintext []byte, secret string) (model.WrappedBlob, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return model.WrappedBlob{}, fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemoryKiB, argonThreads, keySize)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return model.WrappedBlob{}, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return model.WrappedBlob{}, fmt.Errorf("generate nonce: %w", err)
	}

	return model.WrappedBlob{
		Version: model.WrapVersionCurrent,
		KDF: model.KDFParams{
			Time:      argonTime,
			MemoryKiB: argonMemoryKiB,
			Threads:   argonThreads,
		},
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Unwrap re-derives the key from the embedded salt and opens the blob. It is
// a pure function of (blob, secret). Any authentication failure returns
// errdefs.ErrInvalidSecret, whether the secret is wrong or the blob is
// corrupted; callers must not be able to tell the two apart.
func Unwrap(blob model.WrappedBlob, secret string) ([]byte, error) {
	switch blob.Version {
	case model.WrapVersionCurrent:
		return unwrapCurrent(blob, secret)
	case model.WrapVersionLegacy:
		return unwrapLegacy(blob, secret)
	default:
		return nil, errdefs.ErrUnknownWrapVersion
	}
}

func unwrapCurrent(blob model.WrappedBlob, secret string) ([]byte, error) {
	kdf := blob.KDF
	key := argon2.IDKey([]byte(secret), blob.Salt, kdf.Time, kdf.MemoryKiB, kdf.Threads, keySize)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errdefs.ErrInvalidSecret
	}
	if len(blob.Nonce) != aead.NonceSize() {
		return nil, errdefs.ErrInvalidSecret
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, errdefs.ErrInvalidSecret
	}
	return plaintext, nil
}

func unwrapLegacy(blob model.WrappedBlob, secret string) ([]byte, error) {
	iterations := int(blob.KDF.Time)
	if iterations == 0 {
		iterations = legacyIterations
	}
	key := pbkdf2.Key([]byte(secret), blob.Salt, iterations, keySize, sha256.New)
	defer Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.ErrInvalidSecret
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.ErrInvalidSecret
	}
	if len(blob.Nonce) != gcm.NonceSize() {
		return nil, errdefs.ErrInvalidSecret
	}

	plaintext, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, errdefs.ErrInvalidSecret
	}
	return plaintext, nil
}

// wrapLegacy produces a legacy-format blob. Only tests and migration tooling
// need it; new writes always use Wrap.
func wrapLegacy(plaintext []byte, secret string) (model.WrappedBlob, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return model.WrappedBlob{}, fmt.Errorf("generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(secret), salt, legacyIterations, keySize, sha256.New)
	defer Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return model.WrappedBlob{}, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return model.WrappedBlob{}, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return model.WrappedBlob{}, fmt.Errorf("generate nonce: %w", err)
	}

	return model.WrappedBlob{
		Version:    model.WrapVersionLegacy,
		KDF:        model.KDFParams{Time: legacyIterations},
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Zero overwrites b so key material does not linger in memory longer than
// needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
