package model

// Wrap format versions. New wraps always use the highest version; old
// versions stay decodable so historical key material remains readable.
const (
	// WrapVersionLegacy is the PBKDF2-SHA256 + AES-256-GCM construction used
	// by pre-1.0 deployments. Unwrap only.
	WrapVersionLegacy uint8 = 1

	// WrapVersionCurrent is the argon2id + XChaCha20-Poly1305 construction.
	// All new wraps use this version.
	WrapVersionCurrent uint8 = 2
)

// KDFParams records the key-derivation cost parameters a blob was wrapped
// with, so unwrap remains a pure function of (blob, secret) even after the
// defaults change.
type KDFParams struct {
	// Time is the argon2id time cost, or the PBKDF2 iteration count for
	// legacy blobs.
	Time uint32

	// MemoryKiB is the argon2id memory cost in KiB. Zero for legacy blobs.
	MemoryKiB uint32

	// Threads is the argon2id parallelism. Zero for legacy blobs.
	Threads uint8
}

// WrappedBlob is a symmetric authenticated encryption of key material under a
// password-derived key. The salt and nonce are embedded so the blob is
// self-describing; the ciphertext includes the AEAD tag.
//
// A fresh salt and nonce are generated on every wrap, so wrapping identical
// plaintext twice never yields identical blobs.
type WrappedBlob struct {
	// Version selects the KDF + AEAD construction. See WrapVersion constants.
	Version uint8

	// KDF holds the cost parameters the key was derived with.
	KDF KDFParams

	// Salt is the random per-wrap KDF salt.
	Salt []byte

	// Nonce is the random per-wrap AEAD nonce.
	Nonce []byte

	// Ciphertext is the sealed key material, tag included.
	Ciphertext []byte
}
