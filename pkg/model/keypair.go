package model

import (
	"crypto/sha256"
	"time"
)

// Fingerprint identifies a public key by its SHA-256 digest. ShareKey rows
// record the fingerprint of the public key they were wrapped under, so a
// regenerated key pair is detectable as a mismatch instead of a silent
// decryption failure.
type Fingerprint [32]byte

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// FingerprintOf computes the fingerprint of a DER-encoded public key.
func FingerprintOf(publicKey []byte) Fingerprint {
	return sha256.Sum256(publicKey)
}

// KeyPair is a principal's asymmetric key pair as stored. The public half is
// cleartext (PKIX DER); the private half is always stored wrapped under the
// principal's secret.
//
// A KeyPair whose wrap secret is lost, with recovery disabled, is permanently
// inaccessible. That is the designed behavior, not a defect.
type KeyPair struct {
	// PrincipalID is the owning user id, or the recovery sentinel.
	PrincipalID string

	// PublicKey is the PKIX, ASN.1 DER encoding of the public key.
	PublicKey []byte

	// WrappedPrivateKey is the PKCS#8 DER private key, wrapped under the
	// principal's secret. Never stored or logged unwrapped.
	WrappedPrivateKey WrappedBlob

	// Fingerprint is the SHA-256 of PublicKey.
	Fingerprint Fingerprint

	// CreatedAt is when this pair was generated. A rewrap (password change)
	// keeps CreatedAt; a regeneration resets it.
	CreatedAt time.Time
}
