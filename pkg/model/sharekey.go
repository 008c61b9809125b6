package model

import "time"

// ShareKey is one envelope: the file's content encryption key wrapped under
// one recipient's public key. The owner is just another recipient. A ShareKey
// row exists for principal P on file F iff P currently has read access to F;
// a missing row for an otherwise-authorized principal is an inconsistency
// repaired by re-sharing, never silently bypassed.
type ShareKey struct {
	// FileID identifies the file this envelope belongs to.
	FileID string

	// RecipientID is the principal the CEK is wrapped for.
	RecipientID string

	// WrappedCEK is the content encryption key encrypted under the
	// recipient's public key (RSA-OAEP/SHA-256).
	WrappedCEK []byte

	// RecipientFingerprint is the fingerprint of the recipient public key at
	// wrap time. A mismatch with the recipient's current key pair marks this
	// row as orphaned.
	RecipientFingerprint Fingerprint

	// WrapVersion tags the asymmetric wrap construction, for format
	// migrations.
	WrapVersion uint8

	// CreatedAt is when this envelope was wrapped.
	CreatedAt time.Time
}

// FileMeta is the per-file envelope metadata committed together with the
// ShareKey set.
type FileMeta struct {
	// FileID identifies the file.
	FileID string

	// OwnerID is the owning principal.
	OwnerID string

	// RecoveryEnabled snapshots whether recovery mode was on when the file
	// was first encrypted. Disabling recovery later does not retroactively
	// rewrite historical files.
	RecoveryEnabled bool

	// CreatedAt is when the file was first committed encrypted.
	CreatedAt time.Time
}
