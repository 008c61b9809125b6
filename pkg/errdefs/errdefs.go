// Package errdefs defines the error taxonomy of the envelope-encryption
// subsystem. All cryptographic failures are mapped onto these sentinels at
// the envelope/setup boundary; raw cipher-library errors never cross it.
package errdefs

import "errors"

// Secret and wrap errors.
var (
	// ErrInvalidSecret indicates a wrap/unwrap authentication failure. It is
	// returned identically for a wrong secret and a corrupted blob so callers
	// cannot be used as a decryption oracle. Recoverable by retrying with the
	// correct secret.
	ErrInvalidSecret = errors.New("sealfs: secret does not authenticate the wrapped key")

	// ErrUnknownWrapVersion indicates a wrapped blob carries a version this
	// build does not implement.
	ErrUnknownWrapVersion = errors.New("sealfs: unknown wrap format version")
)

// Envelope and access errors.
var (
	// ErrAccessDenied indicates the caller has no ShareKey for the file. This
	// is the expected locked-out state after a missed re-key; recoverable by
	// re-sharing.
	ErrAccessDenied = errors.New("sealfs: no share key for caller on this file")

	// ErrOrphanedShareKey indicates a ShareKey is wrapped under a stale public
	// key, usually after the recipient's key pair was regenerated.
	// Recoverable by re-keying the file.
	ErrOrphanedShareKey = errors.New("sealfs: share key wrapped under a stale public key")

	// ErrEnvelopeIncomplete indicates a first-write commit failed partway.
	// The file has been rolled back to its previous state; the write may be
	// retried.
	ErrEnvelopeIncomplete = errors.New("sealfs: envelope commit incomplete, write rolled back")

	// ErrIntegrity indicates a ciphertext block failed authentication. Fatal
	// for that read; no partial plaintext is returned.
	ErrIntegrity = errors.New("sealfs: ciphertext block failed authentication")
)

// Key pair lifecycle errors.
var (
	// ErrKeyPairExists indicates a key pair already exists for the principal.
	// Callers must explicitly regenerate instead.
	ErrKeyPairExists = errors.New("sealfs: key pair already exists for principal")

	// ErrKeyPairNotFound indicates no key pair is stored for the principal.
	ErrKeyPairNotFound = errors.New("sealfs: no key pair for principal")

	// ErrKeyPairUnrecoverable indicates there is no path to unwrap a user's
	// private key and recovery mode is disabled. Terminal: the user's
	// previously encrypted files are permanently inaccessible.
	ErrKeyPairUnrecoverable = errors.New("sealfs: key pair unrecoverable, recovery disabled")
)

// Storage-level sentinels, mapped onto the taxonomy above at component
// boundaries.
var (
	// ErrShareKeyNotFound indicates no ShareKey row exists for the
	// (file, recipient) pair.
	ErrShareKeyNotFound = errors.New("sealfs: share key row not found")

	// ErrFileMetaNotFound indicates no envelope metadata exists for the file,
	// i.e. the file has never been committed in encrypted form.
	ErrFileMetaNotFound = errors.New("sealfs: no envelope metadata for file")

	// ErrStageNotFound indicates a staging transaction id is unknown, already
	// committed, or already rolled back.
	ErrStageNotFound = errors.New("sealfs: staging transaction not found")
)
