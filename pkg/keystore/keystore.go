// Package keystore defines the durable storage contract for public keys,
// wrapped private keys, and wrapped content keys. Implementations are pure
// storage: no cryptography happens here.
//
// The backend is a capability interface with a small closed set of
// implementations (badger, local filesystem) selected by configuration at
// startup.
package keystore

import (
	"context"

	"github.com/sealfs/sealfs/pkg/model"
)

// Mutation is one atomic change to a file's envelope set. It is staged first
// and only becomes visible on Commit, so a crash mid-mutation leaves the file
// in its last fully committed state.
type Mutation struct {
	// Put is the set of ShareKey rows to insert or replace.
	Put []model.ShareKey

	// Delete lists recipient ids whose rows are removed.
	Delete []string

	// Meta, if non-nil, upserts the file's envelope metadata.
	Meta *model.FileMeta
}

// Empty reports whether the mutation would change nothing.
func (m Mutation) Empty() bool {
	return len(m.Put) == 0 && len(m.Delete) == 0 && m.Meta == nil
}

// KeyStore stores key pairs and envelope rows keyed by principal id and file
// id.
//
// Key-pair operations are single-row and atomic on their own. Envelope
// mutations go through the stage/commit cycle; callers serialize mutations
// per file (the envelope manager holds a per-file lock across
// read-set → stage → commit).
type KeyStore interface {
	// PutKeyPair stores a new key pair. Fails with errdefs.ErrKeyPairExists
	// if one is already stored for the principal.
	PutKeyPair(ctx context.Context, pair model.KeyPair) error

	// GetKeyPair loads the stored key pair, or errdefs.ErrKeyPairNotFound.
	GetKeyPair(ctx context.Context, principalID string) (model.KeyPair, error)

	// SwapWrappedPrivateKey atomically replaces only the wrapped private key
	// of an existing pair (password change). The previous blob stays intact
	// on any failure.
	SwapWrappedPrivateKey(ctx context.Context, principalID string, wrapped model.WrappedBlob) error

	// ReplaceKeyPair overwrites the stored pair wholesale (administrative
	// regeneration). Fails with errdefs.ErrKeyPairNotFound if none exists.
	ReplaceKeyPair(ctx context.Context, pair model.KeyPair) error

	// GetShareKey loads one envelope row, or errdefs.ErrShareKeyNotFound.
	GetShareKey(ctx context.Context, fileID, recipientID string) (model.ShareKey, error)

	// ListShareKeys returns all committed envelope rows for a file.
	ListShareKeys(ctx context.Context, fileID string) ([]model.ShareKey, error)

	// ListFilesForRecipient returns the ids of all files that have a
	// committed envelope row for the recipient.
	ListFilesForRecipient(ctx context.Context, recipientID string) ([]string, error)

	// GetFileMeta loads the file's envelope metadata, or
	// errdefs.ErrFileMetaNotFound.
	GetFileMeta(ctx context.Context, fileID string) (model.FileMeta, error)

	// StageMutation durably stages a mutation and returns its transaction id.
	// Staged rows are invisible to readers until Commit.
	StageMutation(ctx context.Context, fileID string, m Mutation) (string, error)

	// Commit atomically applies a staged mutation.
	Commit(ctx context.Context, txnID string) error

	// Rollback discards a staged mutation.
	Rollback(ctx context.Context, txnID string) error

	// DeleteFileKeys removes every envelope row and the metadata for a file
	// (file deletion).
	DeleteFileKeys(ctx context.Context, fileID string) error

	// Close releases backend resources. Behavior of other methods after
	// Close is undefined.
	Close() error
}
