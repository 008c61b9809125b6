package badgerStore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/keystore"
	"github.com/sealfs/sealfs/pkg/model"
)

func newStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{Paths: []string{dir}, MinimumFreeSpace: 1})
	require.NoError(t, err)
	return s
}

func testPair(principalID string) model.KeyPair {
	return model.KeyPair{
		PrincipalID: principalID,
		PublicKey:   []byte("public-der"),
		WrappedPrivateKey: model.WrappedBlob{
			Version:    model.WrapVersionCurrent,
			Salt:       []byte("salt"),
			Nonce:      []byte("nonce"),
			Ciphertext: []byte("wrapped"),
		},
		Fingerprint: model.FingerprintOf([]byte("public-der")),
		CreatedAt:   time.Now().UTC(),
	}
}

func testRow(fileID, recipientID string) model.ShareKey {
	return model.ShareKey{
		FileID:               fileID,
		RecipientID:          recipientID,
		WrappedCEK:           []byte("wrapped-cek-" + recipientID),
		RecipientFingerprint: model.FingerprintOf([]byte(recipientID)),
		WrapVersion:          model.WrapVersionCurrent,
		CreatedAt:            time.Now().UTC(),
	}
}

func TestKeyPairLifecycle(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetKeyPair(ctx, "alice")
	assert.ErrorIs(t, err, errdefs.ErrKeyPairNotFound)

	pair := testPair("alice")
	require.NoError(t, s.PutKeyPair(ctx, pair))
	assert.ErrorIs(t, s.PutKeyPair(ctx, pair), errdefs.ErrKeyPairExists)

	got, err := s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pair.PublicKey, got.PublicKey)
	assert.Equal(t, pair.Fingerprint, got.Fingerprint)

	swapped := model.WrappedBlob{Version: model.WrapVersionCurrent, Ciphertext: []byte("rewrapped")}
	require.NoError(t, s.SwapWrappedPrivateKey(ctx, "alice", swapped))
	got, err = s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("rewrapped"), got.WrappedPrivateKey.Ciphertext)
	assert.Equal(t, pair.PublicKey, got.PublicKey, "swap must not touch the public half")

	replacement := testPair("alice")
	replacement.PublicKey = []byte("new-public")
	require.NoError(t, s.ReplaceKeyPair(ctx, replacement))
	got, err = s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("new-public"), got.PublicKey)

	assert.ErrorIs(t, s.SwapWrappedPrivateKey(ctx, "ghost", swapped), errdefs.ErrKeyPairNotFound)
	assert.ErrorIs(t, s.ReplaceKeyPair(ctx, testPair("ghost")), errdefs.ErrKeyPairNotFound)
}

func TestStageCommitRollback(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	meta := model.FileMeta{FileID: "f1", OwnerID: "alice", CreatedAt: time.Now().UTC()}
	txnID, err := s.StageMutation(ctx, "f1", keystore.Mutation{
		Put:  []model.ShareKey{testRow("f1", "alice"), testRow("f1", "bob")},
		Meta: &meta,
	})
	require.NoError(t, err)

	// Staged rows are invisible until commit.
	_, err = s.GetShareKey(ctx, "f1", "alice")
	assert.ErrorIs(t, err, errdefs.ErrShareKeyNotFound)
	_, err = s.GetFileMeta(ctx, "f1")
	assert.ErrorIs(t, err, errdefs.ErrFileMetaNotFound)

	require.NoError(t, s.Commit(ctx, txnID))
	assert.ErrorIs(t, s.Commit(ctx, txnID), errdefs.ErrStageNotFound)

	rows, err := s.ListShareKeys(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	gotMeta, err := s.GetFileMeta(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "alice", gotMeta.OwnerID)

	// Delete bob via a second staged mutation.
	txnID, err = s.StageMutation(ctx, "f1", keystore.Mutation{Delete: []string{"bob"}})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, txnID))
	_, err = s.GetShareKey(ctx, "f1", "bob")
	assert.ErrorIs(t, err, errdefs.ErrShareKeyNotFound)

	// A rolled back stage changes nothing.
	txnID, err = s.StageMutation(ctx, "f1", keystore.Mutation{Delete: []string{"alice"}})
	require.NoError(t, err)
	require.NoError(t, s.Rollback(ctx, txnID))
	assert.ErrorIs(t, s.Rollback(ctx, txnID), errdefs.ErrStageNotFound)
	_, err = s.GetShareKey(ctx, "f1", "alice")
	assert.NoError(t, err)
}

func TestListFilesForRecipient(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	for _, fileID := range []string{"f1", "f2"} {
		txnID, err := s.StageMutation(ctx, fileID, keystore.Mutation{
			Put: []model.ShareKey{testRow(fileID, "alice")},
		})
		require.NoError(t, err)
		require.NoError(t, s.Commit(ctx, txnID))
	}
	txnID, err := s.StageMutation(ctx, "f2", keystore.Mutation{
		Put: []model.ShareKey{testRow("f2", "bob")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, txnID))

	files, err := s.ListFilesForRecipient(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2"}, files)

	files, err = s.ListFilesForRecipient(ctx, "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f2"}, files)
}

func TestIDsWithSeparatorBytes(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	// File and principal ids containing ':' must not collide with the key
	// encoding.
	fileID := "dir:sub/file.txt"
	txnID, err := s.StageMutation(ctx, fileID, keystore.Mutation{
		Put: []model.ShareKey{testRow(fileID, "user:alice")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, txnID))

	row, err := s.GetShareKey(ctx, fileID, "user:alice")
	require.NoError(t, err)
	assert.Equal(t, fileID, row.FileID)

	files, err := s.ListFilesForRecipient(ctx, "user:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{fileID}, files)
}

func TestDeleteFileKeys(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	meta := model.FileMeta{FileID: "f1", OwnerID: "alice"}
	txnID, err := s.StageMutation(ctx, "f1", keystore.Mutation{
		Put:  []model.ShareKey{testRow("f1", "alice"), testRow("f1", "bob")},
		Meta: &meta,
	})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, txnID))

	require.NoError(t, s.DeleteFileKeys(ctx, "f1"))
	rows, err := s.ListShareKeys(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = s.GetFileMeta(ctx, "f1")
	assert.ErrorIs(t, err, errdefs.ErrFileMetaNotFound)
}

func TestStaleStagesSweptOnOpen(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	ctx := context.Background()

	txnID, err := s.StageMutation(ctx, "f1", keystore.Mutation{
		Put: []model.ShareKey{testRow("f1", "alice")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopen simulates a restart after a crash mid-mutation: the stage was
	// never committed and must be discarded.
	s = newStore(t, dir)
	defer s.Close()

	assert.ErrorIs(t, s.Commit(ctx, txnID), errdefs.ErrStageNotFound)
	_, err = s.GetShareKey(ctx, "f1", "alice")
	assert.ErrorIs(t, err, errdefs.ErrShareKeyNotFound)
}
