package fsStore

import (
	"context"
	"os"
	"path/filepath"
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
	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	return s
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

func TestKeyPairRoundTrip(t *testing.T) {
	s := newStore(t, t.TempDir())
	ctx := context.Background()

	pair := model.KeyPair{
		PrincipalID: "alice",
		PublicKey:   []byte("public-der"),
		WrappedPrivateKey: model.WrappedBlob{
			Version:    model.WrapVersionCurrent,
			Ciphertext: []byte("wrapped"),
		},
		Fingerprint: model.FingerprintOf([]byte("public-der")),
	}
	require.NoError(t, s.PutKeyPair(ctx, pair))
	assert.ErrorIs(t, s.PutKeyPair(ctx, pair), errdefs.ErrKeyPairExists)

	got, err := s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pair.PublicKey, got.PublicKey)

	swapped := model.WrappedBlob{Version: model.WrapVersionCurrent, Ciphertext: []byte("rewrapped")}
	require.NoError(t, s.SwapWrappedPrivateKey(ctx, "alice", swapped))
	got, err = s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("rewrapped"), got.WrappedPrivateKey.Ciphertext)

	_, err = s.GetKeyPair(ctx, "ghost")
	assert.ErrorIs(t, err, errdefs.ErrKeyPairNotFound)
}

func TestStagedMutationVisibility(t *testing.T) {
	s := newStore(t, t.TempDir())
	ctx := context.Background()

	meta := model.FileMeta{FileID: "f1", OwnerID: "alice"}
	txnID, err := s.StageMutation(ctx, "f1", keystore.Mutation{
		Put:  []model.ShareKey{testRow("f1", "alice")},
		Meta: &meta,
	})
	require.NoError(t, err)

	_, err = s.GetShareKey(ctx, "f1", "alice")
	assert.ErrorIs(t, err, errdefs.ErrShareKeyNotFound)

	require.NoError(t, s.Commit(ctx, txnID))

	row, err := s.GetShareKey(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", row.RecipientID)

	gotMeta, err := s.GetFileMeta(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "alice", gotMeta.OwnerID)
}

func TestPathUnsafeIDs(t *testing.T) {
	s := newStore(t, t.TempDir())
	ctx := context.Background()

	// Ids with path separators and dots must not escape the store layout.
	fileID := "../../etc/passwd"
	recipientID := "user/../alice"
	txnID, err := s.StageMutation(ctx, fileID, keystore.Mutation{
		Put: []model.ShareKey{testRow(fileID, recipientID)},
	})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, txnID))

	row, err := s.GetShareKey(ctx, fileID, recipientID)
	require.NoError(t, err)
	assert.Equal(t, fileID, row.FileID)

	files, err := s.ListFilesForRecipient(ctx, recipientID)
	require.NoError(t, err)
	assert.Equal(t, []string{fileID}, files)
}

func TestUncommittedStageDiscardedOnReopen(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	ctx := context.Background()

	txnID, err := s.StageMutation(ctx, "f1", keystore.Mutation{
		Put: []model.ShareKey{testRow("f1", "alice")},
	})
	require.NoError(t, err)

	// Restart without commit: the journal has no commit marker and is
	// discarded.
	s = newStore(t, dir)
	assert.ErrorIs(t, s.Commit(ctx, txnID), errdefs.ErrStageNotFound)
	_, err = s.GetShareKey(ctx, "f1", "alice")
	assert.ErrorIs(t, err, errdefs.ErrShareKeyNotFound)
}

func TestMarkedStageRedoneOnReopen(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	ctx := context.Background()

	txnID, err := s.StageMutation(ctx, "f1", keystore.Mutation{
		Put: []model.ShareKey{testRow("f1", "alice")},
	})
	require.NoError(t, err)

	// Simulate a crash after the commit marker was written but before the
	// stage was applied.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stage", txnID+".commit"), []byte("f1"), 0o600))

	s = newStore(t, dir)
	row, err := s.GetShareKey(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", row.RecipientID)

	// Journal and marker are gone after recovery.
	_, err = os.Stat(filepath.Join(dir, "stage", txnID+".journal"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteFileKeys(t *testing.T) {
	s := newStore(t, t.TempDir())
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
