package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/model"
)

func row(fileID, recipientID string) model.ShareKey {
	return model.ShareKey{
		FileID:      fileID,
		RecipientID: recipientID,
		WrappedCEK:  []byte("cek-" + recipientID),
	}
}

func TestMutationEmpty(t *testing.T) {
	assert.True(t, Mutation{}.Empty())
	assert.False(t, Mutation{Delete: []string{"bob"}}.Empty())
	assert.False(t, Mutation{Meta: &model.FileMeta{}}.Empty())
}

func TestMemStoreStageIsolation(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	txnID, err := s.StageMutation(ctx, "f1", Mutation{Put: []model.ShareKey{row("f1", "alice")}})
	require.NoError(t, err)

	_, err = s.GetShareKey(ctx, "f1", "alice")
	assert.ErrorIs(t, err, errdefs.ErrShareKeyNotFound)

	require.NoError(t, s.Commit(ctx, txnID))
	got, err := s.GetShareKey(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.RecipientID)

	assert.ErrorIs(t, s.Commit(ctx, txnID), errdefs.ErrStageNotFound)
	assert.ErrorIs(t, s.Rollback(ctx, txnID), errdefs.ErrStageNotFound)
}

func TestMemStoreListFilesForRecipient(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, fileID := range []string{"f1", "f2", "f3"} {
		txnID, err := s.StageMutation(ctx, fileID, Mutation{Put: []model.ShareKey{row(fileID, "alice")}})
		require.NoError(t, err)
		require.NoError(t, s.Commit(ctx, txnID))
	}
	require.NoError(t, s.DeleteFileKeys(ctx, "f2"))

	files, err := s.ListFilesForRecipient(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f3"}, files)
}

func TestMemStoreKeyPairs(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	pair := model.KeyPair{PrincipalID: "alice", PublicKey: []byte("pub")}
	require.NoError(t, s.PutKeyPair(ctx, pair))
	assert.ErrorIs(t, s.PutKeyPair(ctx, pair), errdefs.ErrKeyPairExists)

	require.NoError(t, s.SwapWrappedPrivateKey(ctx, "alice", model.WrappedBlob{Ciphertext: []byte("x")}))
	got, err := s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.WrappedPrivateKey.Ciphertext)

	assert.ErrorIs(t, s.SwapWrappedPrivateKey(ctx, "ghost", model.WrappedBlob{}), errdefs.ErrKeyPairNotFound)
}
