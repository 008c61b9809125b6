package blobStore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealfs/sealfs/pkg/storage"
)

func TestWriteReadDelete(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	content := []byte("sealed block stream")
	require.NoError(t, s.WriteBytes(ctx, "f1", bytes.NewReader(content)))

	size, err := s.Size(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	got, err := s.ReadBytes(ctx, "f1", 0, size)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	got, err = s.ReadBytes(ctx, "f1", 7, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("block"), got)

	// Short read at the tail, not an error.
	got, err = s.ReadBytes(ctx, "f1", size-3, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("eam"), got)

	require.NoError(t, s.Delete(ctx, "f1"))
	_, err = s.Size(ctx, "f1")
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)

	// Deleting a missing blob is not an error.
	assert.NoError(t, s.Delete(ctx, "f1"))
}

func TestOverwriteReplacesAtomically(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.WriteBytes(ctx, "f1", bytes.NewReader([]byte("version one"))))
	require.NoError(t, s.WriteBytes(ctx, "f1", bytes.NewReader([]byte("v2"))))

	size, err := s.Size(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	got, err := s.ReadBytes(ctx, "f1", 0, size)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestPathUnsafeFileIDs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	fileID := "../escape/attempt.txt"
	require.NoError(t, s.WriteBytes(ctx, fileID, bytes.NewReader([]byte("contained"))))
	got, err := s.ReadBytes(ctx, fileID, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("contained"), got)

	_, err = s.ReadBytes(ctx, "other", 0, 1)
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}
