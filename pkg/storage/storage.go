// Package storage defines the blob-storage contract the encryption subsystem
// consumes. The platform's filesystem layer owns the bytes; this interface
// only moves ciphertext in and out of it.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound indicates no blob is stored under the file id.
var ErrBlobNotFound = errors.New("sealfs: blob not found")

// Blobs stores encrypted file content keyed by file id. Implementations must
// make WriteBytes atomic with respect to readers: a reader sees either the
// previous blob or the new one, never a partial write.
type Blobs interface {
	// ReadBytes returns up to n bytes of ciphertext starting at off. Short
	// reads at the end of the blob are returned without error.
	ReadBytes(ctx context.Context, fileID string, off, n int64) ([]byte, error)

	// WriteBytes replaces the blob with the ciphertext from r.
	WriteBytes(ctx context.Context, fileID string, r io.Reader) error

	// Size returns the total blob size, or ErrBlobNotFound.
	Size(ctx context.Context, fileID string) (int64, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, fileID string) error
}

// ReaderAt adapts a stored blob to io.ReaderAt for range decryption.
func ReaderAt(ctx context.Context, blobs Blobs, fileID string) io.ReaderAt {
	return &blobReaderAt{ctx: ctx, blobs: blobs, fileID: fileID}
}

type blobReaderAt struct {
	ctx    context.Context
	blobs  Blobs
	fileID string
}

func (r *blobReaderAt) ReadAt(p []byte, off int64) (int, error) {
	data, err := r.blobs.ReadBytes(r.ctx, r.fileID, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
