// Package blobStore stores encrypted blobs on the local filesystem. Writes
// go to a temp file and are renamed into place, so readers never observe a
// partially written blob.
package blobStore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sealfs/sealfs/pkg/storage"
)

type Store struct {
	root string
}

var _ storage.Blobs = (*Store)(nil)

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("prepare blob dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(fileID string) string {
	return filepath.Join(s.root, base64.RawURLEncoding.EncodeToString([]byte(fileID))+".blob")
}

func (s *Store) ReadBytes(ctx context.Context, fileID string, off, n int64) ([]byte, error) {
	f, err := os.Open(s.path(fileID))
	if os.IsNotExist(err) {
		return nil, storage.ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make([]byte, n)
	read, err := f.ReadAt(out, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out[:read], nil
}

func (s *Store) WriteBytes(ctx context.Context, fileID string, r io.Reader) error {
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(fileID))
}

func (s *Store) Size(ctx context.Context, fileID string) (int64, error) {
	info, err := os.Stat(s.path(fileID))
	if os.IsNotExist(err) {
		return 0, storage.ErrBlobNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) Delete(ctx context.Context, fileID string) error {
	err := os.Remove(s.path(fileID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
