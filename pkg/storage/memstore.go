package storage

import (
	"context"
	"io"
	"sync"
)

// MemStore is an in-process blob store for tests and embedded setups.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Blobs = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) ReadBytes(ctx context.Context, fileID string, off, n int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[fileID]
	if !ok {
		return nil, ErrBlobNotFound
	}
	if off >= int64(len(blob)) {
		return nil, nil
	}
	end := off + n
	if end > int64(len(blob)) {
		end = int64(len(blob))
	}
	out := make([]byte, end-off)
	copy(out, blob[off:end])
	return out, nil
}

func (s *MemStore) WriteBytes(ctx context.Context, fileID string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[fileID] = data
	return nil
}

func (s *MemStore) Size(ctx context.Context, fileID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[fileID]
	if !ok {
		return 0, ErrBlobNotFound
	}
	return int64(len(blob)), nil
}

func (s *MemStore) Delete(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, fileID)
	return nil
}

// Snapshot returns a copy of the stored blob, for tests asserting that a
// mutation left the ciphertext untouched.
func (s *MemStore) Snapshot(fileID string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[fileID]
	if !ok {
		return nil
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out
}
