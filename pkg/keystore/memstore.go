package keystore

import (
	"context"
	"strconv"
	"sync"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/model"
)

// MemStore is an in-process KeyStore. It backs tests and embedded setups
// that do not need durability; the staged-commit contract is honored so the
// envelope manager behaves identically against it.
type MemStore struct {
	mu        sync.RWMutex
	keypairs  map[string]model.KeyPair
	shareKeys map[string]map[string]model.ShareKey // fileID -> recipientID -> row
	fileMeta  map[string]model.FileMeta
	stages    map[string]stagedMutation
	nextTxn   int
}

type stagedMutation struct {
	fileID   string
	mutation Mutation
}

var _ KeyStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		keypairs:  make(map[string]model.KeyPair),
		shareKeys: make(map[string]map[string]model.ShareKey),
		fileMeta:  make(map[string]model.FileMeta),
		stages:    make(map[string]stagedMutation),
	}
}

func (s *MemStore) PutKeyPair(ctx context.Context, pair model.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keypairs[pair.PrincipalID]; ok {
		return errdefs.ErrKeyPairExists
	}
	s.keypairs[pair.PrincipalID] = pair
	return nil
}

func (s *MemStore) GetKeyPair(ctx context.Context, principalID string) (model.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.keypairs[principalID]
	if !ok {
		return model.KeyPair{}, errdefs.ErrKeyPairNotFound
	}
	return pair, nil
}

func (s *MemStore) SwapWrappedPrivateKey(ctx context.Context, principalID string, wrapped model.WrappedBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.keypairs[principalID]
	if !ok {
		return errdefs.ErrKeyPairNotFound
	}
	pair.WrappedPrivateKey = wrapped
	s.keypairs[principalID] = pair
	return nil
}

func (s *MemStore) ReplaceKeyPair(ctx context.Context, pair model.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keypairs[pair.PrincipalID]; !ok {
		return errdefs.ErrKeyPairNotFound
	}
	s.keypairs[pair.PrincipalID] = pair
	return nil
}

func (s *MemStore) GetShareKey(ctx context.Context, fileID, recipientID string) (model.ShareKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.shareKeys[fileID][recipientID]
	if !ok {
		return model.ShareKey{}, errdefs.ErrShareKeyNotFound
	}
	return row, nil
}

func (s *MemStore) ListShareKeys(ctx context.Context, fileID string) ([]model.ShareKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []model.ShareKey
	for _, row := range s.shareKeys[fileID] {
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *MemStore) ListFilesForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var files []string
	for fileID, rows := range s.shareKeys {
		if _, ok := rows[recipientID]; ok {
			files = append(files, fileID)
		}
	}
	return files, nil
}

func (s *MemStore) GetFileMeta(ctx context.Context, fileID string) (model.FileMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.fileMeta[fileID]
	if !ok {
		return model.FileMeta{}, errdefs.ErrFileMetaNotFound
	}
	return meta, nil
}

func (s *MemStore) StageMutation(ctx context.Context, fileID string, m Mutation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTxn++
	txnID := "txn-" + strconv.Itoa(s.nextTxn)
	s.stages[txnID] = stagedMutation{fileID: fileID, mutation: m}
	return txnID, nil
}

func (s *MemStore) Commit(ctx context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, ok := s.stages[txnID]
	if !ok {
		return errdefs.ErrStageNotFound
	}
	delete(s.stages, txnID)

	rows := s.shareKeys[staged.fileID]
	if rows == nil {
		rows = make(map[string]model.ShareKey)
		s.shareKeys[staged.fileID] = rows
	}
	for _, row := range staged.mutation.Put {
		rows[row.RecipientID] = row
	}
	for _, recipientID := range staged.mutation.Delete {
		delete(rows, recipientID)
	}
	if staged.mutation.Meta != nil {
		s.fileMeta[staged.fileID] = *staged.mutation.Meta
	}
	return nil
}

func (s *MemStore) Rollback(ctx context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[txnID]; !ok {
		return errdefs.ErrStageNotFound
	}
	delete(s.stages, txnID)
	return nil
}

func (s *MemStore) DeleteFileKeys(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shareKeys, fileID)
	delete(s.fileMeta, fileID)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
