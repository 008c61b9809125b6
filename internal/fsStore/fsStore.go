// Package fsStore implements the keystore.KeyStore contract on the local
// filesystem. Every row is one gob file written via temp-file-then-rename.
// Envelope mutations are staged as a journal record; Commit drops a commit
// marker before applying, so a crash either discards the stage (no marker)
// or redoes it (marker present), never a half-applied envelope set.
package fsStore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/keystore"
	"github.com/sealfs/sealfs/pkg/model"
)

type Store struct {
	root string
	log  *logrus.Logger
}

var _ keystore.KeyStore = (*Store)(nil)

// NewStore prepares the directory layout under root and replays or discards
// any staging journal left by a crash.
func NewStore(root string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	for _, dir := range []string{"keypairs", "files", "stage"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("prepare %s dir: %w", dir, err)
		}
	}
	s := &Store{root: root, log: log}
	if err := s.recoverStages(); err != nil {
		return nil, fmt.Errorf("recover stages: %w", err)
	}
	return s, nil
}

// encodeSegment makes an arbitrary id safe as a single path segment.
func encodeSegment(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (s *Store) keyPairPath(principalID string) string {
	return filepath.Join(s.root, "keypairs", encodeSegment(principalID)+".gob")
}

func (s *Store) fileDir(fileID string) string {
	return filepath.Join(s.root, "files", encodeSegment(fileID))
}

func (s *Store) shareKeyPath(fileID, recipientID string) string {
	return filepath.Join(s.fileDir(fileID), "sharekeys", encodeSegment(recipientID)+".gob")
}

func (s *Store) metaPath(fileID string) string {
	return filepath.Join(s.fileDir(fileID), "meta.gob")
}

func (s *Store) stagePath(txnID string) string {
	return filepath.Join(s.root, "stage", txnID+".journal")
}

func (s *Store) commitMarkerPath(txnID string) string {
	return filepath.Join(s.root, "stage", txnID+".commit")
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it over the destination, so readers never observe a partial row.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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
	return os.Rename(tmpName, path)
}

func (s *Store) PutKeyPair(ctx context.Context, pair model.KeyPair) error {
	path := s.keyPairPath(pair.PrincipalID)
	if _, err := os.Stat(path); err == nil {
		return errdefs.ErrKeyPairExists
	}
	data, err := serialize(pair)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func (s *Store) GetKeyPair(ctx context.Context, principalID string) (model.KeyPair, error) {
	data, err := os.ReadFile(s.keyPairPath(principalID))
	if os.IsNotExist(err) {
		return model.KeyPair{}, errdefs.ErrKeyPairNotFound
	}
	if err != nil {
		return model.KeyPair{}, err
	}
	var pair model.KeyPair
	if err := deserialize(data, &pair); err != nil {
		return model.KeyPair{}, err
	}
	return pair, nil
}

func (s *Store) SwapWrappedPrivateKey(ctx context.Context, principalID string, wrapped model.WrappedBlob) error {
	pair, err := s.GetKeyPair(ctx, principalID)
	if err != nil {
		return err
	}
	pair.WrappedPrivateKey = wrapped
	data, err := serialize(pair)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.keyPairPath(principalID), data)
}

func (s *Store) ReplaceKeyPair(ctx context.Context, pair model.KeyPair) error {
	if _, err := os.Stat(s.keyPairPath(pair.PrincipalID)); os.IsNotExist(err) {
		return errdefs.ErrKeyPairNotFound
	}
	data, err := serialize(pair)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.keyPairPath(pair.PrincipalID), data)
}

func (s *Store) GetShareKey(ctx context.Context, fileID, recipientID string) (model.ShareKey, error) {
	data, err := os.ReadFile(s.shareKeyPath(fileID, recipientID))
	if os.IsNotExist(err) {
		return model.ShareKey{}, errdefs.ErrShareKeyNotFound
	}
	if err != nil {
		return model.ShareKey{}, err
	}
	var row model.ShareKey
	if err := deserialize(data, &row); err != nil {
		return model.ShareKey{}, err
	}
	return row, nil
}

func (s *Store) ListShareKeys(ctx context.Context, fileID string) ([]model.ShareKey, error) {
	dir := filepath.Join(s.fileDir(fileID), "sharekeys")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []model.ShareKey
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".gob" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var row model.ShareKey
		if err := deserialize(data, &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) ListFilesForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	filesDir := filepath.Join(s.root, "files")
	entries, err := os.ReadDir(filesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	wantRow := encodeSegment(recipientID) + ".gob"
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(filesDir, entry.Name(), "sharekeys", wantRow)); err != nil {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(entry.Name())
		if err != nil {
			continue
		}
		files = append(files, string(raw))
	}
	return files, nil
}

func (s *Store) GetFileMeta(ctx context.Context, fileID string) (model.FileMeta, error) {
	data, err := os.ReadFile(s.metaPath(fileID))
	if os.IsNotExist(err) {
		return model.FileMeta{}, errdefs.ErrFileMetaNotFound
	}
	if err != nil {
		return model.FileMeta{}, err
	}
	var meta model.FileMeta
	if err := deserialize(data, &meta); err != nil {
		return model.FileMeta{}, err
	}
	return meta, nil
}

type stagedMutation struct {
	FileID   string
	Mutation keystore.Mutation
}

func (s *Store) StageMutation(ctx context.Context, fileID string, m keystore.Mutation) (string, error) {
	txnID := uuid.NewString()
	data, err := serialize(stagedMutation{FileID: fileID, Mutation: m})
	if err != nil {
		return "", fmt.Errorf("serialize stage: %w", err)
	}
	if err := writeFileAtomic(s.stagePath(txnID), data); err != nil {
		return "", fmt.Errorf("persist stage: %w", err)
	}
	return txnID, nil
}

// Commit drops the commit marker and applies the staged mutation. The apply
// is idempotent; if the process dies after the marker exists, recovery redoes
// it on next open.
func (s *Store) Commit(ctx context.Context, txnID string) error {
	staged, err := s.readStage(txnID)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.commitMarkerPath(txnID), []byte(staged.FileID)); err != nil {
		return fmt.Errorf("write commit marker: %w", err)
	}
	if err := s.apply(staged); err != nil {
		return err
	}
	os.Remove(s.commitMarkerPath(txnID))
	os.Remove(s.stagePath(txnID))
	return nil
}

func (s *Store) Rollback(ctx context.Context, txnID string) error {
	if _, err := os.Stat(s.stagePath(txnID)); os.IsNotExist(err) {
		return errdefs.ErrStageNotFound
	}
	return os.Remove(s.stagePath(txnID))
}

func (s *Store) readStage(txnID string) (stagedMutation, error) {
	data, err := os.ReadFile(s.stagePath(txnID))
	if os.IsNotExist(err) {
		return stagedMutation{}, errdefs.ErrStageNotFound
	}
	if err != nil {
		return stagedMutation{}, err
	}
	var staged stagedMutation
	if err := deserialize(data, &staged); err != nil {
		return stagedMutation{}, err
	}
	return staged, nil
}

func (s *Store) apply(staged stagedMutation) error {
	for _, row := range staged.Mutation.Put {
		data, err := serialize(row)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(s.shareKeyPath(staged.FileID, row.RecipientID), data); err != nil {
			return err
		}
	}
	for _, recipientID := range staged.Mutation.Delete {
		if err := os.Remove(s.shareKeyPath(staged.FileID, recipientID)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if staged.Mutation.Meta != nil {
		data, err := serialize(*staged.Mutation.Meta)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(s.metaPath(staged.FileID), data); err != nil {
			return err
		}
	}
	return nil
}

// recoverStages walks the journal directory. Stages with a commit marker are
// redone; stages without one never committed and are discarded.
func (s *Store) recoverStages() error {
	stageDir := filepath.Join(s.root, "stage")
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".journal" {
			continue
		}
		txnID := name[:len(name)-len(".journal")]
		if _, err := os.Stat(s.commitMarkerPath(txnID)); err == nil {
			staged, err := s.readStage(txnID)
			if err != nil {
				return err
			}
			s.log.WithField("txn", txnID).Warn("Redoing interrupted envelope commit")
			if err := s.apply(staged); err != nil {
				return err
			}
			os.Remove(s.commitMarkerPath(txnID))
		} else {
			s.log.WithField("txn", txnID).Warn("Discarding uncommitted envelope stage")
		}
		os.Remove(s.stagePath(txnID))
	}
	return nil
}

func (s *Store) DeleteFileKeys(ctx context.Context, fileID string) error {
	return os.RemoveAll(s.fileDir(fileID))
}

func (s *Store) Close() error {
	return nil
}

func serialize(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserialize(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
