// Package badgerStore implements the keystore.KeyStore contract on top of
// BadgerDB. Envelope mutations are staged as write-ahead records under a
// stage: prefix and flipped live in a single badger transaction on commit.
package badgerStore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/keystore"
	"github.com/sealfs/sealfs/pkg/model"
)

const (
	prefixKeyPair  = "keypair:"
	prefixShareKey = "sharekey:"
	prefixFileMeta = "filemeta:"
	prefixStage    = "stage:"

	// sep separates composite key segments. File and principal ids may
	// contain ':' so a NUL byte delimits them instead.
	sep = "\x00"
)

type StoreConfig struct {
	Paths            []string // absolute paths; only the first is used
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
}

type Store struct {
	config   StoreConfig
	badgerDB *badger.DB
	log      *logrus.Logger
}

var _ keystore.KeyStore = (*Store)(nil)

// NewStore opens the badger database and sweeps any staging records left
// behind by a crash. Staged-but-uncommitted mutations are discarded; the
// committed state is authoritative.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if len(config.Paths) > 0 {
		if err := os.MkdirAll(config.Paths[0], 0o700); err != nil {
			return nil, fmt.Errorf("prepare store dir: %w", err)
		}
	}
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for badgerStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.SyncWrites = true // key rows are small and must survive a crash

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Paths[0], err)
	}

	s := &Store{
		config:   config,
		badgerDB: db,
		log:      config.Logger,
	}

	if err := s.sweepStaleStages(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sweep stale stages: %w", err)
	}

	return s, nil
}

func (s *Store) sweepStaleStages() error {
	stale, err := s.keysWithPrefix([]byte(prefixStage))
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	s.log.WithField("count", len(stale)).Warn("Discarding uncommitted envelope stages from previous run")

	return s.badgerDB.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PutKeyPair(ctx context.Context, pair model.KeyPair) error {
	key := []byte(prefixKeyPair + pair.PrincipalID)
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return errdefs.ErrKeyPairExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := serialize(pair)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) GetKeyPair(ctx context.Context, principalID string) (model.KeyPair, error) {
	var pair model.KeyPair
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixKeyPair + principalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errdefs.ErrKeyPairNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, &pair)
		})
	})
	if err != nil {
		return model.KeyPair{}, err
	}
	return pair, nil
}

// SwapWrappedPrivateKey rewrites the pair with the new wrapped blob inside
// one transaction, so the previous blob is never partially overwritten.
func (s *Store) SwapWrappedPrivateKey(ctx context.Context, principalID string, wrapped model.WrappedBlob) error {
	key := []byte(prefixKeyPair + principalID)
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errdefs.ErrKeyPairNotFound
		}
		if err != nil {
			return err
		}
		var pair model.KeyPair
		if err := item.Value(func(val []byte) error {
			return deserialize(val, &pair)
		}); err != nil {
			return err
		}
		pair.WrappedPrivateKey = wrapped
		data, err := serialize(pair)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) ReplaceKeyPair(ctx context.Context, pair model.KeyPair) error {
	key := []byte(prefixKeyPair + pair.PrincipalID)
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return errdefs.ErrKeyPairNotFound
		} else if err != nil {
			return err
		}
		data, err := serialize(pair)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func shareKeyKey(fileID, recipientID string) []byte {
	return []byte(prefixShareKey + fileID + sep + recipientID)
}

func (s *Store) GetShareKey(ctx context.Context, fileID, recipientID string) (model.ShareKey, error) {
	var row model.ShareKey
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shareKeyKey(fileID, recipientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errdefs.ErrShareKeyNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, &row)
		})
	})
	if err != nil {
		return model.ShareKey{}, err
	}
	return row, nil
}

func (s *Store) ListShareKeys(ctx context.Context, fileID string) ([]model.ShareKey, error) {
	prefix := []byte(prefixShareKey + fileID + sep)
	var rows []model.ShareKey
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row model.ShareKey
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &row)
			}); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListFilesForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	prefix := []byte(prefixShareKey)
	suffix := []byte(sep + recipientID)
	var files []string
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if !bytes.HasSuffix(key, suffix) {
				continue
			}
			fileID := string(key[len(prefix) : len(key)-len(suffix)])
			files = append(files, fileID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (s *Store) GetFileMeta(ctx context.Context, fileID string) (model.FileMeta, error) {
	var meta model.FileMeta
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixFileMeta + fileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errdefs.ErrFileMetaNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, &meta)
		})
	})
	if err != nil {
		return model.FileMeta{}, err
	}
	return meta, nil
}

// stagedMutation is the write-ahead record for one envelope mutation.
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

	err = s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixStage+txnID), data)
	})
	if err != nil {
		return "", fmt.Errorf("persist stage: %w", err)
	}
	return txnID, nil
}

// Commit applies the staged mutation and deletes the stage record in a
// single badger transaction, so readers observe either the old or the new
// envelope set, never a mix.
func (s *Store) Commit(ctx context.Context, txnID string) error {
	stageKey := []byte(prefixStage + txnID)
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(stageKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errdefs.ErrStageNotFound
		}
		if err != nil {
			return err
		}

		var staged stagedMutation
		if err := item.Value(func(val []byte) error {
			return deserialize(val, &staged)
		}); err != nil {
			return err
		}

		for _, row := range staged.Mutation.Put {
			data, err := serialize(row)
			if err != nil {
				return err
			}
			if err := txn.Set(shareKeyKey(staged.FileID, row.RecipientID), data); err != nil {
				return err
			}
		}
		for _, recipientID := range staged.Mutation.Delete {
			if err := txn.Delete(shareKeyKey(staged.FileID, recipientID)); err != nil {
				return err
			}
		}
		if staged.Mutation.Meta != nil {
			data, err := serialize(*staged.Mutation.Meta)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixFileMeta+staged.FileID), data); err != nil {
				return err
			}
		}

		return txn.Delete(stageKey)
	})
}

func (s *Store) Rollback(ctx context.Context, txnID string) error {
	stageKey := []byte(prefixStage + txnID)
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(stageKey); errors.Is(err, badger.ErrKeyNotFound) {
			return errdefs.ErrStageNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(stageKey)
	})
}

func (s *Store) DeleteFileKeys(ctx context.Context, fileID string) error {
	rowKeys, err := s.keysWithPrefix([]byte(prefixShareKey + fileID + sep))
	if err != nil {
		return err
	}
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		for _, key := range rowKeys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(prefixFileMeta + fileID))
	})
}

func (s *Store) keysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) Close() error {
	if err := s.badgerDB.Sync(); err != nil {
		s.log.Errorf("error syncing db on close: %v", err)
	}
	return s.badgerDB.Close()
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
