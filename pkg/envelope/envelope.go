// Package envelope orchestrates per-file content keys: generation at first
// write, wrapping for every authorized principal, re-keying on share changes
// and owner transfers, and transient unwrapping for reads.
//
// Every mutation of a file's envelope set runs under that file's lock and
// goes through the KeyStore's stage/commit cycle, so concurrent grants on
// the same file serialize and an aborted mutation leaves the last fully
// committed state. Operations on different files never contend.
package envelope

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sealfs/sealfs/pkg/contentCrypt"
	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/events"
	"github.com/sealfs/sealfs/pkg/keypair"
	"github.com/sealfs/sealfs/pkg/keystore"
	"github.com/sealfs/sealfs/pkg/keywrap"
	"github.com/sealfs/sealfs/pkg/model"
	"github.com/sealfs/sealfs/pkg/storage"
)

// SharingProvider is consumed from the sharing subsystem: the current set of
// principals authorized to read a file.
type SharingProvider interface {
	ListAuthorizedPrincipals(ctx context.Context, fileID string) ([]string, error)
}

// SessionKeys looks up a principal's unwrapped private key in the live
// session, if any. Event-driven mutations need the grantor's key.
type SessionKeys interface {
	Get(principalID string) keypair.PrivateKey
}

type Manager struct {
	store   keystore.KeyStore
	blobs   storage.Blobs
	keys    *keypair.Service
	sharing SharingProvider
	log     *slog.Logger

	locks    *fileLocks
	recovery atomic.Bool
}

func NewManager(store keystore.KeyStore, blobs storage.Blobs, keys *keypair.Service, sharing SharingProvider, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:   store,
		blobs:   blobs,
		keys:    keys,
		sharing: sharing,
		log:     log,
		locks:   newFileLocks(),
	}
}

// SetRecoveryMode flips the global recovery-escrow switch. The mode is
// snapshotted per file at first write; flipping it later does not rewrite
// historical files.
func (m *Manager) SetRecoveryMode(enabled bool) {
	m.recovery.Store(enabled)
}

// RecoveryMode reports the current global recovery-escrow switch.
func (m *Manager) RecoveryMode() bool {
	return m.recovery.Load()
}

// Subscribe attaches the manager to the sharing event stream. Grants need
// the grantor's session key; a grant event for a principal with no live
// session is logged and dropped (the next authorized access repairs the
// missing envelope via re-share).
func (m *Manager) Subscribe(bus *events.Bus, sessions SessionKeys) {
	bus.SubscribeShareGranted(func(ev events.ShareGranted) {
		key := sessions.Get(ev.GrantorID)
		if key == nil {
			m.log.Warn("share granted without live grantor session, envelope not added",
				"file", ev.FileID, "recipient", ev.RecipientID)
			return
		}
		if err := m.GrantShare(context.Background(), ev.FileID, ev.RecipientID, ev.GrantorID, key); err != nil {
			m.log.Error("share grant envelope failed", "file", ev.FileID, "recipient", ev.RecipientID, "err", err)
		}
	})
	bus.SubscribeShareRevoked(func(ev events.ShareRevoked) {
		if err := m.RevokeShare(context.Background(), ev.FileID, ev.RecipientID); err != nil {
			m.log.Error("share revoke envelope failed", "file", ev.FileID, "recipient", ev.RecipientID, "err", err)
		}
	})
}

// UnwrapCEK returns the file's content key for the caller, or
// errdefs.ErrAccessDenied if no envelope exists for them (even when the
// surrounding filesystem would grant access: that is the expected locked-out
// state after a missed re-key), or errdefs.ErrOrphanedShareKey if the
// envelope was wrapped under a key pair the caller no longer holds.
//
// The returned key is never persisted or logged by the manager; callers keep
// it at most for the session via the session cache.
func (m *Manager) UnwrapCEK(ctx context.Context, fileID, callerID string, callerKey keypair.PrivateKey) ([]byte, error) {
	row, err := m.store.GetShareKey(ctx, fileID, callerID)
	if errors.Is(err, errdefs.ErrShareKeyNotFound) {
		return nil, errdefs.ErrAccessDenied
	}
	if err != nil {
		return nil, err
	}

	if callerKey.Fingerprint() != row.RecipientFingerprint {
		return nil, errdefs.ErrOrphanedShareKey
	}

	cek, err := callerKey.UnwrapCEK(row.WrappedCEK)
	if err != nil {
		// Fingerprint matched but the wrap does not open: stale or corrupt
		// row either way, repairable only by re-keying.
		return nil, errdefs.ErrOrphanedShareKey
	}
	return cek, nil
}

// ReadPlaintext decrypts the byte range [off, off+n) of the file for the
// caller.
func (m *Manager) ReadPlaintext(ctx context.Context, fileID, callerID string, callerKey keypair.PrivateKey, off, n int64) ([]byte, error) {
	cek, err := m.UnwrapCEK(ctx, fileID, callerID, callerKey)
	if err != nil {
		return nil, err
	}
	defer keywrap.Zero(cek)

	blobSize, err := m.blobs.Size(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return contentCrypt.DecryptRange(cek, storage.ReaderAt(ctx, m.blobs, fileID), blobSize, off, n)
}

// PlaintextSize returns the decrypted size of the file.
func (m *Manager) PlaintextSize(ctx context.Context, fileID string) (int64, error) {
	blobSize, err := m.blobs.Size(ctx, fileID)
	if err != nil {
		return 0, err
	}
	return contentCrypt.PlaintextSize(blobSize)
}

// WritePlaintext encrypts and stores the file content, producing envelopes
// for the owner, every currently authorized principal, and the recovery
// principal when the file's recovery snapshot is on.
//
// First write generates the CEK; overwrites keep the file's existing CEK, so
// the caller must hold an envelope. The write commits only after all
// envelopes are staged and the ciphertext is durably stored; on any failure
// the file stays in its previous state and the error is
// errdefs.ErrEnvelopeIncomplete.
func (m *Manager) WritePlaintext(ctx context.Context, fileID, callerID string, callerKey keypair.PrivateKey, plaintext io.Reader) error {
	release := m.locks.acquire(fileID)
	defer release()

	var (
		cek      []byte
		meta     model.FileMeta
		firstjob bool
	)

	existing, err := m.store.GetFileMeta(ctx, fileID)
	switch {
	case errors.Is(err, errdefs.ErrFileMetaNotFound):
		firstjob = true
		cek, err = contentCrypt.NewCEK()
		if err != nil {
			return fmt.Errorf("generate cek: %w", err)
		}
		meta = model.FileMeta{
			FileID:          fileID,
			OwnerID:         callerID,
			RecoveryEnabled: m.recovery.Load(),
			CreatedAt:       time.Now().UTC(),
		}
	case err != nil:
		return err
	default:
		meta = existing
		cek, err = m.UnwrapCEK(ctx, fileID, callerID, callerKey)
		if err != nil {
			return err
		}
	}
	defer keywrap.Zero(cek)

	recipients, err := m.recipientSet(ctx, fileID, meta)
	if err != nil {
		return err
	}

	put, err := m.wrapForAll(ctx, fileID, cek, recipients)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrEnvelopeIncomplete, err)
	}

	// Drop rows for principals no longer in the authorized set.
	var remove []string
	if !firstjob {
		current, err := m.store.ListShareKeys(ctx, fileID)
		if err != nil {
			return err
		}
		for _, row := range current {
			if _, ok := recipients[row.RecipientID]; !ok {
				remove = append(remove, row.RecipientID)
			}
		}
	}

	txnID, err := m.store.StageMutation(ctx, fileID, keystore.Mutation{
		Put:    put,
		Delete: remove,
		Meta:   &meta,
	})
	if err != nil {
		return fmt.Errorf("%w: stage envelopes: %v", errdefs.ErrEnvelopeIncomplete, err)
	}

	sealed, err := contentCrypt.EncryptStream(cek, plaintext)
	if err != nil {
		m.rollback(ctx, txnID)
		return fmt.Errorf("%w: %v", errdefs.ErrEnvelopeIncomplete, err)
	}
	if err := m.blobs.WriteBytes(ctx, fileID, sealed); err != nil {
		// Blob writes are atomic; the previous content is intact.
		m.rollback(ctx, txnID)
		return fmt.Errorf("%w: store ciphertext: %v", errdefs.ErrEnvelopeIncomplete, err)
	}

	if err := m.store.Commit(ctx, txnID); err != nil {
		return fmt.Errorf("%w: commit envelopes: %v", errdefs.ErrEnvelopeIncomplete, err)
	}
	return nil
}

// GrantShare wraps the file's CEK under the recipient's current public key
// and persists the new envelope. Content is never re-encrypted for a grant.
// The grantor must hold a valid envelope themselves. Re-granting to an
// existing recipient replaces their row, which is how orphaned envelopes are
// repaired.
func (m *Manager) GrantShare(ctx context.Context, fileID, recipientID, grantorID string, grantorKey keypair.PrivateKey) error {
	release := m.locks.acquire(fileID)
	defer release()

	cek, err := m.UnwrapCEK(ctx, fileID, grantorID, grantorKey)
	if err != nil {
		return err
	}
	defer keywrap.Zero(cek)

	row, err := m.makeRow(ctx, fileID, recipientID, cek)
	if err != nil {
		return err
	}

	put := []model.ShareKey{row}
	put = append(put, m.repairableRows(ctx, fileID, cek, recipientID)...)

	txnID, err := m.store.StageMutation(ctx, fileID, keystore.Mutation{Put: put})
	if err != nil {
		return fmt.Errorf("stage grant: %w", err)
	}
	if err := m.store.Commit(ctx, txnID); err != nil {
		return fmt.Errorf("commit grant: %w", err)
	}
	return nil
}

// RevokeShare deletes the recipient's envelope. The CEK and the content are
// unchanged: revocation prevents future access but is not forward-secret
// against a recipient who already held the unwrapped CEK; use Rekey for
// that.
func (m *Manager) RevokeShare(ctx context.Context, fileID, recipientID string) error {
	release := m.locks.acquire(fileID)
	defer release()

	meta, err := m.store.GetFileMeta(ctx, fileID)
	if err != nil {
		return err
	}
	if meta.OwnerID == recipientID {
		return fmt.Errorf("cannot revoke the owner's envelope on %s", fileID)
	}

	txnID, err := m.store.StageMutation(ctx, fileID, keystore.Mutation{Delete: []string{recipientID}})
	if err != nil {
		return fmt.Errorf("stage revoke: %w", err)
	}
	if err := m.store.Commit(ctx, txnID); err != nil {
		return fmt.Errorf("commit revoke: %w", err)
	}
	return nil
}

// TransferOwner atomically moves ownership: the new owner gains an envelope,
// the old owner loses theirs, and the file metadata flips, all in one staged
// commit. A crash mid-transfer can never leave the file with zero valid
// envelopes.
func (m *Manager) TransferOwner(ctx context.Context, fileID, newOwnerID, callerID string, callerKey keypair.PrivateKey) error {
	release := m.locks.acquire(fileID)
	defer release()

	meta, err := m.store.GetFileMeta(ctx, fileID)
	if err != nil {
		return err
	}

	cek, err := m.UnwrapCEK(ctx, fileID, callerID, callerKey)
	if err != nil {
		return err
	}
	defer keywrap.Zero(cek)

	row, err := m.makeRow(ctx, fileID, newOwnerID, cek)
	if err != nil {
		return err
	}

	oldOwner := meta.OwnerID
	meta.OwnerID = newOwnerID

	mutation := keystore.Mutation{Put: []model.ShareKey{row}, Meta: &meta}
	if oldOwner != newOwnerID {
		mutation.Delete = []string{oldOwner}
	}

	txnID, err := m.store.StageMutation(ctx, fileID, mutation)
	if err != nil {
		return fmt.Errorf("stage owner transfer: %w", err)
	}
	if err := m.store.Commit(ctx, txnID); err != nil {
		return fmt.Errorf("commit owner transfer: %w", err)
	}
	return nil
}

// Rekey rotates the file's CEK: fresh key, content re-encrypted, every
// remaining envelope re-wrapped. This is the forward-secrecy path after a
// revoke or a suspected CEK compromise.
func (m *Manager) Rekey(ctx context.Context, fileID, callerID string, callerKey keypair.PrivateKey) error {
	release := m.locks.acquire(fileID)
	defer release()

	oldCEK, err := m.UnwrapCEK(ctx, fileID, callerID, callerKey)
	if err != nil {
		return err
	}
	defer keywrap.Zero(oldCEK)

	blobSize, err := m.blobs.Size(ctx, fileID)
	if err != nil {
		return err
	}
	plainSize, err := contentCrypt.PlaintextSize(blobSize)
	if err != nil {
		return err
	}
	plaintext, err := contentCrypt.DecryptRange(oldCEK, storage.ReaderAt(ctx, m.blobs, fileID), blobSize, 0, plainSize)
	if err != nil {
		return err
	}
	defer keywrap.Zero(plaintext)

	newCEK, err := contentCrypt.NewCEK()
	if err != nil {
		return fmt.Errorf("generate cek: %w", err)
	}
	defer keywrap.Zero(newCEK)

	current, err := m.store.ListShareKeys(ctx, fileID)
	if err != nil {
		return err
	}
	var put []model.ShareKey
	for _, row := range current {
		fresh, err := m.makeRow(ctx, fileID, row.RecipientID, newCEK)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrEnvelopeIncomplete, err)
		}
		put = append(put, fresh)
	}

	txnID, err := m.store.StageMutation(ctx, fileID, keystore.Mutation{Put: put})
	if err != nil {
		return fmt.Errorf("%w: stage rekey: %v", errdefs.ErrEnvelopeIncomplete, err)
	}

	sealed, err := contentCrypt.EncryptStream(newCEK, bytes.NewReader(plaintext))
	if err != nil {
		m.rollback(ctx, txnID)
		return fmt.Errorf("%w: %v", errdefs.ErrEnvelopeIncomplete, err)
	}
	if err := m.blobs.WriteBytes(ctx, fileID, sealed); err != nil {
		m.rollback(ctx, txnID)
		return fmt.Errorf("%w: store ciphertext: %v", errdefs.ErrEnvelopeIncomplete, err)
	}

	if err := m.store.Commit(ctx, txnID); err != nil {
		return fmt.Errorf("%w: commit rekey: %v", errdefs.ErrEnvelopeIncomplete, err)
	}
	m.log.Info("rekeyed file", "file", fileID, "envelopes", len(put))
	return nil
}

// DeleteFile removes the blob and every envelope row for the file.
func (m *Manager) DeleteFile(ctx context.Context, fileID string) error {
	release := m.locks.acquire(fileID)
	defer release()

	if err := m.blobs.Delete(ctx, fileID); err != nil {
		return err
	}
	return m.store.DeleteFileKeys(ctx, fileID)
}

// FilesForRecipient lists files carrying an envelope for the principal.
func (m *Manager) FilesForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	return m.store.ListFilesForRecipient(ctx, recipientID)
}

// FileMeta exposes the file's envelope metadata.
func (m *Manager) FileMeta(ctx context.Context, fileID string) (model.FileMeta, error) {
	return m.store.GetFileMeta(ctx, fileID)
}

func (m *Manager) recipientSet(ctx context.Context, fileID string, meta model.FileMeta) (map[string]struct{}, error) {
	recipients := map[string]struct{}{meta.OwnerID: {}}

	authorized, err := m.sharing.ListAuthorizedPrincipals(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("list authorized principals: %w", err)
	}
	for _, id := range authorized {
		recipients[id] = struct{}{}
	}
	if meta.RecoveryEnabled {
		recipients[model.RecoveryPrincipalID] = struct{}{}
	}
	return recipients, nil
}

func (m *Manager) wrapForAll(ctx context.Context, fileID string, cek []byte, recipients map[string]struct{}) ([]model.ShareKey, error) {
	rows := make([]model.ShareKey, 0, len(recipients))
	for recipientID := range recipients {
		row, err := m.makeRow(ctx, fileID, recipientID, cek)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *Manager) makeRow(ctx context.Context, fileID, recipientID string, cek []byte) (model.ShareKey, error) {
	wrapped, fp, err := m.keys.WrapCEK(ctx, recipientID, cek)
	if err != nil {
		return model.ShareKey{}, err
	}
	return model.ShareKey{
		FileID:               fileID,
		RecipientID:          recipientID,
		WrappedCEK:           wrapped,
		RecipientFingerprint: fp,
		WrapVersion:          model.WrapVersionCurrent,
		CreatedAt:            time.Now().UTC(),
	}, nil
}

// repairableRows re-wraps envelopes whose recipient regenerated their key
// pair, while a principal who can still decrypt the CEK is performing a
// mutation anyway. Rows whose recipients lost their key pair entirely are
// left alone.
func (m *Manager) repairableRows(ctx context.Context, fileID string, cek []byte, skipID string) []model.ShareKey {
	current, err := m.store.ListShareKeys(ctx, fileID)
	if err != nil {
		return nil
	}
	var repaired []model.ShareKey
	for _, row := range current {
		if row.RecipientID == skipID {
			continue
		}
		fp, err := m.keys.Fingerprint(ctx, row.RecipientID)
		if err != nil || fp == row.RecipientFingerprint {
			continue
		}
		fresh, err := m.makeRow(ctx, fileID, row.RecipientID, cek)
		if err != nil {
			continue
		}
		m.log.Info("repairing orphaned envelope", "file", fileID, "recipient", row.RecipientID)
		repaired = append(repaired, fresh)
	}
	return repaired
}

func (m *Manager) rollback(ctx context.Context, txnID string) {
	if err := m.store.Rollback(ctx, txnID); err != nil {
		m.log.Error("rollback of staged envelopes failed", "txn", txnID, "err", err)
	}
}
