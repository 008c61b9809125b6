// Package sealfs is a server-side envelope-encryption layer for file
// storage: every file is encrypted under its own content key, and that key
// is wrapped for each principal allowed to read the file. Passwords never
// touch file content directly; they only wrap the per-user private key that
// opens the envelopes.
package sealfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sealfs/sealfs/internal/badgerStore"
	"github.com/sealfs/sealfs/internal/blobStore"
	"github.com/sealfs/sealfs/internal/config"
	"github.com/sealfs/sealfs/internal/fsStore"
	"github.com/sealfs/sealfs/pkg/contentCrypt"
	"github.com/sealfs/sealfs/pkg/envelope"
	"github.com/sealfs/sealfs/pkg/events"
	"github.com/sealfs/sealfs/pkg/keypair"
	"github.com/sealfs/sealfs/pkg/keystore"
	"github.com/sealfs/sealfs/pkg/keywrap"
	"github.com/sealfs/sealfs/pkg/session"
	"github.com/sealfs/sealfs/pkg/setup"
	"github.com/sealfs/sealfs/pkg/storage"
)

var (
	ErrNotStarted = errors.New("sealfs: vault not started")
	ErrClosed     = errors.New("sealfs: vault closed")
	ErrNoSession  = errors.New("sealfs: principal has no live session key")
)

// AuthProvider is consumed from the platform's authentication layer. The
// login password is available only during the login request and is never
// persisted here.
type AuthProvider interface {
	CurrentPrincipalID(ctx context.Context) (string, error)
}

// SharingProvider is consumed from the platform's sharing layer.
type SharingProvider = envelope.SharingProvider

// Config configures a Vault instance. Only Paths[0] is used at the moment.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used;
	// key material goes under Paths[0]/keys, ciphertext under
	// Paths[0]/blobs.
	Paths []string

	// MinimumFreeGB is a free-space threshold checked at startup.
	MinimumFreeGB uint

	// Backend selects the key-store implementation, config.BackendBadger
	// (default) or config.BackendFS.
	Backend string

	// RecoveryEnabled turns on recovery escrow for newly written files.
	RecoveryEnabled bool

	// Sharing answers which principals may read a file. Required.
	Sharing SharingProvider

	// Auth resolves the calling principal for the *Current convenience
	// methods. Optional.
	Auth AuthProvider

	// KeyStore and Blobs override the on-disk stores, for embedding and
	// tests. When both are set, Paths may be empty.
	KeyStore keystore.KeyStore
	Blobs    storage.Blobs

	// Logger is an optional structured logger. If nil, a stderr logger is
	// used.
	Logger *slog.Logger
}

// Vault is the main handle. It owns the key stores, the envelope manager,
// and the session cache, and subscribes to the sharing event bus.
type Vault struct {
	log    *slog.Logger
	config Config

	storeMu sync.RWMutex
	store   keystore.KeyStore

	blobs     storage.Blobs
	keys      *keypair.Service
	envelopes *envelope.Manager
	sessions  *session.KeyCache
	coord     *setup.Coordinator
	bus       *events.Bus

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON, different
// levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a vault handle. New does not perform I/O; call Start to
// open the stores.
func New(conf Config) (*Vault, error) {
	if conf.Sharing == nil {
		return nil, fmt.Errorf("a sharing provider must be set in config")
	}
	if conf.KeyStore == nil && len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Backend == "" {
		conf.Backend = config.BackendBadger
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &Vault{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// NewFromConfigFile builds a vault from a YAML deployment config.
func NewFromConfigFile(path string, sharing SharingProvider, logger *slog.Logger) (*Vault, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(Config{
		Paths:           []string{cfg.KeyStorePath},
		MinimumFreeGB:   uint(cfg.MinimumFreeGB),
		Backend:         cfg.Backend,
		RecoveryEnabled: cfg.Recovery.Enabled,
		Sharing:         sharing,
		Logger:          logger,
	})
}

// Start opens the key store and blob store and wires the envelope manager to
// the event bus. Start is safe to call multiple times; only the first call
// has effect.
func (v *Vault) Start(ctx context.Context) error {
	var startErr error
	v.startOnce.Do(func() {
		store := v.config.KeyStore
		blobs := v.config.Blobs

		if store == nil {
			dataRoot := v.config.Paths[0]
			if err := os.MkdirAll(dataRoot, 0o700); err != nil {
				startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
				return
			}
			store, startErr = v.openKeyStore(filepath.Join(dataRoot, "keys"))
			if startErr != nil {
				return
			}
			if blobs == nil {
				blobs, startErr = blobStore.NewStore(filepath.Join(dataRoot, "blobs"))
				if startErr != nil {
					return
				}
			}
		}
		if blobs == nil {
			startErr = fmt.Errorf("a blob store must be set in config")
			return
		}

		v.storeMu.Lock()
		v.store = store
		v.storeMu.Unlock()
		v.blobs = blobs

		v.keys = keypair.NewService(store, v.log)
		v.sessions = session.NewKeyCache()
		v.envelopes = envelope.NewManager(store, blobs, v.keys, v.config.Sharing, v.log)
		v.envelopes.SetRecoveryMode(v.config.RecoveryEnabled)
		v.coord = setup.NewCoordinator(v.keys, store, v.envelopes, v.sessions, v.log)

		v.bus = events.NewBus()
		v.envelopes.Subscribe(v.bus, v.sessions)

		v.started.Store(true)
		v.log.Info("sealfs vault started", "backend", v.config.Backend)
	})
	return startErr
}

// Run starts the vault, blocks until ctx is canceled, then closes it. A
// convenience for services.
func (v *Vault) Run(ctx context.Context) error {
	if err := v.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return v.Close()
}

// Close wipes all session key material and releases the stores. Close is
// idempotent.
func (v *Vault) Close() error {
	var closeErr error
	v.closeOnce.Do(func() {
		if v.sessions != nil {
			v.sessions.ClearAll()
		}

		v.storeMu.Lock()
		store := v.store
		v.store = nil
		v.storeMu.Unlock()
		if store != nil {
			if err := store.Close(); err != nil {
				closeErr = fmt.Errorf("close key store: %w", err)
			}
		}
		v.log.Info("sealfs vault closed")
	})
	return closeErr
}

func (v *Vault) openKeyStore(path string) (keystore.KeyStore, error) {
	switch v.config.Backend {
	case config.BackendBadger:
		return badgerStore.NewStore(badgerStore.StoreConfig{
			Paths:            []string{path},
			MinimumFreeSpace: int(v.config.MinimumFreeGB),
			Logger:           logrus.New(),
		})
	case config.BackendFS:
		return fsStore.NewStore(path, logrus.New())
	default:
		return nil, fmt.Errorf("unknown key-store backend %q", v.config.Backend)
	}
}

func (v *Vault) handle() error {
	if !v.started.Load() {
		return ErrNotStarted
	}
	v.storeMu.RLock()
	store := v.store
	v.storeMu.RUnlock()
	if store == nil {
		return ErrClosed
	}
	return nil
}

// Bus exposes the share event stream so the sharing layer can publish into
// it.
func (v *Vault) Bus() *events.Bus {
	return v.bus
}

// SetupKeysForLogin bootstraps or unwraps the principal's key pair with the
// login password and caches the private key for the session.
func (v *Vault) SetupKeysForLogin(ctx context.Context, principalID, password string) error {
	if err := v.handle(); err != nil {
		return err
	}
	return v.coord.OnLogin(ctx, principalID, password)
}

// Logout wipes the principal's session key material.
func (v *Vault) Logout(principalID string) {
	if v.sessions != nil {
		v.sessions.Clear(principalID)
	}
}

// ChangePassword re-wraps the principal's private key under the new
// password. Content access is preserved.
func (v *Vault) ChangePassword(ctx context.Context, principalID, oldPassword, newPassword string) error {
	if err := v.handle(); err != nil {
		return err
	}
	return v.coord.OnPasswordChange(ctx, principalID, oldPassword, newPassword)
}

// ResetPassword handles an administrative reset without the old password,
// rebuilding file access through the recovery key.
func (v *Vault) ResetPassword(ctx context.Context, principalID, newPassword, recoveryPassword string) error {
	if err := v.handle(); err != nil {
		return err
	}
	return v.coord.ResetPassword(ctx, principalID, newPassword, recoveryPassword)
}

// WritePlaintext encrypts and stores the file content on behalf of the
// logged-in caller.
func (v *Vault) WritePlaintext(ctx context.Context, fileID, callerID string, plaintext io.Reader) error {
	if err := v.handle(); err != nil {
		return err
	}
	key := v.sessions.Get(callerID)
	if key == nil {
		return ErrNoSession
	}
	return v.envelopes.WritePlaintext(ctx, fileID, callerID, key, plaintext)
}

// ReadPlaintext decrypts the byte range [off, off+n) for the logged-in
// caller. The unwrapped CEK is cached in the caller's session, so repeated
// range reads of the same file skip the asymmetric unwrap.
func (v *Vault) ReadPlaintext(ctx context.Context, fileID, callerID string, off, n int64) ([]byte, error) {
	if err := v.handle(); err != nil {
		return nil, err
	}

	cek := v.sessions.GetCEK(callerID, fileID)
	if cek == nil {
		key := v.sessions.Get(callerID)
		if key == nil {
			return nil, ErrNoSession
		}
		var err error
		cek, err = v.envelopes.UnwrapCEK(ctx, fileID, callerID, key)
		if err != nil {
			return nil, err
		}
		v.sessions.PutCEK(callerID, fileID, cek)
	}
	defer keywrap.Zero(cek)

	blobSize, err := v.blobs.Size(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return contentCrypt.DecryptRange(cek, storage.ReaderAt(ctx, v.blobs, fileID), blobSize, off, n)
}

// WritePlaintextCurrent is WritePlaintext for the principal resolved by the
// configured AuthProvider.
func (v *Vault) WritePlaintextCurrent(ctx context.Context, fileID string, plaintext io.Reader) error {
	callerID, err := v.currentPrincipal(ctx)
	if err != nil {
		return err
	}
	return v.WritePlaintext(ctx, fileID, callerID, plaintext)
}

// ReadPlaintextCurrent is ReadPlaintext for the principal resolved by the
// configured AuthProvider.
func (v *Vault) ReadPlaintextCurrent(ctx context.Context, fileID string, off, n int64) ([]byte, error) {
	callerID, err := v.currentPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	return v.ReadPlaintext(ctx, fileID, callerID, off, n)
}

func (v *Vault) currentPrincipal(ctx context.Context) (string, error) {
	if v.config.Auth == nil {
		return "", fmt.Errorf("no auth provider configured")
	}
	return v.config.Auth.CurrentPrincipalID(ctx)
}

// PlaintextSize returns the decrypted size of the file.
func (v *Vault) PlaintextSize(ctx context.Context, fileID string) (int64, error) {
	if err := v.handle(); err != nil {
		return 0, err
	}
	return v.envelopes.PlaintextSize(ctx, fileID)
}

// OnShareGranted publishes a grant notification. The envelope manager picks
// it up and wraps the file's CEK for the recipient, using the grantor's
// session key.
func (v *Vault) OnShareGranted(fileID, recipientID, grantorID string) {
	if v.bus == nil {
		return
	}
	v.bus.PublishShareGranted(events.ShareGranted{
		FileID:      fileID,
		RecipientID: recipientID,
		GrantorID:   grantorID,
	})
}

// OnShareRevoked publishes a revoke notification; the recipient's envelope
// is deleted.
func (v *Vault) OnShareRevoked(fileID, recipientID string) {
	if v.bus == nil {
		return
	}
	v.bus.PublishShareRevoked(events.ShareRevoked{
		FileID:      fileID,
		RecipientID: recipientID,
	})
}

// TransferOwner atomically moves file ownership to another principal.
func (v *Vault) TransferOwner(ctx context.Context, fileID, newOwnerID, callerID string) error {
	if err := v.handle(); err != nil {
		return err
	}
	key := v.sessions.Get(callerID)
	if key == nil {
		return ErrNoSession
	}
	return v.envelopes.TransferOwner(ctx, fileID, newOwnerID, callerID, key)
}

// Rekey rotates the file's content key and re-encrypts its content. Use
// after a revoke when forward secrecy is required.
func (v *Vault) Rekey(ctx context.Context, fileID, callerID string) error {
	if err := v.handle(); err != nil {
		return err
	}
	key := v.sessions.Get(callerID)
	if key == nil {
		return ErrNoSession
	}
	if err := v.envelopes.Rekey(ctx, fileID, callerID, key); err != nil {
		return err
	}
	// Cached content keys are stale the moment the file is re-keyed.
	v.sessions.DropFileCEKs(fileID)
	return nil
}

// DeleteFile removes the ciphertext and every envelope for the file.
func (v *Vault) DeleteFile(ctx context.Context, fileID string) error {
	if err := v.handle(); err != nil {
		return err
	}
	if err := v.envelopes.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	// A later write under the same id gets a fresh CEK; keep no stale one.
	v.sessions.DropFileCEKs(fileID)
	return nil
}

// EnableRecovery turns on recovery escrow for newly written files, creating
// the recovery key pair on first use.
func (v *Vault) EnableRecovery(ctx context.Context, recoveryPassword string) error {
	if err := v.handle(); err != nil {
		return err
	}
	return v.coord.EnableRecovery(ctx, recoveryPassword)
}

// DisableRecovery stops escrowing new files.
func (v *Vault) DisableRecovery(ctx context.Context, recoveryPassword string) error {
	if err := v.handle(); err != nil {
		return err
	}
	return v.coord.DisableRecovery(ctx, recoveryPassword)
}

// CheckRecoveryPassword verifies the recovery passphrase.
func (v *Vault) CheckRecoveryPassword(ctx context.Context, recoveryPassword string) error {
	if err := v.handle(); err != nil {
		return err
	}
	return v.coord.CheckRecoveryPassword(ctx, recoveryPassword)
}

// AddRecoveryKeys retroactively escrows every file the logged-in principal
// owns.
func (v *Vault) AddRecoveryKeys(ctx context.Context, principalID string) error {
	if err := v.handle(); err != nil {
		return err
	}
	key := v.sessions.Get(principalID)
	if key == nil {
		return ErrNoSession
	}
	return v.coord.AddRecoveryKeys(ctx, principalID, key)
}

// RemoveRecoveryKeys drops the recovery envelope from every file the
// principal owns.
func (v *Vault) RemoveRecoveryKeys(ctx context.Context, principalID string) error {
	if err := v.handle(); err != nil {
		return err
	}
	return v.coord.RemoveRecoveryKeys(ctx, principalID)
}

// RecoverUserFiles re-wraps every escrowed file of the principal under
// their current key pair. Returns the number of files restored.
func (v *Vault) RecoverUserFiles(ctx context.Context, principalID, recoveryPassword string) (int, error) {
	if err := v.handle(); err != nil {
		return 0, err
	}
	return v.coord.RecoverUserFiles(ctx, principalID, recoveryPassword)
}
