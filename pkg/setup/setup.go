// Package setup ties key-pair lifecycle to the platform's login and password
// flows, and runs the recovery-escrow administration: enabling the recovery
// key, escrowing and un-escrowing a user's files, and regaining access after
// an administrative password reset.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sealfs/sealfs/pkg/envelope"
	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/keypair"
	"github.com/sealfs/sealfs/pkg/keystore"
	"github.com/sealfs/sealfs/pkg/model"
	"github.com/sealfs/sealfs/pkg/session"
)

type Coordinator struct {
	keys      *keypair.Service
	store     keystore.KeyStore
	envelopes *envelope.Manager
	sessions  *session.KeyCache
	log       *slog.Logger
}

func NewCoordinator(keys *keypair.Service, store keystore.KeyStore, envelopes *envelope.Manager, sessions *session.KeyCache, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		keys:      keys,
		store:     store,
		envelopes: envelopes,
		sessions:  sessions,
		log:       log,
	}
}

// OnLogin bootstraps a key pair on first login, unwraps the private key with
// the login password, and populates the session cache. A pair still wrapped
// in the legacy format is silently re-wrapped under the current construction
// while the password is at hand.
//
// errdefs.ErrInvalidSecret here means the login password no longer matches
// the wrap secret (a password reset that bypassed ChangePassword); the user
// authenticates fine but cannot reach encrypted content until the key pair
// is recovered.
func (c *Coordinator) OnLogin(ctx context.Context, principalID, password string) error {
	has, err := c.keys.HasKeyPair(ctx, principalID)
	if err != nil {
		return err
	}
	if !has {
		if _, err := c.keys.Generate(ctx, principalID, password); err != nil {
			return fmt.Errorf("bootstrap key pair: %w", err)
		}
		c.log.Info("generated key pair on first login", "principal", principalID)
	}

	pair, err := c.store.GetKeyPair(ctx, principalID)
	if err != nil {
		return err
	}
	if pair.WrappedPrivateKey.Version == model.WrapVersionLegacy {
		if err := c.keys.Rewrap(ctx, principalID, password, password); err != nil {
			return fmt.Errorf("upgrade legacy key wrap: %w", err)
		}
		c.log.Info("upgraded key wrap to current format", "principal", principalID)
	}

	key, err := c.keys.Unwrap(ctx, principalID, password)
	if err != nil {
		return err
	}
	c.sessions.Put(principalID, key)
	return nil
}

// OnLogout wipes the principal's session key material.
func (c *Coordinator) OnLogout(principalID string) {
	c.sessions.Clear(principalID)
}

// OnPasswordChange re-wraps the private key under the new password. The key
// pair and every file envelope stay untouched. Requires the old password;
// administrative resets without it go through ResetPassword.
func (c *Coordinator) OnPasswordChange(ctx context.Context, principalID, oldPassword, newPassword string) error {
	if err := c.keys.Rewrap(ctx, principalID, oldPassword, newPassword); err != nil {
		return err
	}
	key, err := c.keys.Unwrap(ctx, principalID, newPassword)
	if err != nil {
		return err
	}
	c.sessions.Put(principalID, key)
	return nil
}

// ResetPassword handles the administrative reset where the old password is
// gone: the user's key pair is regenerated under the new password and access
// to their files is rebuilt through the recovery key. Without a recovery key
// pair the old files are lost and the call fails with
// errdefs.ErrKeyPairUnrecoverable.
func (c *Coordinator) ResetPassword(ctx context.Context, principalID, newPassword, recoveryPassword string) error {
	recoveryKey, err := c.unwrapRecovery(ctx, recoveryPassword)
	if err != nil {
		return err
	}
	defer recoveryKey.Destroy()

	if _, err := c.keys.Regenerate(ctx, principalID, newPassword); err != nil {
		return fmt.Errorf("regenerate key pair: %w", err)
	}
	c.sessions.Clear(principalID)

	restored, failed := c.regrantViaRecovery(ctx, principalID, recoveryKey)
	c.log.Info("password reset via recovery key", "principal", principalID,
		"restored", restored, "unrecoverable", failed)
	if failed > 0 {
		return fmt.Errorf("%d files had no recovery envelope and stay inaccessible", failed)
	}
	return nil
}

// EnableRecovery turns on recovery escrow for newly written files, creating
// the recovery key pair on first use. With an existing pair the passphrase
// must match.
func (c *Coordinator) EnableRecovery(ctx context.Context, recoveryPassword string) error {
	has, err := c.keys.HasKeyPair(ctx, model.RecoveryPrincipalID)
	if err != nil {
		return err
	}
	if !has {
		if _, err := c.keys.Generate(ctx, model.RecoveryPrincipalID, recoveryPassword); err != nil {
			return fmt.Errorf("generate recovery key pair: %w", err)
		}
		c.log.Info("generated recovery key pair")
	} else if err := c.CheckRecoveryPassword(ctx, recoveryPassword); err != nil {
		return err
	}
	c.envelopes.SetRecoveryMode(true)
	return nil
}

// DisableRecovery stops escrowing new files. Existing recovery envelopes are
// left in place; a maintenance job may prune them.
func (c *Coordinator) DisableRecovery(ctx context.Context, recoveryPassword string) error {
	if err := c.CheckRecoveryPassword(ctx, recoveryPassword); err != nil {
		return err
	}
	c.envelopes.SetRecoveryMode(false)
	return nil
}

// CheckRecoveryPassword verifies the recovery passphrase without keeping any
// key material around. errdefs.ErrInvalidSecret on mismatch,
// errdefs.ErrKeyPairUnrecoverable if no recovery pair exists.
func (c *Coordinator) CheckRecoveryPassword(ctx context.Context, recoveryPassword string) error {
	key, err := c.unwrapRecovery(ctx, recoveryPassword)
	if err != nil {
		return err
	}
	key.Destroy()
	return nil
}

// AddRecoveryKeys retroactively escrows every file the principal owns,
// using the principal's own unwrapped key to reach each CEK. Called when a
// user opts into recovery after already having encrypted files.
func (c *Coordinator) AddRecoveryKeys(ctx context.Context, principalID string, key keypair.PrivateKey) error {
	files, err := c.ownedFiles(ctx, principalID)
	if err != nil {
		return err
	}
	for _, fileID := range files {
		if err := c.envelopes.GrantShare(ctx, fileID, model.RecoveryPrincipalID, principalID, key); err != nil {
			return fmt.Errorf("escrow file %s: %w", fileID, err)
		}
	}
	return nil
}

// RemoveRecoveryKeys drops the recovery envelope from every file the
// principal owns. Called when a user opts out of recovery.
func (c *Coordinator) RemoveRecoveryKeys(ctx context.Context, principalID string) error {
	files, err := c.ownedFiles(ctx, principalID)
	if err != nil {
		return err
	}
	for _, fileID := range files {
		_, err := c.store.GetShareKey(ctx, fileID, model.RecoveryPrincipalID)
		if errors.Is(err, errdefs.ErrShareKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := c.envelopes.RevokeShare(ctx, fileID, model.RecoveryPrincipalID); err != nil {
			return fmt.Errorf("un-escrow file %s: %w", fileID, err)
		}
	}
	return nil
}

// RecoverUserFiles rebuilds the principal's access to every escrowed file
// they can reach, re-wrapping each CEK under their current key pair. Used
// after ResetPassword, or standalone when only some envelopes were orphaned.
func (c *Coordinator) RecoverUserFiles(ctx context.Context, principalID, recoveryPassword string) (int, error) {
	recoveryKey, err := c.unwrapRecovery(ctx, recoveryPassword)
	if err != nil {
		return 0, err
	}
	defer recoveryKey.Destroy()

	restored, _ := c.regrantViaRecovery(ctx, principalID, recoveryKey)
	return restored, nil
}

func (c *Coordinator) unwrapRecovery(ctx context.Context, recoveryPassword string) (keypair.PrivateKey, error) {
	key, err := c.keys.Unwrap(ctx, model.RecoveryPrincipalID, recoveryPassword)
	if errors.Is(err, errdefs.ErrKeyPairNotFound) {
		return nil, errdefs.ErrKeyPairUnrecoverable
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// regrantViaRecovery walks the principal's files and re-grants through the
// recovery envelope where one exists. Returns how many files were restored
// and how many had no recovery envelope.
func (c *Coordinator) regrantViaRecovery(ctx context.Context, principalID string, recoveryKey keypair.PrivateKey) (restored, failed int) {
	files, err := c.envelopes.FilesForRecipient(ctx, principalID)
	if err != nil {
		c.log.Error("listing files for recovery failed", "principal", principalID, "err", err)
		return 0, 0
	}
	for _, fileID := range files {
		err := c.envelopes.GrantShare(ctx, fileID, principalID, model.RecoveryPrincipalID, recoveryKey)
		switch {
		case errors.Is(err, errdefs.ErrAccessDenied):
			// No recovery envelope on this file; nothing escrowed to restore.
			failed++
		case err != nil:
			c.log.Error("recovery re-grant failed", "file", fileID, "principal", principalID, "err", err)
			failed++
		default:
			restored++
		}
	}
	return restored, failed
}

func (c *Coordinator) ownedFiles(ctx context.Context, principalID string) ([]string, error) {
	files, err := c.envelopes.FilesForRecipient(ctx, principalID)
	if err != nil {
		return nil, err
	}
	owned := files[:0]
	for _, fileID := range files {
		meta, err := c.envelopes.FileMeta(ctx, fileID)
		if err != nil {
			return nil, err
		}
		if meta.OwnerID == principalID {
			owned = append(owned, fileID)
		}
	}
	return owned, nil
}
