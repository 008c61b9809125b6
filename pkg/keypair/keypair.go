// Package keypair generates, unwraps, and re-wraps per-principal asymmetric
// key pairs, including the administrative recovery pair. The private half is
// only ever persisted wrapped under the principal's secret.
package keypair

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sealfs/sealfs/pkg/errdefs"
	"github.com/sealfs/sealfs/pkg/keystore"
	"github.com/sealfs/sealfs/pkg/keywrap"
	"github.com/sealfs/sealfs/pkg/model"
)

// PrivateKey is an unwrapped private key held in memory for the lifetime of
// a session. It never leaves the process.
type PrivateKey interface {
	// UnwrapCEK decrypts a content key wrapped under the matching public key.
	UnwrapCEK(wrapped []byte) ([]byte, error)

	// Fingerprint identifies the matching public key.
	Fingerprint() model.Fingerprint

	// Destroy wipes the key material. The key is unusable afterwards.
	Destroy()
}

// Service manages key pairs on top of a KeyStore. The asymmetric algorithm
// sits behind the algorithm interface; RSA-3072 with OAEP/SHA-256 is the
// only construction currently shipped.
type Service struct {
	store keystore.KeyStore
	algo  algorithm
	log   *slog.Logger
}

func NewService(store keystore.KeyStore, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: store,
		algo:  rsaAlgorithm{},
		log:   log,
	}
}

// Generate creates a fresh key pair for the principal, wraps the private half
// with wrapSecret, and persists both halves. Fails with
// errdefs.ErrKeyPairExists if a pair is already stored; callers must
// Regenerate explicitly instead.
func (s *Service) Generate(ctx context.Context, principalID, wrapSecret string) (model.KeyPair, error) {
	pair, err := s.newPair(principalID, wrapSecret)
	if err != nil {
		return model.KeyPair{}, err
	}
	if err := s.store.PutKeyPair(ctx, pair); err != nil {
		return model.KeyPair{}, err
	}
	s.log.Info("generated key pair", "principal", principalID)
	return pair, nil
}

// Unwrap loads the principal's wrapped private key and unwraps it with
// wrapSecret. A wrong secret surfaces as errdefs.ErrInvalidSecret; this is
// the only cryptographic signal that a login password is wrong.
func (s *Service) Unwrap(ctx context.Context, principalID, wrapSecret string) (PrivateKey, error) {
	pair, err := s.store.GetKeyPair(ctx, principalID)
	if err != nil {
		return nil, err
	}

	der, err := keywrap.Unwrap(pair.WrappedPrivateKey, wrapSecret)
	if err != nil {
		return nil, err
	}
	defer keywrap.Zero(der)

	priv, err := s.algo.parsePrivate(der, pair.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("parse private key for %s: %w", principalID, err)
	}
	return priv, nil
}

// Rewrap changes only the wrap secret of an existing pair (password change).
// The private key material is unchanged and the stored blob is swapped
// atomically: on any failure the previous wrapped key remains intact.
func (s *Service) Rewrap(ctx context.Context, principalID, oldSecret, newSecret string) error {
	pair, err := s.store.GetKeyPair(ctx, principalID)
	if err != nil {
		return err
	}

	der, err := keywrap.Unwrap(pair.WrappedPrivateKey, oldSecret)
	if err != nil {
		return err
	}
	defer keywrap.Zero(der)

	wrapped, err := keywrap.Wrap(der, newSecret)
	if err != nil {
		return fmt.Errorf("rewrap private key for %s: %w", principalID, err)
	}

	if err := s.store.SwapWrappedPrivateKey(ctx, principalID, wrapped); err != nil {
		return err
	}
	s.log.Info("rewrapped private key", "principal", principalID)
	return nil
}

// Regenerate destructively replaces the principal's pair with a fresh one.
// Every ShareKey wrapped under the old public key becomes cryptographically
// orphaned; the envelope manager detects that via the stored fingerprint.
func (s *Service) Regenerate(ctx context.Context, principalID, wrapSecret string) (model.KeyPair, error) {
	pair, err := s.newPair(principalID, wrapSecret)
	if err != nil {
		return model.KeyPair{}, err
	}

	err = s.store.ReplaceKeyPair(ctx, pair)
	if err == errdefs.ErrKeyPairNotFound {
		err = s.store.PutKeyPair(ctx, pair)
	}
	if err != nil {
		return model.KeyPair{}, err
	}
	s.log.Warn("regenerated key pair, existing share keys are orphaned", "principal", principalID)
	return pair, nil
}

// WrapCEK encrypts a content key under a recipient's stored public key and
// returns the wrapped bytes plus the fingerprint they are bound to.
func (s *Service) WrapCEK(ctx context.Context, recipientID string, cek []byte) ([]byte, model.Fingerprint, error) {
	pair, err := s.store.GetKeyPair(ctx, recipientID)
	if err != nil {
		return nil, model.Fingerprint{}, err
	}
	wrapped, err := s.algo.wrapCEK(pair.PublicKey, cek)
	if err != nil {
		return nil, model.Fingerprint{}, fmt.Errorf("wrap cek for %s: %w", recipientID, err)
	}
	return wrapped, pair.Fingerprint, nil
}

// Fingerprint returns the fingerprint of the principal's current public key.
func (s *Service) Fingerprint(ctx context.Context, principalID string) (model.Fingerprint, error) {
	pair, err := s.store.GetKeyPair(ctx, principalID)
	if err != nil {
		return model.Fingerprint{}, err
	}
	return pair.Fingerprint, nil
}

// HasKeyPair reports whether a pair is stored for the principal.
func (s *Service) HasKeyPair(ctx context.Context, principalID string) (bool, error) {
	_, err := s.store.GetKeyPair(ctx, principalID)
	if err == errdefs.ErrKeyPairNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) newPair(principalID, wrapSecret string) (model.KeyPair, error) {
	privDER, pubDER, err := s.algo.generate()
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	defer keywrap.Zero(privDER)

	wrapped, err := keywrap.Wrap(privDER, wrapSecret)
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("wrap private key: %w", err)
	}

	return model.KeyPair{
		PrincipalID:       principalID,
		PublicKey:         pubDER,
		WrappedPrivateKey: wrapped,
		Fingerprint:       model.FingerprintOf(pubDER),
		CreatedAt:         time.Now().UTC(),
	}, nil
}
