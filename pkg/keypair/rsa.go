package keypair

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"github.com/sealfs/sealfs/pkg/model"
)

const rsaBits = 3072

// algorithm abstracts the asymmetric construction so a non-RSA variant can
// be added without touching the Service contract.
type algorithm interface {
	generate() (privDER, pubDER []byte, err error)
	parsePrivate(privDER []byte, fp model.Fingerprint) (PrivateKey, error)
	wrapCEK(pubDER, cek []byte) ([]byte, error)
}

type rsaAlgorithm struct{}

func (rsaAlgorithm) generate() ([]byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, nil, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privDER, pubDER, nil
}

func (rsaAlgorithm) parsePrivate(privDER []byte, fp model.Fingerprint) (PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("stored private key is not RSA")
	}
	return &rsaPrivateKey{key: key, fp: fp}, nil
}

func (rsaAlgorithm) wrapCEK(pubDER, cek []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("stored public key is not RSA")
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, cek, nil)
}

type rsaPrivateKey struct {
	key *rsa.PrivateKey
	fp  model.Fingerprint
}

func (k *rsaPrivateKey) UnwrapCEK(wrapped []byte) ([]byte, error) {
	if k.key == nil {
		return nil, errors.New("private key has been destroyed")
	}
	cek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap cek: %w", err)
	}
	return cek, nil
}

func (k *rsaPrivateKey) Fingerprint() model.Fingerprint {
	return k.fp
}

func (k *rsaPrivateKey) Destroy() {
	if k.key == nil {
		return
	}
	// Best effort: big.Int.Bits exposes the underlying words, so the secret
	// components can be wiped before the reference is dropped.
	zeroWords(k.key.D)
	for _, p := range k.key.Primes {
		zeroWords(p)
	}
	zeroWords(k.key.Precomputed.Dp)
	zeroWords(k.key.Precomputed.Dq)
	zeroWords(k.key.Precomputed.Qinv)
	k.key = nil
}

func zeroWords(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
}
