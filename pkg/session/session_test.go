package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sealfs/sealfs/pkg/model"
)

type fakeKey struct {
	destroyed bool
}

func (k *fakeKey) UnwrapCEK(wrapped []byte) ([]byte, error) {
	if k.destroyed {
		return nil, errors.New("destroyed")
	}
	return wrapped, nil
}

func (k *fakeKey) Fingerprint() model.Fingerprint { return model.Fingerprint{} }
func (k *fakeKey) Destroy()                       { k.destroyed = true }

func TestPutGetClear(t *testing.T) {
	cache := NewKeyCache()
	key := &fakeKey{}

	assert.Nil(t, cache.Get("alice"))

	cache.Put("alice", key)
	assert.Same(t, key, cache.Get("alice"))

	cache.Clear("alice")
	assert.Nil(t, cache.Get("alice"))
	assert.True(t, key.destroyed)
}

func TestPutReplacesAndDestroysOldKey(t *testing.T) {
	cache := NewKeyCache()
	first := &fakeKey{}
	second := &fakeKey{}

	cache.Put("alice", first)
	cache.Put("alice", second)

	assert.True(t, first.destroyed)
	assert.Same(t, second, cache.Get("alice"))
}

func TestCEKCacheReturnsCopies(t *testing.T) {
	cache := NewKeyCache()
	cek := []byte("0123456789abcdef0123456789abcdef")

	cache.PutCEK("alice", "f1", cek)
	got := cache.GetCEK("alice", "f1")
	assert.Equal(t, cek, got)

	// Mutating the returned slice must not affect the cached copy.
	got[0] = 0xff
	assert.Equal(t, cek, cache.GetCEK("alice", "f1"))
}

func TestCEKCacheIsScopedToPrincipal(t *testing.T) {
	cache := NewKeyCache()
	cache.PutCEK("alice", "f1", []byte("0123456789abcdef0123456789abcdef"))

	assert.Nil(t, cache.GetCEK("bob", "f1"))
}

func TestClearWipesOnlyThatPrincipalsCEKs(t *testing.T) {
	cache := NewKeyCache()
	cache.Put("alice", &fakeKey{})
	cache.PutCEK("alice", "f1", []byte("0123456789abcdef0123456789abcdef"))
	cache.PutCEK("bob", "f1", []byte("fedcba9876543210fedcba9876543210"))

	cache.Clear("alice")
	assert.Nil(t, cache.GetCEK("alice", "f1"))
	assert.NotNil(t, cache.GetCEK("bob", "f1"))
}

func TestDropFileCEKsWipesAllPrincipals(t *testing.T) {
	cache := NewKeyCache()
	cache.PutCEK("alice", "f1", []byte("0123456789abcdef0123456789abcdef"))
	cache.PutCEK("bob", "f1", []byte("fedcba9876543210fedcba9876543210"))
	cache.PutCEK("alice", "f2", []byte("abcdef0123456789abcdef0123456789"))

	cache.DropFileCEKs("f1")
	assert.Nil(t, cache.GetCEK("alice", "f1"))
	assert.Nil(t, cache.GetCEK("bob", "f1"))
	assert.NotNil(t, cache.GetCEK("alice", "f2"))
}

func TestCEKCacheBounded(t *testing.T) {
	cache := NewKeyCache()
	for i := 0; i < maxCachedCEKs+10; i++ {
		cache.PutCEK("alice", string(rune('a'+i%26))+string(rune('0'+i/26)), []byte("k"))
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.LessOrEqual(t, len(cache.ceks), maxCachedCEKs)
}
