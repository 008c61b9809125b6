// Package session holds unwrapped key material for the lifetime of one
// authenticated session. The cache lives purely in process memory: it is
// never serialized, never written to a session store, and never logged.
// Background jobs that touch encrypted files without an interactive login
// must use the recovery key path instead of materializing a user's private
// key here.
package session

import (
	"strings"
	"sync"

	"github.com/sealfs/sealfs/pkg/keypair"
	"github.com/sealfs/sealfs/pkg/keywrap"
)

// maxCachedCEKs bounds the per-cache CEK map so a long-lived session cannot
// accumulate unbounded key material.
const maxCachedCEKs = 256

// KeyCache is the per-session cache of a caller's unwrapped private key and
// recently unwrapped content keys. One cache per session; caches are never
// shared across principals or requests.
type KeyCache struct {
	mu    sync.Mutex
	keys  map[string]keypair.PrivateKey
	ceks  map[string][]byte
	order []string
}

func NewKeyCache() *KeyCache {
	return &KeyCache{
		keys: make(map[string]keypair.PrivateKey),
		ceks: make(map[string][]byte),
	}
}

// Put stores the principal's unwrapped private key, replacing (and
// destroying) any previous one.
func (c *KeyCache) Put(principalID string, key keypair.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.keys[principalID]; ok && old != key {
		old.Destroy()
	}
	c.keys[principalID] = key
}

// Get returns the cached private key, or nil if the session holds none.
func (c *KeyCache) Get(principalID string) keypair.PrivateKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[principalID]
}

// Clear destroys the principal's cached private key and the CEKs cached for
// that principal. Called on logout. Other principals' entries are untouched.
func (c *KeyCache) Clear(principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[principalID]; ok {
		key.Destroy()
		delete(c.keys, principalID)
	}
	prefix := principalID + cekKeySep
	c.wipeCEKsWhere(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

// ClearAll destroys everything in the cache. Called on process shutdown.
func (c *KeyCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, key := range c.keys {
		key.Destroy()
		delete(c.keys, id)
	}
	c.wipeCEKsWhere(func(string) bool { return true })
}

// DropFileCEKs wipes every principal's cached CEK for the file. Called when
// the file's content key rotates or the file is deleted, so a stale key can
// never decrypt the new blob.
func (c *KeyCache) DropFileCEKs(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	suffix := cekKeySep + fileID
	c.wipeCEKsWhere(func(k string) bool { return strings.HasSuffix(k, suffix) })
}

func (c *KeyCache) wipeCEKsWhere(match func(string) bool) {
	kept := c.order[:0]
	for _, k := range c.order {
		if !match(k) {
			kept = append(kept, k)
			continue
		}
		if cek, ok := c.ceks[k]; ok {
			keywrap.Zero(cek)
			delete(c.ceks, k)
		}
	}
	c.order = kept
}

// cekKeySep joins principal and file ids into one cache key. NUL cannot
// appear in either id, so the mapping is unambiguous.
const cekKeySep = "\x00"

func cekKey(principalID, fileID string) string {
	return principalID + cekKeySep + fileID
}

// PutCEK caches an unwrapped content key for the (principal, file) pair.
// The oldest entry is wiped once the bound is reached.
func (c *KeyCache) PutCEK(principalID, fileID string, cek []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cekKey(principalID, fileID)
	if _, ok := c.ceks[key]; !ok {
		c.order = append(c.order, key)
	}
	stored := make([]byte, len(cek))
	copy(stored, cek)
	c.ceks[key] = stored

	for len(c.order) > maxCachedCEKs {
		oldest := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.ceks[oldest]; ok {
			keywrap.Zero(old)
			delete(c.ceks, oldest)
		}
	}
}

// GetCEK returns a copy of the content key cached for the (principal, file)
// pair, or nil. The entry is scoped to the principal so one caller's unwrap
// never serves another's read.
func (c *KeyCache) GetCEK(principalID, fileID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cek, ok := c.ceks[cekKey(principalID, fileID)]
	if !ok {
		return nil
	}
	out := make([]byte, len(cek))
	copy(out, cek)
	return out
}
