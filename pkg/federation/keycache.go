package federation

import (
	"sync"
	"time"

	"marginalia/pkg/signature"
)

// KeyCache holds fetched remote public keys for a bounded time.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]*keyCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type keyCacheEntry struct {
	key       *signature.PublicKey
	expiresAt time.Time
}

func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{
		entries: make(map[string]*keyCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a cached key that has not expired.
func (c *KeyCache) Get(keyID string) (*signature.PublicKey, bool) {
	c.mu.RLock()
	entry, ok := c.entries[keyID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, keyID)
		c.mu.Unlock()
		return nil, false
	}
	return entry.key, true
}

func (c *KeyCache) Put(keyID string, key *signature.PublicKey) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyID] = &keyCacheEntry{key: key, expiresAt: c.now().Add(c.ttl)}
}

func (c *KeyCache) Invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyID)
}

// SetTTL changes the lifetime of entries added from now on.
func (c *KeyCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

func (c *KeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*keyCacheEntry)
}

func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
