// Package seen implements a time-bounded deduplication cache.
//
// A peer can reach us over both an inbound and an outbound connection, so
// the same chat message may arrive twice. The node hashes each message into
// a Key and drops the second copy while the first is still remembered.
package seen

import (
	"crypto/sha256"
	"sync"
	"time"
)

const DefaultExpiry = 60 * time.Second

// Key identifies one piece of traffic.
type Key [32]byte

// KeyOf hashes parts into a Key. Parts are length-prefixed so ("ab","c")
// and ("a","bc") differ.
func KeyOf(parts ...string) Key {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write([]byte(p))
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Cache is a concurrent-safe deduplication store.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]time.Time
	expiry  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache with the given expiry and starts its reaper.
// Call Close to stop the reaper.
func New(expiry time.Duration) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c := &Cache{
		entries: make(map[Key]time.Time),
		expiry:  expiry,
		stop:    make(chan struct{}),
	}
	go c.reap()
	return c
}

// Has returns true if k was previously added and has not expired.
func (c *Cache) Has(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[k]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(c.entries, k)
		return false
	}
	return true
}

// Add records k. Returns true if k was not already present (new traffic).
func (c *Cache) Add(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.entries[k]; ok && time.Now().Before(exp) {
		return false
	}
	c.entries[k] = time.Now().Add(c.expiry)
	return true
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the reaper. The cache stays usable.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) reap() {
	ticker := time.NewTicker(c.expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		c.mu.Lock()
		for k, exp := range c.entries {
			if now.After(exp) {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()
	}
}
