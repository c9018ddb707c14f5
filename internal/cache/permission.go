package cache

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"kanban/api/internal/expiry"
	"kanban/api/internal/metrics"
)

const permissionCacheName = "permission"

type permissionEntry struct {
	allowed   bool
	writtenAt time.Time
	ttl       time.Duration
}

// PermissionCache memoizes authorization decisions.
type PermissionCache struct {
	mu          sync.Mutex
	entries     map[string]permissionEntry
	ttl         time.Duration
	sweepChance float64
	now         func() time.Time
	roll        func() float64
	metrics     *metrics.Metrics

	hits, misses, writes, evictions uint64
}

func newPermissionCache(cfg Config, o options) *PermissionCache {
	return &PermissionCache{
		entries:     make(map[string]permissionEntry),
		ttl:         cfg.PermissionTTL,
		sweepChance: cfg.SweepChance,
		now:         o.now,
		roll:        o.roll,
		metrics:     o.metrics,
	}
}

// Cache stores a decision with the default TTL.
func (c *PermissionCache) Cache(user, resourceID, action string, allowed bool) {
	c.CacheFor(user, resourceID, action, allowed, c.ttl)
}

// CacheFor stores a decision with an explicit TTL.
func (c *PermissionCache) CacheFor(user, resourceID, action string, allowed bool, ttl time.Duration) {
	key := permissionKey(user, resourceID, action)
	now := c.now()
	sweep := c.roll() < c.sweepChance

	c.mu.Lock()
	c.entries[key] = permissionEntry{allowed: allowed, writtenAt: now, ttl: ttl}
	c.writes++
	swept := 0
	if sweep {
		swept = c.sweepLocked(now)
	}
	c.mu.Unlock()

	c.metrics.CacheWrite(permissionCacheName)
	c.metrics.CacheEvict(permissionCacheName, "expired", swept)
}

// Get returns the cached decision. ok is false on a miss or when the entry
// has expired; expired entries are removed.
func (c *PermissionCache) Get(user, resourceID, action string) (allowed, ok bool) {
	key := permissionKey(user, resourceID, action)
	now := c.now()

	c.mu.Lock()
	entry, found := c.entries[key]
	expired := found && expiry.IsExpired(entry.writtenAt, entry.ttl, now)
	if expired {
		delete(c.entries, key)
		c.evictions++
	}
	if found && !expired {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if expired {
		c.metrics.CacheEvict(permissionCacheName, "expired", 1)
	}
	hit := found && !expired
	c.metrics.CacheLookup(permissionCacheName, hit)
	if !hit {
		return false, false
	}
	return entry.allowed, true
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *PermissionCache) Sweep() int {
	c.mu.Lock()
	n := c.sweepLocked(c.now())
	c.mu.Unlock()
	c.metrics.CacheEvict(permissionCacheName, "expired", n)
	return n
}

func (c *PermissionCache) sweepLocked(now time.Time) int {
	n := 0
	for key, entry := range c.entries {
		if expiry.IsExpired(entry.writtenAt, entry.ttl, now) {
			delete(c.entries, key)
			n++
		}
	}
	c.evictions += uint64(n)
	return n
}

// Clear drops every entry and resets counters.
func (c *PermissionCache) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]permissionEntry)
	c.hits, c.misses, c.writes, c.evictions = 0, 0, 0, 0
	c.mu.Unlock()
	c.metrics.CacheEvict(permissionCacheName, "clear", n)
}

func (c *PermissionCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Writes:    c.writes,
		Evictions: c.evictions,
		Entries:   len(c.entries),
	}
}

// permissionKey hashes the length-prefixed tuple so no choice of field
// contents can make two different tuples share a key.
func permissionKey(user, resourceID, action string) string {
	h, _ := blake2b.New256(nil)
	var prefix [binary.MaxVarintLen64]byte
	for _, field := range [...]string{user, resourceID, action} {
		n := binary.PutUvarint(prefix[:], uint64(len(field)))
		_, _ = h.Write(prefix[:n])
		_, _ = h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
