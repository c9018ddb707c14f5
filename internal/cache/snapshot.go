package cache

import (
	"bytes"
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"kanban/api/internal/board"
	"kanban/api/internal/expiry"
	"kanban/api/internal/metrics"
)

const snapshotCacheName = "snapshot"

// zstdMagic starts every zstd frame; Get uses it to tell compressed
// encodings from plain JSON.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type snapshotEntry struct {
	documentID string
	data       []byte
	compressed bool
	writtenAt  time.Time
	ttl        time.Duration
}

// SnapshotCache memoizes decoded boards keyed by document id.
type SnapshotCache struct {
	mu        sync.Mutex
	entries   map[string]*list.Element
	order     *list.List // front is the oldest write
	capacity  int
	ttl       time.Duration
	threshold int
	now       func() time.Time
	metrics   *metrics.Metrics
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder

	// generation counts ClearAll calls.
	generation uint64

	hits, misses, writes, evictions uint64
}

func newSnapshotCache(cfg Config, o options) (*SnapshotCache, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SnapshotCache{
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		capacity:  cfg.SnapshotCapacity,
		ttl:       cfg.SnapshotTTL,
		threshold: cfg.CompressThreshold,
		now:       o.now,
		metrics:   o.metrics,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Put caches snapshot under documentID. Overwriting an entry never evicts;
// inserting a new id into a full cache evicts the oldest-written entry.
func (c *SnapshotCache) Put(documentID string, snapshot board.Snapshot) error {
	_, err := c.put(documentID, snapshot, 0, false)
	return err
}

// Generation changes every time ClearAll runs.
func (c *SnapshotCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// PutIfGeneration caches snapshot only when no ClearAll has run since
// generation was read. Readers take the generation before loading from
// storage so a board read before a save is never cached after it.
func (c *SnapshotCache) PutIfGeneration(documentID string, snapshot board.Snapshot, generation uint64) (bool, error) {
	return c.put(documentID, snapshot, generation, true)
}

func (c *SnapshotCache) put(documentID string, snapshot board.Snapshot, generation uint64, checkGeneration bool) (bool, error) {
	data, err := board.Encode(snapshot)
	if err != nil {
		return false, err
	}
	compressed := false
	if len(data) > c.threshold {
		data = c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		compressed = true
	}

	entry := &snapshotEntry{
		documentID: documentID,
		data:       data,
		compressed: compressed,
		writtenAt:  c.now(),
		ttl:        c.ttl,
	}

	evicted := 0
	c.mu.Lock()
	if checkGeneration && c.generation != generation {
		c.mu.Unlock()
		return false, nil
	}
	if existing, ok := c.entries[documentID]; ok {
		c.order.Remove(existing)
	} else if c.order.Len() >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest)
			evicted = 1
		}
	}
	c.entries[documentID] = c.order.PushBack(entry)
	c.writes++
	c.evictions += uint64(evicted)
	c.mu.Unlock()

	c.metrics.CacheWrite(snapshotCacheName)
	c.metrics.CacheEvict(snapshotCacheName, "capacity", evicted)
	return true, nil
}

// Get returns a fresh copy of the cached board. ok is false on a miss, on
// expiry and on an entry that no longer decodes; the last two are removed.
func (c *SnapshotCache) Get(documentID string) (board.Snapshot, bool) {
	now := c.now()

	c.mu.Lock()
	elem, found := c.entries[documentID]
	var entry *snapshotEntry
	if found {
		entry = elem.Value.(*snapshotEntry)
		if expiry.IsExpired(entry.writtenAt, entry.ttl, now) {
			c.removeLocked(elem)
			c.evictions++
			c.misses++
			c.mu.Unlock()
			c.metrics.CacheEvict(snapshotCacheName, "expired", 1)
			c.metrics.CacheLookup(snapshotCacheName, false)
			return board.Snapshot{}, false
		}
	}
	c.mu.Unlock()

	if !found {
		c.recordLookup(false)
		return board.Snapshot{}, false
	}

	snapshot, err := c.decode(entry.data)
	if err != nil {
		c.mu.Lock()
		if current, ok := c.entries[documentID]; ok && current == elem {
			c.removeLocked(elem)
		}
		c.mu.Unlock()
		c.recordLookup(false)
		return board.Snapshot{}, false
	}
	c.recordLookup(true)
	return snapshot, true
}

func (c *SnapshotCache) recordLookup(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	c.metrics.CacheLookup(snapshotCacheName, hit)
}

func (c *SnapshotCache) decode(data []byte) (board.Snapshot, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return board.Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
		}
		data = plain
	}
	return board.Decode(data)
}

// ClearAll drops every entry, resets the counters and starts a new
// generation.
func (c *SnapshotCache) ClearAll() {
	c.mu.Lock()
	n := c.order.Len()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits, c.misses, c.writes, c.evictions = 0, 0, 0, 0
	c.generation++
	c.mu.Unlock()
	c.metrics.CacheEvict(snapshotCacheName, "clear", n)
}

func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *SnapshotCache) Capacity() int {
	return c.capacity
}

func (c *SnapshotCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Writes:    c.writes,
		Evictions: c.evictions,
		Entries:   c.order.Len(),
	}
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*snapshotEntry)
		stats.Bytes += len(entry.data)
		if entry.compressed {
			stats.Compressed++
		}
	}
	return stats
}

func (c *SnapshotCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*snapshotEntry)
	delete(c.entries, entry.documentID)
	c.order.Remove(elem)
}
