// Package cache holds the two process-local caches that sit in front of the
// authorization and document storage collaborators:
//
//   - PermissionCache memoizes allow/deny decisions per (user, resource, action).
//   - SnapshotCache memoizes decoded boards, compressing large encodings and
//     evicting the oldest-written entry when full.
//
// Both caches expire entries lazily: an entry older than its TTL is treated
// as absent and removed by the read that notices it. Nothing runs in the
// background. Caches are not shared between processes; the board service
// clears the snapshot cache after every save.
package cache

import (
	"math/rand"
	"time"

	"kanban/api/internal/metrics"
)

const (
	DefaultPermissionTTL     = 5 * time.Minute
	DefaultSnapshotTTL       = time.Hour
	DefaultSnapshotCapacity  = 100
	DefaultCompressThreshold = 8 << 10
	DefaultSweepChance       = 0.01
)

type Config struct {
	PermissionTTL     time.Duration
	SnapshotTTL       time.Duration
	SnapshotCapacity  int
	CompressThreshold int
	// SweepChance is the probability that a permission write also sweeps
	// every expired entry. Zero means the default; negative disables it.
	SweepChance float64
}

func (c Config) withDefaults() Config {
	if c.PermissionTTL <= 0 {
		c.PermissionTTL = DefaultPermissionTTL
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = DefaultSnapshotTTL
	}
	if c.SnapshotCapacity <= 0 {
		c.SnapshotCapacity = DefaultSnapshotCapacity
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = DefaultCompressThreshold
	}
	if c.SweepChance < 0 {
		c.SweepChance = 0
	} else if c.SweepChance == 0 {
		c.SweepChance = DefaultSweepChance
	}
	return c
}

type options struct {
	now     func() time.Time
	roll    func() float64
	metrics *metrics.Metrics
}

type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRoll replaces the random source that decides when to sweep.
func WithRoll(roll func() float64) Option {
	return func(o *options) { o.roll = roll }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Service bundles the caches one process shares across requests. It is
// built once at startup and handed to the components that need it.
type Service struct {
	Permissions *PermissionCache
	Snapshots   *SnapshotCache
}

func New(cfg Config, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	o := options{now: time.Now, roll: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}

	snapshots, err := newSnapshotCache(cfg, o)
	if err != nil {
		return nil, err
	}
	return &Service{
		Permissions: newPermissionCache(cfg, o),
		Snapshots:   snapshots,
	}, nil
}

// Stats is a point-in-time view of one cache's counters.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Writes     uint64 `json:"writes"`
	Evictions  uint64 `json:"evictions"`
	Entries    int    `json:"entries"`
	Compressed int    `json:"compressed,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
