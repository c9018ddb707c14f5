package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"kanban/api/internal/board"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithRoll(func() float64 { return 1 })}, opts...)
	svc, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func smallBoard(title string) board.Snapshot {
	return board.Snapshot{
		Title: title,
		Columns: []board.Column{
			{ID: "todo", Title: "To do", Cards: []board.Card{{ID: "c1", Title: "one"}}},
			{ID: "done", Title: "Done", Cards: []board.Card{}},
		},
	}
}

func largeBoard(cards int) board.Snapshot {
	column := board.Column{ID: "todo", Title: "To do"}
	for i := 0; i < cards; i++ {
		column.Cards = append(column.Cards, board.Card{
			ID:          fmt.Sprintf("card-%04d", i),
			Title:       fmt.Sprintf("Card number %d", i),
			Description: strings.Repeat("lorem ipsum ", 8),
		})
	}
	return board.Snapshot{Title: "Big", Columns: []board.Column{column}}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.PermissionTTL != DefaultPermissionTTL || cfg.SnapshotTTL != DefaultSnapshotTTL {
		t.Fatalf("unexpected ttl defaults: %+v", cfg)
	}
	if cfg.SnapshotCapacity != DefaultSnapshotCapacity || cfg.CompressThreshold != DefaultCompressThreshold {
		t.Fatalf("unexpected size defaults: %+v", cfg)
	}
	if cfg.SweepChance != DefaultSweepChance {
		t.Fatalf("SweepChance = %v, want %v", cfg.SweepChance, DefaultSweepChance)
	}
	if disabled := (Config{SweepChance: -1}).withDefaults(); disabled.SweepChance != 0 {
		t.Fatalf("negative SweepChance = %v, want 0", disabled.SweepChance)
	}
}

func TestStatsHitRate(t *testing.T) {
	if got := (Stats{}).HitRate(); got != 0 {
		t.Fatalf("empty HitRate() = %v, want 0", got)
	}
	if got := (Stats{Hits: 3, Misses: 1}).HitRate(); got != 0.75 {
		t.Fatalf("HitRate() = %v, want 0.75", got)
	}
}
