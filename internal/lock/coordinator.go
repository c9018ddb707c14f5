package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kanban/api/internal/apperr"
	"kanban/api/internal/docid"
	"kanban/api/internal/metrics"
)

const (
	DefaultTTL           = 900 * time.Second
	DefaultSweepInterval = time.Minute
)

type Config struct {
	TTL time.Duration
	// SweepInterval throttles the cleanup Acquire runs on the side. Zero
	// means the default; negative disables it.
	SweepInterval time.Duration
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator grants, renews and revokes per-document edit locks over an
// ordered list of backends.
type Coordinator struct {
	backends      []Backend
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics

	sweepMu   sync.Mutex
	lastSweep time.Time
}

func NewCoordinator(cfg Config, backends []Backend, opts ...Option) (*Coordinator, error) {
	if len(backends) == 0 {
		return nil, errors.New("lock coordinator needs at least one backend")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	c := &Coordinator{
		backends:      backends,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func validate(documentID, owner string) error {
	if err := docid.Validate(documentID); err != nil {
		return apperr.Validation("invalid document id", err)
	}
	if strings.TrimSpace(owner) == "" {
		return apperr.New(apperr.KindValidation, "owner is required")
	}
	return nil
}

// pass records that a backend handed a request on. It returns true when
// there is a later backend to try.
func (c *Coordinator) pass(op string, idx int, documentID string, err error) bool {
	kind := c.backends[idx].Kind()
	last := idx == len(c.backends)-1
	if !last {
		c.metrics.Fallback(string(kind))
	}
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		c.logger.Warn("lock backend failed",
			"op", op,
			"backend", kind,
			"document_id", documentID,
			"last", last,
			"error", err.Error(),
		)
	}
	return !last
}

func storageErr(op string, err error) error {
	return apperr.Storage("lock storage unavailable", fmt.Errorf("%s: %w", op, err))
}

// Acquire grants owner the lock on documentID, refreshing it if owner
// already holds it.
func (c *Coordinator) Acquire(ctx context.Context, documentID, owner string) (AcquireResult, error) {
	started := time.Now()
	if err := validate(documentID, owner); err != nil {
		c.metrics.ObserveLock("acquire", "invalid", started)
		return AcquireResult{}, err
	}
	now := c.now()
	c.maybeSweep(ctx, now)

	var lastErr error
	for i, backend := range c.backends {
		result, err := backend.Acquire(ctx, documentID, owner, c.ttl, now)
		if err == nil && result.Acquired {
			return c.confirmGrant(ctx, i, documentID, owner, now, result, started)
		}
		if err == nil && result.LockedBy != "" {
			c.metrics.ObserveLock("acquire", "conflict", started)
			return result, nil
		}
		if err != nil && !errors.Is(err, ErrNotConfigured) {
			lastErr = err
		}
		c.pass("acquire", i, documentID, err)
	}

	c.metrics.ObserveLock("acquire", "error", started)
	if lastErr == nil {
		lastErr = errors.New("no backend decided")
	}
	return AcquireResult{}, storageErr("acquire", lastErr)
}

// confirmGrant keeps a grant from backend idx only when no later backend
// holds a live lock for someone else. Those records are left behind when
// an earlier backend was unreachable at the time they were written.
func (c *Coordinator) confirmGrant(ctx context.Context, idx int, documentID, owner string, now time.Time, granted AcquireResult, started time.Time) (AcquireResult, error) {
	for _, later := range c.backends[idx+1:] {
		holder, held, err := later.Holder(ctx, documentID, now)
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		if err != nil {
			c.revokeGrant(ctx, idx, documentID, owner, now)
			c.metrics.ObserveLock("acquire", "error", started)
			return AcquireResult{}, storageErr("acquire", fmt.Errorf("check %s backend: %w", later.Kind(), err))
		}
		if held && holder.Owner != owner {
			c.revokeGrant(ctx, idx, documentID, owner, now)
			c.logger.Warn("lock held on a later backend; grant withdrawn",
				"document_id", documentID,
				"owner", owner,
				"granted_by", c.backends[idx].Kind(),
				"held_by", holder.Owner,
				"held_on", holder.Backend,
			)
			c.metrics.ObserveLock("acquire", "conflict", started)
			return AcquireResult{LockedBy: holder.Owner, Backend: holder.Backend, ExpiresAt: holder.ExpiresAt}, nil
		}
	}
	c.metrics.ObserveLock("acquire", "granted", started)
	return granted, nil
}

func (c *Coordinator) revokeGrant(ctx context.Context, idx int, documentID, owner string, now time.Time) {
	backend := c.backends[idx]
	if _, err := backend.Release(ctx, documentID, owner, now); err != nil {
		c.logger.Warn("withdrawing lock grant failed",
			"document_id", documentID,
			"backend", backend.Kind(),
			"error", err.Error(),
		)
	}
}

// Release removes owner's lock from every backend. A lock held by someone
// else is never removed.
func (c *Coordinator) Release(ctx context.Context, documentID, owner string) (ReleaseResult, error) {
	started := time.Now()
	if err := validate(documentID, owner); err != nil {
		c.metrics.ObserveLock("release", "invalid", started)
		return ReleaseResult{}, err
	}
	now := c.now()

	var (
		released    ReleaseResult
		foreign     ReleaseResult
		answered    bool
		lastErr     error
		unreachable []BackendKind
	)
	for i, backend := range c.backends {
		result, err := backend.Release(ctx, documentID, owner, now)
		if err != nil {
			if !errors.Is(err, ErrNotConfigured) {
				lastErr = err
				unreachable = append(unreachable, backend.Kind())
			}
			c.pass("release", i, documentID, err)
			continue
		}
		answered = true
		switch {
		case result.Released && !released.Released:
			released = result
		case result.Reason == ReasonNotOwner && foreign.LockedBy == "":
			foreign = result
		}
	}

	if !answered && lastErr != nil {
		c.metrics.ObserveLock("release", "error", started)
		return ReleaseResult{}, storageErr("release", lastErr)
	}
	if len(unreachable) > 0 {
		c.logger.Warn("lock release incomplete; owner may still hold the lock on unreachable backends",
			"document_id", documentID,
			"owner", owner,
			"unreachable", unreachable,
			"error", lastErr.Error(),
		)
	}

	var result ReleaseResult
	switch {
	case released.Released:
		c.metrics.ObserveLock("release", "released", started)
		result = released
	case foreign.LockedBy != "":
		c.metrics.ObserveLock("release", "not_owner", started)
		result = foreign
	default:
		c.metrics.ObserveLock("release", "not_found", started)
		result = ReleaseResult{Reason: ReasonNotFound}
	}
	result.Unreachable = unreachable
	return result, nil
}

// Renew refreshes owner's lock. It fails with NOT_FOUND when there is no
// lock and NOT_OWNER when someone else holds it.
func (c *Coordinator) Renew(ctx context.Context, documentID, owner string) (RenewResult, error) {
	started := time.Now()
	if err := validate(documentID, owner); err != nil {
		c.metrics.ObserveLock("renew", "invalid", started)
		return RenewResult{}, err
	}
	now := c.now()

	var lastErr error
	answered := false
	for i, backend := range c.backends {
		result, err := backend.Renew(ctx, documentID, owner, c.ttl, now)
		if err != nil {
			if !errors.Is(err, ErrNotConfigured) {
				lastErr = err
			}
			c.pass("renew", i, documentID, err)
			continue
		}
		answered = true
		if result.Renewed {
			c.metrics.ObserveLock("renew", "renewed", started)
			return result, nil
		}
		if result.Reason == ReasonNotOwner {
			c.metrics.ObserveLock("renew", "not_owner", started)
			return result, nil
		}
	}

	if !answered && lastErr != nil {
		c.metrics.ObserveLock("renew", "error", started)
		return RenewResult{}, storageErr("renew", lastErr)
	}
	c.metrics.ObserveLock("renew", "not_found", started)
	return RenewResult{Reason: ReasonNotFound}, nil
}

// Status reports who holds documentID's lock from viewer's point of view.
func (c *Coordinator) Status(ctx context.Context, documentID, viewer string) (Status, error) {
	started := time.Now()
	if err := docid.Validate(documentID); err != nil {
		c.metrics.ObserveLock("status", "invalid", started)
		return Status{}, apperr.Validation("invalid document id", err)
	}
	now := c.now()

	var lastErr error
	answered := false
	for i, backend := range c.backends {
		holder, held, err := backend.Holder(ctx, documentID, now)
		if err != nil {
			if !errors.Is(err, ErrNotConfigured) {
				lastErr = err
			}
			c.pass("status", i, documentID, err)
			continue
		}
		answered = true
		if held {
			c.metrics.ObserveLock("status", "locked", started)
			mine := viewer != "" && holder.Owner == viewer
			return Status{
				Locked:        !mine,
				HasActiveLock: true,
				HeldByCaller:  mine,
				LockedBy:      holder.Owner,
				Backend:       holder.Backend,
				ExpiresAt:     holder.ExpiresAt,
			}, nil
		}
	}

	if !answered && lastErr != nil {
		c.metrics.ObserveLock("status", "error", started)
		return Status{}, storageErr("status", lastErr)
	}
	c.metrics.ObserveLock("status", "free", started)
	return Status{}, nil
}

// CleanupExpired sweeps every backend that keeps its own records.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	now := c.now()
	c.sweepMu.Lock()
	c.lastSweep = now
	c.sweepMu.Unlock()
	return c.sweep(ctx, now)
}

func (c *Coordinator) sweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	var errs []error
	for _, backend := range c.backends {
		sweeper, ok := backend.(Sweeper)
		if !ok {
			continue
		}
		n, err := sweeper.CleanupExpired(ctx, now)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Kind(), err))
		}
	}
	c.metrics.Swept(total)
	if total > 0 {
		c.logger.Info("lock cleanup", "removed", total)
	}
	if err := errors.Join(errs...); err != nil {
		return total, storageErr("cleanup", err)
	}
	return total, nil
}

// maybeSweep runs cleanup at most once per sweep interval. Failures are
// logged; they never fail the acquire that triggered them.
func (c *Coordinator) maybeSweep(ctx context.Context, now time.Time) {
	if c.sweepInterval < 0 {
		return
	}
	c.sweepMu.Lock()
	if !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < c.sweepInterval {
		c.sweepMu.Unlock()
		return
	}
	c.lastSweep = now
	c.sweepMu.Unlock()

	if _, err := c.sweep(ctx, now); err != nil {
		c.logger.Warn("opportunistic lock cleanup failed", "error", err.Error())
	}
}
