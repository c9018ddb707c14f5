package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrBusy means a document's guard stayed held for the whole wait window.
var ErrBusy = errors.New("lock record busy")

// guard serializes read-decide-write cycles on one document's record across
// processes using flock(2) on a sidecar file. Guard files are never removed;
// unlinking a file someone else holds would split the lock.
type guard struct {
	path string
	file *os.File
}

// tryLock attempts the flock without blocking.
func (g *guard) tryLock() (bool, error) {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open guard file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	g.file = f
	return true, nil
}

// lock polls tryLock until it succeeds, ctx ends or wait elapses.
func (g *guard) lock(ctx context.Context, wait, poll time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := g.tryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrBusy, wait)
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *guard) unlock() error {
	if g.file == nil {
		return nil
	}

	if err := syscall.Flock(int(g.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = g.file.Close()
		g.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := g.file.Close()
	g.file = nil
	return err
}
