package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kanban/api/internal/docid"
)

const (
	lockExt      = ".lock"
	guardDirName = ".guards"
	stagePrefix  = ".stage-"

	DefaultGuardWait = 2 * time.Second
	defaultGuardPoll = 5 * time.Millisecond
	staleStageAge    = time.Minute
)

var ErrLockDirUnwritable = errors.New("lock directory is not writable")

type FileConfig struct {
	Dir string
	// DefaultTTL is applied to legacy records, which carry no TTL.
	DefaultTTL time.Duration
	// GuardWait bounds how long an operation waits for another process
	// working on the same document.
	GuardWait time.Duration
}

// FileBackend keeps one record per locked document in a shared directory.
// Every mutation happens under the document's guard and commits with a
// rename, so readers see either the old record or the new one.
type FileBackend struct {
	dir        string
	guardDir   string
	defaultTTL time.Duration
	guardWait  time.Duration
	guardPoll  time.Duration
	pid        int
	host       string
}

// NewFileBackend prepares dir and proves it is writable.
func NewFileBackend(cfg FileConfig) (*FileBackend, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("%w: no directory configured", ErrLockDirUnwritable)
	}
	if cfg.GuardWait <= 0 {
		cfg.GuardWait = DefaultGuardWait
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	guardDir := filepath.Join(cfg.Dir, guardDirName)
	if err := os.MkdirAll(guardDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockDirUnwritable, err)
	}
	probe, err := os.CreateTemp(cfg.Dir, stagePrefix+"probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockDirUnwritable, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	host, _ := os.Hostname()
	return &FileBackend{
		dir:        cfg.Dir,
		guardDir:   guardDir,
		defaultTTL: cfg.DefaultTTL,
		guardWait:  cfg.GuardWait,
		guardPoll:  defaultGuardPoll,
		pid:        os.Getpid(),
		host:       host,
	}, nil
}

func (b *FileBackend) Kind() BackendKind { return BackendAtomic }

func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) recordPath(documentID string) string {
	return filepath.Join(b.dir, docid.FileName(documentID)+lockExt)
}

// withGuard runs fn while holding documentID's guard.
func (b *FileBackend) withGuard(ctx context.Context, documentID string, fn func() error) error {
	g := &guard{path: filepath.Join(b.guardDir, docid.FileName(documentID)+".guard")}
	if err := g.lock(ctx, b.guardWait, b.guardPoll); err != nil {
		return fmt.Errorf("guard %s: %w", documentID, err)
	}
	defer func() { _ = g.unlock() }()
	return fn()
}

// read returns the stored record. A missing file is (Record{}, false, nil);
// an undecodable one is reported through ErrInvalidRecord.
func (b *FileBackend) read(documentID string) (Record, bool, error) {
	data, err := os.ReadFile(b.recordPath(documentID))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read lock record: %w", err)
	}
	rec, err := decodeRecord(data, b.defaultTTL)
	if err != nil {
		return Record{}, true, err
	}
	return rec, true, nil
}

// readLive reads under the guard and deletes records that are expired or
// unreadable, returning found=false for them.
func (b *FileBackend) readLive(documentID string, now time.Time) (Record, bool, error) {
	rec, found, err := b.read(documentID)
	if err != nil && !errors.Is(err, ErrInvalidRecord) {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}
	if err != nil || rec.Expired(now) {
		if rmErr := b.remove(documentID); rmErr != nil {
			return Record{}, false, rmErr
		}
		return Record{}, false, nil
	}
	return rec, true, nil
}

// write stages the record in a temp file and renames it into place.
func (b *FileBackend) write(documentID string, rec Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.dir, stagePrefix+"*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmpName, b.recordPath(documentID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename staging file: %w", err)
	}
	return nil
}

func (b *FileBackend) remove(documentID string) error {
	err := os.Remove(b.recordPath(documentID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock record: %w", err)
	}
	return nil
}

func (b *FileBackend) newRecord(owner string, ttl time.Duration, now time.Time) Record {
	return Record{
		Owner:      owner,
		AcquiredAt: now,
		TTL:        ttl,
		PID:        b.pid,
		Host:       b.host,
		Schema:     recordSchema,
	}
}

func (b *FileBackend) Acquire(ctx context.Context, documentID, owner string, ttl time.Duration, now time.Time) (AcquireResult, error) {
	var result AcquireResult
	err := b.withGuard(ctx, documentID, func() error {
		current, held, err := b.readLive(documentID, now)
		if err != nil {
			return err
		}
		if held && current.Owner != owner {
			result = AcquireResult{LockedBy: current.Owner, Backend: BackendAtomic, ExpiresAt: current.ExpiresAt()}
			return nil
		}
		rec := b.newRecord(owner, ttl, now)
		if err := b.write(documentID, rec); err != nil {
			return err
		}
		result = AcquireResult{Acquired: true, LockedBy: owner, Backend: BackendAtomic, ExpiresAt: rec.ExpiresAt()}
		return nil
	})
	return result, err
}

func (b *FileBackend) Release(ctx context.Context, documentID, owner string, now time.Time) (ReleaseResult, error) {
	var result ReleaseResult
	err := b.withGuard(ctx, documentID, func() error {
		current, held, err := b.readLive(documentID, now)
		if err != nil {
			return err
		}
		switch {
		case !held:
			result = ReleaseResult{Reason: ReasonNotFound}
		case current.Owner != owner:
			result = ReleaseResult{Reason: ReasonNotOwner, LockedBy: current.Owner, Backend: BackendAtomic}
		default:
			if err := b.remove(documentID); err != nil {
				return err
			}
			result = ReleaseResult{Released: true, Backend: BackendAtomic}
		}
		return nil
	})
	return result, err
}

func (b *FileBackend) Renew(ctx context.Context, documentID, owner string, ttl time.Duration, now time.Time) (RenewResult, error) {
	var result RenewResult
	err := b.withGuard(ctx, documentID, func() error {
		current, held, err := b.readLive(documentID, now)
		if err != nil {
			return err
		}
		switch {
		case !held:
			result = RenewResult{Reason: ReasonNotFound}
		case current.Owner != owner:
			result = RenewResult{Reason: ReasonNotOwner, LockedBy: current.Owner, Backend: BackendAtomic}
		default:
			rec := b.newRecord(owner, ttl, now)
			if err := b.write(documentID, rec); err != nil {
				return err
			}
			result = RenewResult{Renewed: true, LockedBy: owner, Backend: BackendAtomic, ExpiresAt: rec.ExpiresAt()}
		}
		return nil
	})
	return result, err
}

// Holder reads without the guard; rename keeps the read consistent. An
// expired or unreadable record is removed under the guard if nobody has
// replaced it in the meantime.
func (b *FileBackend) Holder(ctx context.Context, documentID string, now time.Time) (Holder, bool, error) {
	rec, found, err := b.read(documentID)
	if err != nil && !errors.Is(err, ErrInvalidRecord) {
		return Holder{}, false, err
	}
	if !found {
		return Holder{}, false, nil
	}
	if err == nil && !rec.Expired(now) {
		return Holder{Owner: rec.Owner, Backend: BackendAtomic, ExpiresAt: rec.ExpiresAt()}, true, nil
	}

	var holder Holder
	var held bool
	err = b.withGuard(ctx, documentID, func() error {
		current, ok, err := b.readLive(documentID, now)
		if err != nil {
			return err
		}
		if ok {
			holder = Holder{Owner: current.Owner, Backend: BackendAtomic, ExpiresAt: current.ExpiresAt()}
			held = true
		}
		return nil
	})
	return holder, held, err
}

// CleanupExpired removes every expired or unreadable record plus staging
// files abandoned by crashed writers.
func (b *FileBackend) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("list lock directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, stagePrefix) {
			b.removeStaleStage(name, now)
			continue
		}
		if !strings.HasSuffix(name, lockExt) {
			continue
		}
		documentID := docid.FromFileName(strings.TrimSuffix(name, lockExt))
		err := b.withGuard(ctx, documentID, func() error {
			rec, found, err := b.read(documentID)
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				return err
			}
			if !found || (err == nil && !rec.Expired(now)) {
				return nil
			}
			if err := b.remove(documentID); err != nil {
				return err
			}
			removed++
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (b *FileBackend) removeStaleStage(name string, now time.Time) {
	info, err := os.Stat(filepath.Join(b.dir, name))
	if err != nil {
		return
	}
	if now.Sub(info.ModTime()) > staleStageAge {
		_ = os.Remove(filepath.Join(b.dir, name))
	}
}
