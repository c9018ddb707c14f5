package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kanban/api/internal/apperr"
	"kanban/api/internal/board"
	"kanban/api/internal/cache"
	"kanban/api/internal/cachebus"
	"kanban/api/internal/config"
	"kanban/api/internal/gitrepo"
	"kanban/api/internal/lock"
	"kanban/api/internal/logging"
	"kanban/api/internal/rbac"
	"kanban/api/internal/search"
	"kanban/api/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDocs is an in-memory document store. The func fields, when set,
// replace the matching behaviour.
type fakeDocs struct {
	mu        sync.Mutex
	docs      map[string][]byte
	versions  map[string][]byte
	reads     int
	writes    int
	readFn    func(documentID string) ([]byte, bool, error)
	writeFn   func(documentID string, text []byte) (gitrepo.CommitInfo, error)
	historyFn func(documentID string, limit int) ([]gitrepo.CommitInfo, error)
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string][]byte), versions: make(map[string][]byte)}
}

func (f *fakeDocs) put(t *testing.T, documentID string, snapshot board.Snapshot) {
	t.Helper()
	text, err := board.Encode(snapshot)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	f.mu.Lock()
	f.docs[documentID] = text
	f.mu.Unlock()
}

func (f *fakeDocs) ReadDocument(documentID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readFn != nil {
		return f.readFn(documentID)
	}
	text, ok := f.docs[documentID]
	return text, ok, nil
}

func (f *fakeDocs) WriteDocument(documentID string, text []byte, summary, author string) (gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeFn != nil {
		return f.writeFn(documentID, text)
	}
	f.docs[documentID] = text
	hash := fmt.Sprintf("%07d", f.writes)
	f.versions[documentID+"@"+hash] = text
	if summary == "" {
		summary = "Update board"
	}
	return gitrepo.CommitInfo{
		Hash:      hash,
		Message:   summary,
		Author:    author,
		CreatedAt: epoch,
	}, nil
}

func (f *fakeDocs) ReadDocumentAt(documentID, hash string) ([]byte, gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.versions[documentID+"@"+hash]
	if !ok {
		return nil, gitrepo.CommitInfo{}, fmt.Errorf("%w: %s", gitrepo.ErrCommitNotFound, hash)
	}
	return text, gitrepo.CommitInfo{Hash: hash, CreatedAt: epoch}, nil
}

func (f *fakeDocs) History(documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(documentID, limit)
	}
	return nil, nil
}

func (f *fakeDocs) Documents() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeChecker struct {
	mu      sync.Mutex
	calls   int
	checkFn func(user, resourceID string) (rbac.Level, error)
}

func (f *fakeChecker) CheckPermission(_ context.Context, user, resourceID string) (rbac.Level, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.checkFn != nil {
		return f.checkFn(user, resourceID)
	}
	if user == "root" {
		return rbac.LevelAdmin, nil
	}
	return rbac.LevelEdit, nil
}

func (f *fakeChecker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSaves struct {
	mu      sync.Mutex
	records []store.SaveRecord
	err     error
}

func (f *fakeSaves) RecordSave(_ context.Context, rec store.SaveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSaves) RecentSaves(_ context.Context, documentID string, limit int) ([]store.SaveRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SaveRecord
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		if f.records[i].DocumentID == documentID {
			out = append(out, f.records[i])
		}
	}
	return out, nil
}

type testEnv struct {
	svc     *Service
	docs    *fakeDocs
	checker *fakeChecker
	saves   *fakeSaves
	caches  *cache.Service
	locks   *lock.Coordinator
	clock   *testClock
}

type envOption func(*Deps)

func withBus(bus *cachebus.Bus) envOption {
	return func(d *Deps) { d.Bus = bus }
}

func withChecks(checks map[string]func(context.Context) error) envOption {
	return func(d *Deps) { d.Checks = checks }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	clock := &testClock{now: epoch}

	caches, err := cache.New(cache.Config{SweepChance: -1}, cache.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	file, err := lock.NewFileBackend(lock.FileConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	locks, err := lock.NewCoordinator(
		lock.Config{TTL: 900 * time.Second, SweepInterval: -1},
		[]lock.Backend{file},
		lock.WithClock(clock.Now),
		lock.WithLogger(logging.Discard()),
	)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	env := &testEnv{
		docs:    newFakeDocs(),
		checker: &fakeChecker{},
		saves:   &fakeSaves{},
		caches:  caches,
		locks:   locks,
		clock:   clock,
	}
	deps := Deps{
		Caches:      caches,
		Locks:       locks,
		Permissions: env.checker,
		Documents:   env.docs,
		Saves:       env.saves,
		Logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.svc, err = New(config.Config{DefaultPageSize: 50}, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return env
}

// makeBoard builds a board with one column per count, holding that many
// cards each.
func makeBoard(counts ...int) board.Snapshot {
	b := board.Snapshot{Title: "Roadmap"}
	n := 0
	for i, count := range counts {
		column := board.Column{ID: fmt.Sprintf("col-%d", i), Title: fmt.Sprintf("Column %d", i)}
		for j := 0; j < count; j++ {
			n++
			column.Cards = append(column.Cards, board.Card{ID: fmt.Sprintf("card-%d", n), Title: fmt.Sprintf("Card %d", n)})
		}
		b.Columns = append(b.Columns, column)
	}
	return b
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("error kind = %s (%v), want %s", got, err, kind)
	}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	if _, err := New(config.Config{}, Deps{}); err == nil {
		t.Fatal("New() with no deps should fail")
	}
}

func TestLoadBoardCachesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.docs.put(t, "team:roadmap", makeBoard(2, 1))
	ctx := context.Background()

	first, err := env.svc.LoadBoard(ctx, "alice", "team:roadmap", 1, 0)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if first.Cached {
		t.Fatal("first load should come from storage")
	}
	if first.Board.Title != "Roadmap" || first.Pagination.TotalCards != 3 || first.Pagination.TotalPages != 1 {
		t.Fatalf("first load = %+v", first)
	}

	second, err := env.svc.LoadBoard(ctx, "alice", "team:roadmap", 1, 0)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if !second.Cached {
		t.Fatal("second load should hit the snapshot cache")
	}
	if env.docs.reads != 1 {
		t.Fatalf("storage reads = %d, want 1", env.docs.reads)
	}
	if got := env.caches.Snapshots.Stats().Hits; got != 1 {
		t.Fatalf("snapshot hits = %d, want 1", got)
	}
}

func TestLoadBoardPaginates(t *testing.T) {
	env := newTestEnv(t)
	env.docs.put(t, "pageA", makeBoard(5, 5, 5))
	ctx := context.Background()

	view, err := env.svc.LoadBoard(ctx, "alice", "pageA", 1, 7)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	p := view.Pagination
	if p.CurrentPage != 1 || p.TotalPages != 3 || p.TotalCards != 15 || p.PageSize != 7 || !p.HasMore {
		t.Fatalf("pagination = %+v", p)
	}
	if len(view.Board.Columns) != 3 {
		t.Fatalf("columns = %d, want all 3 kept", len(view.Board.Columns))
	}
	if got := []int{len(view.Board.Columns[0].Cards), len(view.Board.Columns[1].Cards), len(view.Board.Columns[2].Cards)}; got[0] != 5 || got[1] != 2 || got[2] != 0 {
		t.Fatalf("page 1 card counts = %v, want [5 2 0]", got)
	}

	// The cached board is not trimmed by an earlier paginated read.
	whole, err := env.svc.LoadBoard(ctx, "alice", "pageA", 1, 0)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if whole.Pagination.TotalPages != 1 || whole.Board.TotalCards() != 15 {
		t.Fatalf("default page size view = %+v", whole.Pagination)
	}
}

func TestLoadBoardErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.LoadBoard(ctx, "alice", "missing", 1, 0)
		wantKind(t, err, apperr.KindNotFound)
	})

	t.Run("storage failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.docs.readFn = func(string) ([]byte, bool, error) { return nil, false, errors.New("disk on fire") }
		_, err := env.svc.LoadBoard(ctx, "alice", "pageA", 1, 0)
		wantKind(t, err, apperr.KindStorage)
	})

	t.Run("unreadable document", func(t *testing.T) {
		env := newTestEnv(t)
		env.docs.docs["pageA"] = []byte("{not json")
		_, err := env.svc.LoadBoard(ctx, "alice", "pageA", 1, 0)
		wantKind(t, err, apperr.KindInternal)
	})

	t.Run("invalid id checked before permissions", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.LoadBoard(ctx, "alice", "bad id", 1, 0)
		wantKind(t, err, apperr.KindValidation)
		if env.checker.Calls() != 0 {
			t.Fatal("permission checker must not run for an invalid id")
		}
	})

	t.Run("no principal", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.LoadBoard(ctx, "  ", "pageA", 1, 0)
		wantKind(t, err, apperr.KindAuth)
	})
}

func TestAuthorizeCachesDecisions(t *testing.T) {
	env := newTestEnv(t)
	env.checker.checkFn = func(user, _ string) (rbac.Level, error) {
		if user == "guest" {
			return rbac.LevelNone, nil
		}
		return rbac.LevelRead, nil
	}
	env.docs.put(t, "pageA", makeBoard(1))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.svc.LoadBoard(ctx, "alice", "pageA", 1, 0); err != nil {
			t.Fatalf("LoadBoard() error = %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		_, err := env.svc.LoadBoard(ctx, "guest", "pageA", 1, 0)
		wantKind(t, err, apperr.KindForbidden)
	}
	if got := env.checker.Calls(); got != 2 {
		t.Fatalf("checker calls = %d, want one per user", got)
	}

	// Read access does not imply edit.
	_, err := env.svc.AcquireLock(ctx, "alice", "pageA")
	wantKind(t, err, apperr.KindForbidden)

	// Decisions expire with the permission TTL.
	env.clock.Advance(cache.DefaultPermissionTTL + time.Second)
	if _, err := env.svc.LoadBoard(ctx, "alice", "pageA", 1, 0); err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if got := env.checker.Calls(); got != 4 {
		t.Fatalf("checker calls after expiry = %d, want 4", got)
	}
}

func TestAuthorizeSurfacesCheckerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.checker.checkFn = func(string, string) (rbac.Level, error) { return 0, errors.New("db down") }

	err := env.svc.Authorize(context.Background(), "alice", "pageA", rbac.ActionRead)
	wantKind(t, err, apperr.KindStorage)
	if env.caches.Permissions.Stats().Entries != 0 {
		t.Fatal("a failed check must not be cached")
	}
}

func TestSaveBoardFlow(t *testing.T) {
	env := newTestEnv(t)
	env.docs.put(t, "pageA", makeBoard(1))
	env.docs.put(t, "pageB", makeBoard(2))
	ctx := context.Background()

	for _, id := range []string{"pageA", "pageB"} {
		if _, err := env.svc.LoadBoard(ctx, "alice", id, 1, 0); err != nil {
			t.Fatalf("LoadBoard(%s) error = %v", id, err)
		}
	}
	if env.caches.Snapshots.Len() != 2 {
		t.Fatalf("cached snapshots = %d, want 2", env.caches.Snapshots.Len())
	}

	result, err := env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: makeBoard(3), Summary: "Add cards"})
	if err != nil {
		t.Fatalf("SaveBoard() error = %v", err)
	}
	if result.Commit.Hash == "" || result.Commit.Message != "Add cards" || !result.Lock.Acquired {
		t.Fatalf("SaveBoard() = %+v", result)
	}
	if env.caches.Snapshots.Len() != 0 {
		t.Fatal("a save must clear every cached snapshot")
	}

	status, err := env.svc.LockStatus(ctx, "bob", "pageA")
	if err != nil {
		t.Fatalf("LockStatus() error = %v", err)
	}
	if !status.Locked || status.LockedBy != "alice" {
		t.Fatalf("lock after save = %+v, want held by alice", status)
	}

	view, err := env.svc.LoadBoard(ctx, "bob", "pageA", 1, 0)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if view.Cached || view.Board.TotalCards() != 3 {
		t.Fatalf("reload after save = cached %v, cards %d", view.Cached, view.Board.TotalCards())
	}

	if len(env.saves.records) != 1 {
		t.Fatalf("recorded saves = %d, want 1", len(env.saves.records))
	}
	rec := env.saves.records[0]
	if rec.DocumentID != "pageA" || rec.Author != "alice" || rec.LockOwner != "alice" || rec.CommitHash != result.Commit.Hash {
		t.Fatalf("save record = %+v", rec)
	}
}

// pausingDocs holds the next ReadDocument after it has read storage until
// resume is closed.
type pausingDocs struct {
	*fakeDocs
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (p *pausingDocs) ReadDocument(documentID string) ([]byte, bool, error) {
	text, found, err := p.fakeDocs.ReadDocument(documentID)
	p.once.Do(func() {
		close(p.read)
		<-p.resume
	})
	return text, found, err
}

func TestLoadRacingSaveDoesNotCacheStaleBoard(t *testing.T) {
	docs := &pausingDocs{read: make(chan struct{}), resume: make(chan struct{})}
	env := newTestEnv(t, func(d *Deps) { d.Documents = docs })
	docs.fakeDocs = env.docs
	env.docs.put(t, "pageA", makeBoard(1))
	ctx := context.Background()

	loaded := make(chan BoardView, 1)
	go func() {
		view, err := env.svc.LoadBoard(ctx, "bob", "pageA", 1, 0)
		if err != nil {
			t.Errorf("LoadBoard() error = %v", err)
		}
		loaded <- view
	}()
	<-docs.read

	if _, err := env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: makeBoard(3)}); err != nil {
		t.Fatalf("SaveBoard() error = %v", err)
	}
	close(docs.resume)
	if view := <-loaded; view.Pagination.TotalCards != 1 {
		t.Fatalf("racing load saw %d cards, want the 1 it read", view.Pagination.TotalCards)
	}

	view, err := env.svc.LoadBoard(ctx, "bob", "pageA", 1, 0)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if view.Cached || view.Pagination.TotalCards != 3 {
		t.Fatalf("load after save = cached %v, %d cards; want the saved board from storage", view.Cached, view.Pagination.TotalCards)
	}
}

func TestSaveBoardConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.AcquireLock(ctx, "alice", "pageA"); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	_, err := env.svc.SaveBoard(ctx, "bob", "pageA", SaveInput{Board: makeBoard(1)})
	wantKind(t, err, apperr.KindConflict)

	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Details["lockedBy"] != "alice" {
		t.Fatalf("conflict details = %+v", err)
	}
	if env.docs.writes != 0 {
		t.Fatal("a conflicting save must not reach storage")
	}

	// Once alice's lock lapses bob can save.
	env.clock.Advance(901 * time.Second)
	if _, err := env.svc.SaveBoard(ctx, "bob", "pageA", SaveInput{Board: makeBoard(1)}); err != nil {
		t.Fatalf("SaveBoard() after expiry error = %v", err)
	}
}

func TestSaveBoardValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dup := makeBoard(1, 1)
	dup.Columns[1].ID = dup.Columns[0].ID
	_, err := env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: dup})
	wantKind(t, err, apperr.KindValidation)

	status, err := env.svc.LockStatus(ctx, "alice", "pageA")
	if err != nil {
		t.Fatalf("LockStatus() error = %v", err)
	}
	if status.HasActiveLock {
		t.Fatal("an invalid board must not take the lock")
	}

	env.checker.checkFn = func(string, string) (rbac.Level, error) { return rbac.LevelRead, nil }
	env.caches.Permissions.Clear()
	_, err = env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: makeBoard(1)})
	wantKind(t, err, apperr.KindForbidden)
}

func TestSaveBoardStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.docs.writeFn = func(string, []byte) (gitrepo.CommitInfo, error) {
		return gitrepo.CommitInfo{}, errors.New("repository is read-only")
	}
	_, err := env.svc.SaveBoard(context.Background(), "alice", "pageA", SaveInput{Board: makeBoard(1)})
	wantKind(t, err, apperr.KindStorage)
	if len(env.saves.records) != 0 {
		t.Fatal("a failed write must not be recorded")
	}
}

func TestSaveBoardToleratesSaveLogFailure(t *testing.T) {
	env := newTestEnv(t)
	env.saves.err = errors.New("insert failed")
	if _, err := env.svc.SaveBoard(context.Background(), "alice", "pageA", SaveInput{Board: makeBoard(1)}); err != nil {
		t.Fatalf("SaveBoard() error = %v", err)
	}
}

func TestLockOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acquired, err := env.svc.AcquireLock(ctx, "alice", "pageA")
	if err != nil || !acquired.Acquired {
		t.Fatalf("AcquireLock() = %+v, %v", acquired, err)
	}

	_, err = env.svc.AcquireLock(ctx, "bob", "pageA")
	wantKind(t, err, apperr.KindConflict)
	_, err = env.svc.RenewLock(ctx, "bob", "pageA")
	wantKind(t, err, apperr.KindConflict)
	_, err = env.svc.ReleaseLock(ctx, "bob", "pageA")
	wantKind(t, err, apperr.KindConflict)

	env.clock.Advance(10 * time.Minute)
	renewed, err := env.svc.RenewLock(ctx, "alice", "pageA")
	if err != nil || !renewed.Renewed {
		t.Fatalf("RenewLock() = %+v, %v", renewed, err)
	}
	if want := epoch.Add(10*time.Minute + 900*time.Second); !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", renewed.ExpiresAt, want)
	}

	released, err := env.svc.ReleaseLock(ctx, "alice", "pageA")
	if err != nil || !released.Released {
		t.Fatalf("ReleaseLock() = %+v, %v", released, err)
	}
	again, err := env.svc.ReleaseLock(ctx, "alice", "pageA")
	if err != nil || again.Released || again.Reason != lock.ReasonNotFound {
		t.Fatalf("second ReleaseLock() = %+v, %v", again, err)
	}
	_, err = env.svc.RenewLock(ctx, "alice", "pageA")
	wantKind(t, err, apperr.KindNotFound)
}

func TestHistoryClampsLimit(t *testing.T) {
	env := newTestEnv(t)
	var gotLimit int
	env.docs.historyFn = func(_ string, limit int) ([]gitrepo.CommitInfo, error) {
		gotLimit = limit
		return []gitrepo.CommitInfo{{Hash: "abc1234", Message: "Update board"}}, nil
	}
	ctx := context.Background()

	for _, tc := range []struct{ in, want int }{{0, 20}, {5, 5}, {1000, 100}} {
		if _, err := env.svc.History(ctx, "alice", "pageA", tc.in); err != nil {
			t.Fatalf("History(%d) error = %v", tc.in, err)
		}
		if gotLimit != tc.want {
			t.Fatalf("History(%d) passed limit %d, want %d", tc.in, gotLimit, tc.want)
		}
	}

	env.docs.historyFn = func(string, int) ([]gitrepo.CommitInfo, error) { return nil, nil }
	_, err := env.svc.History(ctx, "alice", "pageB", 0)
	wantKind(t, err, apperr.KindNotFound)
}

func TestBoardVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, err := env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: makeBoard(1)})
	if err != nil {
		t.Fatalf("SaveBoard() error = %v", err)
	}
	if _, err := env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: makeBoard(3)}); err != nil {
		t.Fatalf("SaveBoard() error = %v", err)
	}

	version, err := env.svc.BoardVersion(ctx, "bob", "pageA", first.Commit.Hash)
	if err != nil {
		t.Fatalf("BoardVersion() error = %v", err)
	}
	if got := version.Board.TotalCards(); got != 1 {
		t.Fatalf("BoardVersion() cards = %d, want 1", got)
	}
	if version.Commit.Hash != first.Commit.Hash {
		t.Fatalf("BoardVersion() commit = %q, want %q", version.Commit.Hash, first.Commit.Hash)
	}

	_, err = env.svc.BoardVersion(ctx, "bob", "pageA", "abcdef0")
	wantKind(t, err, apperr.KindNotFound)
	_, err = env.svc.BoardVersion(ctx, "", "pageA", first.Commit.Hash)
	wantKind(t, err, apperr.KindAuth)
}

func TestSavesListsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		summary := fmt.Sprintf("save %d", i)
		if _, err := env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: makeBoard(i + 1), Summary: summary}); err != nil {
			t.Fatalf("SaveBoard() error = %v", err)
		}
	}
	records, err := env.svc.Saves(ctx, "alice", "pageA", 2)
	if err != nil {
		t.Fatalf("Saves() error = %v", err)
	}
	if len(records) != 2 || records[0].Summary != "save 2" {
		t.Fatalf("Saves() = %+v", records)
	}
}

func TestSearchWithoutIndexIsDegraded(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.svc.Search(context.Background(), "alice", search.Query{Text: "roadmap"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !resp.Degraded || len(resp.Results) != 0 {
		t.Fatalf("Search() = %+v, want empty degraded response", resp)
	}
	_, err = env.svc.Search(context.Background(), "", search.Query{Text: "roadmap"})
	wantKind(t, err, apperr.KindAuth)
}

func TestAdminOperations(t *testing.T) {
	env := newTestEnv(t)
	env.docs.put(t, "pageA", makeBoard(1))
	ctx := context.Background()

	_, err := env.svc.CacheStats(ctx, "alice")
	wantKind(t, err, apperr.KindForbidden)
	wantKind(t, env.svc.ClearCaches(ctx, "alice"), apperr.KindForbidden)
	_, err = env.svc.CleanupLocks(ctx, "alice")
	wantKind(t, err, apperr.KindForbidden)

	if _, err := env.svc.LoadBoard(ctx, "alice", "pageA", 1, 0); err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	stats, err := env.svc.CacheStats(ctx, "root")
	if err != nil {
		t.Fatalf("CacheStats() error = %v", err)
	}
	if stats.Snapshots.Entries != 1 || stats.Permissions.Entries == 0 || stats.Capacity != cache.DefaultSnapshotCapacity {
		t.Fatalf("CacheStats() = %+v", stats)
	}

	if err := env.svc.ClearCaches(ctx, "root"); err != nil {
		t.Fatalf("ClearCaches() error = %v", err)
	}
	if env.caches.Snapshots.Len() != 0 || env.caches.Permissions.Stats().Entries != 0 {
		t.Fatal("ClearCaches() left entries behind")
	}

	if _, err := env.svc.AcquireLock(ctx, "alice", "pageA"); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	env.clock.Advance(901 * time.Second)
	removed, err := env.svc.CleanupLocks(ctx, "root")
	if err != nil || removed != 1 {
		t.Fatalf("CleanupLocks() = %d, %v, want 1", removed, err)
	}
}

func TestReindexWithoutIndex(t *testing.T) {
	env := newTestEnv(t)
	env.docs.put(t, "pageA", makeBoard(1))
	n, err := env.svc.Reindex(context.Background(), "root")
	if err != nil || n != 0 {
		t.Fatalf("Reindex() = %d, %v", n, err)
	}
	_, err = env.svc.Reindex(context.Background(), "alice")
	wantKind(t, err, apperr.KindForbidden)
}

func TestHandleInvalidationClearsSnapshots(t *testing.T) {
	env := newTestEnv(t)
	if err := env.caches.Snapshots.Put("pageA", makeBoard(1)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	env.svc.HandleInvalidation(cachebus.Event{DocumentID: "pageB", Origin: "peer"})
	if env.caches.Snapshots.Len() != 0 {
		t.Fatal("invalidation from a peer must clear the snapshot cache")
	}
}

func TestReadyReportsFailedChecks(t *testing.T) {
	env := newTestEnv(t, withChecks(map[string]func(context.Context) error{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}))
	failed := env.svc.Ready(context.Background())
	if len(failed) != 1 || failed["redis"] == nil {
		t.Fatalf("Ready() = %v", failed)
	}
	if got := strings.Join(env.svc.CheckNames(), ","); got != "database,redis" {
		t.Fatalf("CheckNames() = %s", got)
	}
}

func TestConcurrentSavesKeepOneLockHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	users := []string{"alice", "bob", "carol", "dave"}
	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, user := range users {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = env.svc.SaveBoard(ctx, user, "pageA", SaveInput{Board: makeBoard(1)})
		}(i, user)
	}
	wg.Wait()

	saved := 0
	for _, err := range errs {
		switch {
		case err == nil:
			saved++
		case apperr.Is(err, apperr.KindConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if saved != 1 {
		t.Fatalf("successful saves = %d, want exactly 1", saved)
	}
}

func TestSaveBoardBroadcastsInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, withBus(cachebus.New(client, cachebus.DefaultChannel, logging.Discard())))
	peer := cachebus.New(client, cachebus.DefaultChannel, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan cachebus.Event, 1)
	listener, err := peer.Listen(ctx, func(e cachebus.Event) { events <- e })
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	if _, err := env.svc.SaveBoard(ctx, "alice", "pageA", SaveInput{Board: makeBoard(1)}); err != nil {
		t.Fatalf("SaveBoard() error = %v", err)
	}
	select {
	case e := <-events:
		if e.DocumentID != "pageA" {
			t.Fatalf("event document = %q, want pageA", e.DocumentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never saw the invalidation")
	}
}
