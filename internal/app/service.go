package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"kanban/api/internal/apperr"
	"kanban/api/internal/board"
	"kanban/api/internal/cache"
	"kanban/api/internal/cachebus"
	"kanban/api/internal/config"
	"kanban/api/internal/docid"
	"kanban/api/internal/gitrepo"
	"kanban/api/internal/lock"
	"kanban/api/internal/paginate"
	"kanban/api/internal/rbac"
	"kanban/api/internal/search"
	"kanban/api/internal/store"
)

// AllBoards is the resource id used for checks that are not about one
// board: search and the admin endpoints.
const AllBoards = store.Wildcard

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type documentStore interface {
	ReadDocument(documentID string) ([]byte, bool, error)
	ReadDocumentAt(documentID, hash string) ([]byte, gitrepo.CommitInfo, error)
	WriteDocument(documentID string, text []byte, summary, author string) (gitrepo.CommitInfo, error)
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
	Documents() ([]string, error)
}

type saveLog interface {
	RecordSave(ctx context.Context, rec store.SaveRecord) error
	RecentSaves(ctx context.Context, documentID string, limit int) ([]store.SaveRecord, error)
}

// Deps are the collaborators a Service is built from. Caches, Locks,
// Permissions and Documents are required; the rest may be nil.
type Deps struct {
	Caches      *cache.Service
	Locks       *lock.Coordinator
	Permissions rbac.Checker
	Documents   documentStore
	Search      *search.Service
	Bus         *cachebus.Bus
	Saves       saveLog
	// Checks are named readiness probes run by Ready.
	Checks map[string]func(context.Context) error
	Logger *slog.Logger
}

type Service struct {
	cfg         config.Config
	caches      *cache.Service
	locks       *lock.Coordinator
	permissions rbac.Checker
	docs        documentStore
	search      *search.Service
	bus         *cachebus.Bus
	saves       saveLog
	checks      map[string]func(context.Context) error
	logger      *slog.Logger
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	switch {
	case deps.Caches == nil:
		return nil, errors.New("app: caches are required")
	case deps.Locks == nil:
		return nil, errors.New("app: lock coordinator is required")
	case deps.Permissions == nil:
		return nil, errors.New("app: permission checker is required")
	case deps.Documents == nil:
		return nil, errors.New("app: document store is required")
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = paginate.DefaultPageSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		caches:      deps.Caches,
		locks:       deps.Locks,
		permissions: deps.Permissions,
		docs:        deps.Documents,
		search:      deps.Search,
		bus:         deps.Bus,
		saves:       deps.Saves,
		checks:      deps.Checks,
		logger:      logger,
	}, nil
}

// Authorize checks that user may perform action on resourceID, consulting
// the permission cache first and caching whatever the checker decides.
func (s *Service) Authorize(ctx context.Context, user, resourceID string, action rbac.Action) error {
	if strings.TrimSpace(user) == "" {
		return errUnauthenticated
	}
	if allowed, ok := s.caches.Permissions.Get(user, resourceID, string(action)); ok {
		if !allowed {
			return errForbidden
		}
		return nil
	}

	level, err := s.permissions.CheckPermission(ctx, user, resourceID)
	if err != nil {
		return apperr.Storage("permission check failed", fmt.Errorf("check %s on %s: %w", action, resourceID, err))
	}
	allowed := rbac.Can(level, action)
	s.caches.Permissions.Cache(user, resourceID, string(action), allowed)
	if !allowed {
		return errForbidden
	}
	return nil
}

func (s *Service) authorizeBoard(ctx context.Context, user, documentID string, action rbac.Action) error {
	if strings.TrimSpace(user) == "" {
		return errUnauthenticated
	}
	if err := docid.Validate(documentID); err != nil {
		return apperr.Validation("invalid document id", err)
	}
	return s.Authorize(ctx, user, documentID, action)
}

// BoardView is one board as returned to a reader.
type BoardView struct {
	DocumentID string         `json:"documentId"`
	Board      board.Snapshot `json:"board"`
	Lock       lock.Status    `json:"lock"`
	Pagination Pagination     `json:"pagination"`
	Cached     bool           `json:"cached"`
}

type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	TotalCards  int  `json:"totalCards"`
	PageSize    int  `json:"pageSize"`
	HasMore     bool `json:"hasMore"`
}

// LoadBoard returns page `page` of the board. A pageSize below one uses the
// configured default, so boards no larger than the default come back whole.
func (s *Service) LoadBoard(ctx context.Context, user, documentID string, page, pageSize int) (BoardView, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionRead); err != nil {
		return BoardView{}, err
	}
	status, err := s.locks.Status(ctx, documentID, user)
	if err != nil {
		return BoardView{}, err
	}
	snapshot, cached, err := s.snapshot(documentID)
	if err != nil {
		return BoardView{}, err
	}

	if pageSize <= 0 {
		pageSize = s.cfg.DefaultPageSize
	}
	result := paginate.Paginate(snapshot, page, pageSize)
	return BoardView{
		DocumentID: documentID,
		Board:      result.Board,
		Lock:       status,
		Pagination: Pagination{
			CurrentPage: result.CurrentPage,
			TotalPages:  result.TotalPages,
			TotalCards:  result.TotalCards,
			PageSize:    result.PageSize,
			HasMore:     result.HasMore,
		},
		Cached: cached,
	}, nil
}

func (s *Service) snapshot(documentID string) (board.Snapshot, bool, error) {
	if snapshot, ok := s.caches.Snapshots.Get(documentID); ok {
		return snapshot, true, nil
	}
	generation := s.caches.Snapshots.Generation()
	text, found, err := s.docs.ReadDocument(documentID)
	if err != nil {
		return board.Snapshot{}, false, apperr.Storage("board storage unavailable", err)
	}
	if !found {
		return board.Snapshot{}, false, apperr.NotFound("board not found")
	}
	snapshot, err := board.Decode(text)
	if err != nil {
		return board.Snapshot{}, false, apperr.Wrap(fmt.Errorf("decode %s: %w", documentID, err), apperr.KindInternal, "board document is unreadable")
	}
	stored, err := s.caches.Snapshots.PutIfGeneration(documentID, snapshot, generation)
	if err != nil {
		s.logger.Warn("snapshot cache put failed", "document_id", documentID, "error", err.Error())
	} else if !stored {
		s.logger.Debug("snapshot not cached: invalidated during read", "document_id", documentID)
	}
	return snapshot, false, nil
}

type SaveInput struct {
	Board   board.Snapshot
	Summary string
}

type SaveResult struct {
	DocumentID string             `json:"documentId"`
	Commit     gitrepo.CommitInfo `json:"commit"`
	Lock       lock.AcquireResult `json:"lock"`
}

// SaveBoard commits a new board version. The caller must hold, or be able
// to take, the board's lock; the lock stays with the caller afterwards.
// Every cached snapshot is dropped before SaveBoard returns.
func (s *Service) SaveBoard(ctx context.Context, user, documentID string, input SaveInput) (SaveResult, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionEdit); err != nil {
		return SaveResult{}, err
	}
	if err := board.Validate(input.Board); err != nil {
		return SaveResult{}, apperr.Validation(err.Error(), err)
	}

	held, err := s.locks.Acquire(ctx, documentID, user)
	if err != nil {
		return SaveResult{}, err
	}
	if !held.Acquired {
		return SaveResult{}, apperr.Conflict("board is locked by another user", held.LockedBy)
	}

	text, err := board.Encode(input.Board)
	if err != nil {
		return SaveResult{}, apperr.Wrap(err, apperr.KindInternal, "encode board")
	}
	commit, err := s.docs.WriteDocument(documentID, text, input.Summary, user)
	if err != nil {
		return SaveResult{}, apperr.Storage("board storage unavailable", err)
	}

	s.caches.Snapshots.ClearAll()
	if err := s.bus.Publish(ctx, documentID); err != nil {
		s.logger.Warn("broadcast invalidation failed", "document_id", documentID, "error", err.Error())
	}
	s.search.IndexBoard(documentID, input.Board)
	if s.saves != nil {
		rec := store.SaveRecord{
			DocumentID: documentID,
			CommitHash: commit.Hash,
			Author:     user,
			Summary:    commit.Message,
			LockOwner:  held.LockedBy,
		}
		if rec.LockOwner == "" {
			rec.LockOwner = user
		}
		if err := s.saves.RecordSave(ctx, rec); err != nil {
			s.logger.Warn("record save failed", "document_id", documentID, "error", err.Error())
		}
	}

	s.logger.Info("board saved",
		"document_id", documentID,
		"commit", commit.Hash,
		"author", user,
		"lock_backend", held.Backend,
	)
	return SaveResult{DocumentID: documentID, Commit: commit, Lock: held}, nil
}

// HandleInvalidation applies a save announced by another process.
func (s *Service) HandleInvalidation(event cachebus.Event) {
	s.caches.Snapshots.ClearAll()
	s.logger.Debug("snapshot cache cleared by peer", "document_id", event.DocumentID, "origin", event.Origin)
}

func (s *Service) AcquireLock(ctx context.Context, user, documentID string) (lock.AcquireResult, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionEdit); err != nil {
		return lock.AcquireResult{}, err
	}
	result, err := s.locks.Acquire(ctx, documentID, user)
	if err != nil {
		return lock.AcquireResult{}, err
	}
	if !result.Acquired {
		return result, apperr.Conflict("board is locked by another user", result.LockedBy)
	}
	return result, nil
}

// ReleaseLock drops the caller's lock. Releasing a lock nobody holds is
// not an error.
func (s *Service) ReleaseLock(ctx context.Context, user, documentID string) (lock.ReleaseResult, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionEdit); err != nil {
		return lock.ReleaseResult{}, err
	}
	result, err := s.locks.Release(ctx, documentID, user)
	if err != nil {
		return lock.ReleaseResult{}, err
	}
	if result.Reason == lock.ReasonNotOwner {
		return result, apperr.Conflict("board is locked by another user", result.LockedBy)
	}
	return result, nil
}

func (s *Service) RenewLock(ctx context.Context, user, documentID string) (lock.RenewResult, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionEdit); err != nil {
		return lock.RenewResult{}, err
	}
	result, err := s.locks.Renew(ctx, documentID, user)
	if err != nil {
		return lock.RenewResult{}, err
	}
	switch result.Reason {
	case lock.ReasonNotOwner:
		return result, apperr.Conflict("board is locked by another user", result.LockedBy)
	case lock.ReasonNotFound:
		return result, apperr.NotFound("no lock to renew")
	}
	return result, nil
}

func (s *Service) LockStatus(ctx context.Context, user, documentID string) (lock.Status, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionRead); err != nil {
		return lock.Status{}, err
	}
	return s.locks.Status(ctx, documentID, user)
}

func (s *Service) History(ctx context.Context, user, documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	commits, err := s.docs.History(documentID, limit)
	if err != nil {
		return nil, apperr.Storage("board storage unavailable", err)
	}
	if len(commits) == 0 {
		return nil, apperr.NotFound("board not found")
	}
	return commits, nil
}

// BoardVersion is a board as it was at one commit.
type BoardVersion struct {
	DocumentID string             `json:"documentId"`
	Commit     gitrepo.CommitInfo `json:"commit"`
	Board      board.Snapshot     `json:"board"`
}

// BoardVersion reads the board at a past commit. Old versions bypass the
// snapshot cache.
func (s *Service) BoardVersion(ctx context.Context, user, documentID, hash string) (BoardVersion, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionRead); err != nil {
		return BoardVersion{}, err
	}
	text, info, err := s.docs.ReadDocumentAt(documentID, hash)
	if errors.Is(err, gitrepo.ErrCommitNotFound) {
		return BoardVersion{}, apperr.NotFound("version not found")
	}
	if err != nil {
		return BoardVersion{}, apperr.Storage("board storage unavailable", err)
	}
	snapshot, err := board.Decode(text)
	if err != nil {
		return BoardVersion{}, apperr.Wrap(fmt.Errorf("decode %s@%s: %w", documentID, hash, err), apperr.KindInternal, "board document is unreadable")
	}
	return BoardVersion{DocumentID: documentID, Commit: info, Board: snapshot}, nil
}

// Saves lists the audited saves of one board, newest first. Without a
// save log it returns an empty list.
func (s *Service) Saves(ctx context.Context, user, documentID string, limit int) ([]store.SaveRecord, error) {
	if err := s.authorizeBoard(ctx, user, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.saves == nil {
		return []store.SaveRecord{}, nil
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	records, err := s.saves.RecentSaves(ctx, documentID, limit)
	if err != nil {
		return nil, apperr.Storage("save log unavailable", err)
	}
	if records == nil {
		records = []store.SaveRecord{}
	}
	return records, nil
}

func (s *Service) Search(ctx context.Context, user string, q search.Query) (search.Response, error) {
	if err := s.Authorize(ctx, user, AllBoards, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(q), nil
}

// Reindex pushes every stored board to the search index. Boards that no
// longer decode are removed from it.
func (s *Service) Reindex(ctx context.Context, user string) (int, error) {
	if err := s.Authorize(ctx, user, AllBoards, rbac.ActionAdmin); err != nil {
		return 0, err
	}
	ids, err := s.docs.Documents()
	if err != nil {
		return 0, apperr.Storage("board storage unavailable", err)
	}
	boards := make(map[string]board.Snapshot, len(ids))
	for _, id := range ids {
		snapshot, _, err := s.snapshot(id)
		if err != nil {
			s.logger.Warn("skipping board during reindex", "document_id", id, "error", err.Error())
			if apperr.Is(err, apperr.KindInternal) {
				s.search.DeleteBoard(id)
			}
			continue
		}
		boards[id] = snapshot
	}
	n, err := s.search.Reindex(boards)
	if err != nil {
		return 0, apperr.Storage("search index unavailable", err)
	}
	return n, nil
}

type CacheStats struct {
	Permissions       cache.Stats `json:"permissions"`
	Snapshots         cache.Stats `json:"snapshots"`
	Capacity          int         `json:"snapshotCapacity"`
	PermissionHitRate float64     `json:"permissionHitRate"`
	SnapshotHitRate   float64     `json:"snapshotHitRate"`
}

func (s *Service) CacheStats(ctx context.Context, user string) (CacheStats, error) {
	if err := s.Authorize(ctx, user, AllBoards, rbac.ActionAdmin); err != nil {
		return CacheStats{}, err
	}
	perms := s.caches.Permissions.Stats()
	snaps := s.caches.Snapshots.Stats()
	return CacheStats{
		Permissions:       perms,
		Snapshots:         snaps,
		Capacity:          s.caches.Snapshots.Capacity(),
		PermissionHitRate: perms.HitRate(),
		SnapshotHitRate:   snaps.HitRate(),
	}, nil
}

// ClearCaches empties both caches in this process and tells peers to drop
// their snapshots.
func (s *Service) ClearCaches(ctx context.Context, user string) error {
	if err := s.Authorize(ctx, user, AllBoards, rbac.ActionAdmin); err != nil {
		return err
	}
	s.caches.Permissions.Clear()
	s.caches.Snapshots.ClearAll()
	if err := s.bus.Publish(ctx, AllBoards); err != nil {
		s.logger.Warn("broadcast invalidation failed", "error", err.Error())
	}
	s.logger.Info("caches cleared", "by", user)
	return nil
}

func (s *Service) CleanupLocks(ctx context.Context, user string) (int, error) {
	if err := s.Authorize(ctx, user, AllBoards, rbac.ActionAdmin); err != nil {
		return 0, err
	}
	return s.locks.CleanupExpired(ctx)
}

// Ready runs every readiness probe and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for _, name := range s.CheckNames() {
		started := time.Now()
		if err := s.checks[name](ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err.Error(), "duration_ms", time.Since(started).Milliseconds())
			failed[name] = err
		}
	}
	return failed
}

// CheckNames lists the configured readiness probes in order.
func (s *Service) CheckNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
