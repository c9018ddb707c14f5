// Package search keeps a Meilisearch index of boards and answers board
// search queries. Indexing is fire-and-forget; when the index is down,
// searches return an empty, degraded response instead of failing.
package search

import (
	"log/slog"

	"kanban/api/internal/board"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type backend interface {
	Searcher
	Indexer
}

// Service is the facade the rest of the repo talks to. A nil *Service or
// one without a backend is a no-op.
type Service struct {
	backend backend
	logger  *slog.Logger
	async   bool
}

func NewService(b backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: b, logger: logger, async: true}
}

func (s *Service) enabled() bool {
	return s != nil && s.backend != nil && s.backend.Healthy()
}

func (s *Service) Search(q Query) Response {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if !s.enabled() {
		return Response{Results: []Result{}, Query: q.Text, Degraded: true}
	}

	results, total, err := s.backend.Search(q)
	if err != nil {
		s.logger.Warn("search failed", "error", err.Error())
		return Response{Results: []Result{}, Query: q.Text, Degraded: true}
	}
	if results == nil {
		results = []Result{}
	}
	return Response{Results: results, Total: total, Query: q.Text}
}

// IndexBoard pushes one board to the index.
func (s *Service) IndexBoard(documentID string, snapshot board.Snapshot) {
	if !s.enabled() {
		return
	}
	record := NewBoardRecord(documentID, snapshot)
	s.run(func() {
		if err := s.backend.IndexBoards([]BoardRecord{record}); err != nil {
			s.logger.Warn("index board", "document_id", documentID, "error", err.Error())
		}
	})
}

func (s *Service) DeleteBoard(documentID string) {
	if !s.enabled() {
		return
	}
	s.run(func() {
		if err := s.backend.DeleteBoard(documentID); err != nil {
			s.logger.Warn("delete board from index", "document_id", documentID, "error", err.Error())
		}
	})
}

// Reindex pushes every given board synchronously and returns the count.
func (s *Service) Reindex(boards map[string]board.Snapshot) (int, error) {
	if !s.enabled() {
		return 0, nil
	}
	records := make([]BoardRecord, 0, len(boards))
	for id, snapshot := range boards {
		records = append(records, NewBoardRecord(id, snapshot))
	}
	if err := s.backend.IndexBoards(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *Service) run(fn func()) {
	if s.async {
		go fn()
		return
	}
	fn()
}
