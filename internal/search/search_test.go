package search

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"

	"kanban/api/internal/board"
	"kanban/api/internal/logging"
)

type fakeBackend struct {
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)
	indexed  []BoardRecord
	deleted  []string
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) Search(q Query) ([]Result, int, error) {
	if f.searchFn == nil {
		return nil, 0, nil
	}
	return f.searchFn(q)
}

func (f *fakeBackend) IndexBoards(records []BoardRecord) error {
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeBackend) DeleteBoard(documentID string) error {
	f.deleted = append(f.deleted, documentID)
	return nil
}

func newSyncService(b backend) *Service {
	s := NewService(b, logging.Discard())
	s.async = false
	return s
}

func sampleBoard() board.Snapshot {
	return board.Snapshot{
		Title: "Roadmap",
		Columns: []board.Column{
			{ID: "todo", Title: "To do", Cards: []board.Card{
				{ID: "c1", Title: "Ship search", Assignee: "alice", Tags: []string{"q3", "infra"}},
				{ID: "c2", Title: "Fix login", Description: " flaky on CI ", Assignee: "bob", Tags: []string{"q3"}},
			}},
			{ID: "done", Title: "Done", Cards: []board.Card{{ID: "c3", Title: "Kickoff", Assignee: "alice"}}},
		},
	}
}

func TestNewBoardRecord(t *testing.T) {
	rec := NewBoardRecord("team:roadmap", sampleBoard())

	if rec.ID != "7465616d3a726f61646d6170" || rec.DocumentID != "team:roadmap" {
		t.Fatalf("unexpected ids: %+v", rec)
	}
	if !reflect.DeepEqual(rec.Columns, []string{"To do", "Done"}) {
		t.Fatalf("Columns = %v", rec.Columns)
	}
	if !reflect.DeepEqual(rec.Cards, []string{"Ship search", "Fix login", "Kickoff"}) {
		t.Fatalf("Cards = %v", rec.Cards)
	}
	if !reflect.DeepEqual(rec.Details, []string{"flaky on CI"}) {
		t.Fatalf("Details = %v", rec.Details)
	}
	if !reflect.DeepEqual(rec.Assignees, []string{"alice", "bob"}) {
		t.Fatalf("Assignees = %v", rec.Assignees)
	}
	if !reflect.DeepEqual(rec.Tags, []string{"q3", "infra"}) {
		t.Fatalf("Tags = %v", rec.Tags)
	}
	if rec.CardCount != 3 {
		t.Fatalf("CardCount = %d", rec.CardCount)
	}
}

func TestServiceSearchClampsAndDegrades(t *testing.T) {
	var seen Query
	b := &fakeBackend{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		seen = q
		return []Result{{DocumentID: "pageA"}}, 1, nil
	}}
	svc := newSyncService(b)

	resp := svc.Search(Query{Text: "ship", Limit: 1000, Offset: -3})
	if seen.Limit != maxLimit || seen.Offset != 0 {
		t.Fatalf("query not clamped: %+v", seen)
	}
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Degraded {
		t.Fatalf("unexpected response: %+v", resp)
	}

	b.searchFn = func(Query) ([]Result, int, error) { return nil, 0, errors.New("boom") }
	resp = svc.Search(Query{Text: "ship"})
	if !resp.Degraded || resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("backend failure should degrade: %+v", resp)
	}

	b.healthy = false
	if resp := svc.Search(Query{Text: "ship"}); !resp.Degraded {
		t.Fatalf("unhealthy backend should degrade: %+v", resp)
	}
}

func TestServiceIndexing(t *testing.T) {
	b := &fakeBackend{healthy: true}
	svc := newSyncService(b)

	svc.IndexBoard("pageA", sampleBoard())
	svc.DeleteBoard("pageB")
	if len(b.indexed) != 1 || b.indexed[0].DocumentID != "pageA" {
		t.Fatalf("indexed = %+v", b.indexed)
	}
	if !reflect.DeepEqual(b.deleted, []string{"pageB"}) {
		t.Fatalf("deleted = %v", b.deleted)
	}

	n, err := svc.Reindex(map[string]board.Snapshot{"a": sampleBoard(), "b": sampleBoard()})
	if err != nil || n != 2 {
		t.Fatalf("Reindex() = %d, %v", n, err)
	}
}

func TestNilServiceIsNoop(t *testing.T) {
	var svc *Service
	svc.IndexBoard("pageA", sampleBoard())
	svc.DeleteBoard("pageA")
	if resp := svc.Search(Query{Text: "x"}); !resp.Degraded {
		t.Fatalf("nil service should report degraded: %+v", resp)
	}
	if n, err := svc.Reindex(nil); n != 0 || err != nil {
		t.Fatalf("Reindex() on nil service = %d, %v", n, err)
	}
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"documentId": raw("team:roadmap"),
		"title":      raw("Roadmap"),
		"columns":    raw([]string{"To do", "Done"}),
		"cardCount":  raw(3),
		"_formatted": raw(map[string]any{
			"title": "<mark>Road</mark>map",
			"cards": []string{"Kickoff", "<mark>Ship</mark> search"},
		}),
	}

	got := hitToResult(hit)
	want := Result{
		DocumentID: "team:roadmap",
		Title:      "<mark>Road</mark>map",
		Snippet:    "<mark>Ship</mark> search",
		Columns:    []string{"To do", "Done"},
		CardCount:  3,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("hitToResult() = %+v, want %+v", got, want)
	}
}

func TestBuildFilters(t *testing.T) {
	got := buildFilters(Query{Assignee: "alice", Tag: "q3"})
	want := []string{`assignees = "alice"`, `tags = "q3"`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("buildFilters() = %v, want %v", got, want)
	}
	if got := buildFilters(Query{}); len(got) != 0 {
		t.Fatalf("empty query filters = %v", got)
	}
}
