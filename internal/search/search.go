package search

import (
	"encoding/hex"
	"strings"

	"kanban/api/internal/board"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string   `json:"documentId"`
	Title      string   `json:"title"`
	Snippet    string   `json:"snippet"`
	Columns    []string `json:"columns,omitempty"`
	CardCount  int      `json:"cardCount"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Assignee string
	Tag      string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results  []Result `json:"results"`
	Total    int      `json:"total"`
	Query    string   `json:"query"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push boards into a search index.
type Indexer interface {
	IndexBoards(records []BoardRecord) error
	DeleteBoard(documentID string) error
}

// BoardRecord is what we index for one board. ID is the hex form of the
// document id because index primary keys only allow [A-Za-z0-9_-].
type BoardRecord struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"documentId"`
	Title      string   `json:"title"`
	Columns    []string `json:"columns"`
	Cards      []string `json:"cards"`
	Details    []string `json:"details"`
	Assignees  []string `json:"assignees"`
	Tags       []string `json:"tags"`
	CardCount  int      `json:"cardCount"`
}

func recordID(documentID string) string {
	return hex.EncodeToString([]byte(documentID))
}

// NewBoardRecord flattens a board into its index record.
func NewBoardRecord(documentID string, snapshot board.Snapshot) BoardRecord {
	rec := BoardRecord{
		ID:         recordID(documentID),
		DocumentID: documentID,
		Title:      snapshot.Title,
		Columns:    []string{},
		Cards:      []string{},
		Details:    []string{},
		Assignees:  []string{},
		Tags:       []string{},
		CardCount:  snapshot.TotalCards(),
	}
	assignees := map[string]bool{}
	tags := map[string]bool{}
	for _, column := range snapshot.Columns {
		rec.Columns = append(rec.Columns, column.Title)
		for _, card := range column.Cards {
			rec.Cards = append(rec.Cards, card.Title)
			if d := strings.TrimSpace(card.Description); d != "" {
				rec.Details = append(rec.Details, d)
			}
			if card.Assignee != "" && !assignees[card.Assignee] {
				assignees[card.Assignee] = true
				rec.Assignees = append(rec.Assignees, card.Assignee)
			}
			for _, tag := range card.Tags {
				if !tags[tag] {
					tags[tag] = true
					rec.Tags = append(rec.Tags, tag)
				}
			}
		}
	}
	return rec
}
