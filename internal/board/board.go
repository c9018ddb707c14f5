// Package board holds the decoded form of a kanban board document and the
// canonical text encoding stored in the document repository.
package board

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Snapshot is a decoded board document.
type Snapshot struct {
	Title   string   `json:"title"`
	Columns []Column `json:"columns"`
}

type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cards []Card `json:"cards"`
}

// Card fields past ID and Title are carried through untouched; nothing in
// this repo interprets them.
type Card struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Due         string   `json:"due,omitempty"`
}

var ErrEmptyDocument = errors.New("board document is empty")

// TotalCards counts cards across every column.
func (s Snapshot) TotalCards() int {
	total := 0
	for _, column := range s.Columns {
		total += len(column.Cards)
	}
	return total
}

// Clone returns a deep copy so callers can slice cards without touching
// cached or shared snapshots.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Title: s.Title}
	if s.Columns == nil {
		return out
	}
	out.Columns = make([]Column, len(s.Columns))
	for i, column := range s.Columns {
		out.Columns[i] = Column{ID: column.ID, Title: column.Title}
		if column.Cards == nil {
			continue
		}
		out.Columns[i].Cards = make([]Card, len(column.Cards))
		for j, card := range column.Cards {
			if card.Tags != nil {
				card.Tags = append([]string(nil), card.Tags...)
			}
			out.Columns[i].Cards[j] = card
		}
	}
	return out
}

// Encode returns the canonical text form: indented JSON with a trailing
// newline, the same shape the document repository commits.
func Encode(s Snapshot) ([]byte, error) {
	payload, err := json.MarshalIndent(normalize(s), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal board: %w", err)
	}
	return append(payload, '\n'), nil
}

// Decode parses a stored board document.
func Decode(text []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(text)) == 0 {
		return Snapshot{}, ErrEmptyDocument
	}
	var s Snapshot
	if err := json.Unmarshal(text, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode board: %w", err)
	}
	return normalize(s), nil
}

// Validate checks the structural rules the editor relies on: non-blank
// column ids, and ids unique within the board.
func Validate(s Snapshot) error {
	columnIDs := make(map[string]struct{}, len(s.Columns))
	cardIDs := make(map[string]struct{})
	for i, column := range s.Columns {
		if strings.TrimSpace(column.ID) == "" {
			return fmt.Errorf("column %d has no id", i)
		}
		if _, dup := columnIDs[column.ID]; dup {
			return fmt.Errorf("duplicate column id %q", column.ID)
		}
		columnIDs[column.ID] = struct{}{}
		for _, card := range column.Cards {
			if card.ID == "" {
				continue
			}
			if _, dup := cardIDs[card.ID]; dup {
				return fmt.Errorf("duplicate card id %q", card.ID)
			}
			cardIDs[card.ID] = struct{}{}
		}
	}
	return nil
}

// normalize replaces nil slices with empty ones so encodings are stable
// regardless of how a snapshot was built.
func normalize(s Snapshot) Snapshot {
	if s.Columns == nil {
		s.Columns = []Column{}
	}
	for i := range s.Columns {
		if s.Columns[i].Cards == nil {
			s.Columns[i].Cards = []Card{}
		}
	}
	return s
}
