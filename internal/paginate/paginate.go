// Package paginate slices a board into fixed-size pages of cards while
// keeping every column in place.
//
// Cards are counted in board order: all cards of the first column, then the
// second, and so on. Page n holds the cards at flat positions
// [(n-1)*pageSize, n*pageSize). Columns keep their id, title and position on
// every page; only their card lists are cut. Columns outside the page window
// are present with no cards, so concatenating the cards of pages 1..N in
// order reproduces the original board exactly.
package paginate

import "kanban/api/internal/board"

// DefaultPageSize applies when a caller passes a page size below one.
const DefaultPageSize = 50

type Result struct {
	Board       board.Snapshot `json:"board"`
	CurrentPage int            `json:"currentPage"`
	TotalPages  int            `json:"totalPages"`
	TotalCards  int            `json:"totalCards"`
	PageSize    int            `json:"pageSize"`
	HasMore     bool           `json:"hasMore"`
}

// Paginate returns page `page` of b. Out-of-range pages are clamped into
// [1, TotalPages]. b is never modified.
func Paginate(b board.Snapshot, page, pageSize int) Result {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	total := b.TotalCards()
	if total <= pageSize {
		return Result{
			Board:       b.Clone(),
			CurrentPage: 1,
			TotalPages:  1,
			TotalCards:  total,
			PageSize:    pageSize,
			HasMore:     false,
		}
	}

	totalPages := (total + pageSize - 1) / pageSize
	page = clamp(page, 1, totalPages)
	offset := (page - 1) * pageSize

	out := board.Snapshot{Title: b.Title, Columns: make([]board.Column, len(b.Columns))}
	remaining := pageSize
	consumed := 0
	for i, column := range b.Columns {
		n := len(column.Cards)
		out.Columns[i] = board.Column{ID: column.ID, Title: column.Title, Cards: []board.Card{}}

		if remaining == 0 || consumed+n <= offset {
			consumed += n
			continue
		}

		start := 0
		if offset > consumed {
			start = offset - consumed
		}
		end := start + remaining
		if end > n {
			end = n
		}
		out.Columns[i].Cards = cloneCards(column.Cards[start:end])
		remaining -= end - start
		consumed += n
	}

	return Result{
		Board:       out,
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalCards:  total,
		PageSize:    pageSize,
		HasMore:     page < totalPages,
	}
}

func cloneCards(cards []board.Card) []board.Card {
	out := make([]board.Card, len(cards))
	for i, card := range cards {
		if card.Tags != nil {
			card.Tags = append([]string(nil), card.Tags...)
		}
		out[i] = card
	}
	return out
}

func clamp(value, lo, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
