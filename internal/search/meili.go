package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxBoards = "kanban_boards"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the board index.
// An unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err.Error())
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxBoards,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxBoards, "error", err.Error())
	}

	index := m.client.Index(idxBoards)
	filterable := []interface{}{"documentId", "assignees", "tags"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxBoards, "error", err.Error())
	}
	searchable := []string{"title", "cards", "columns", "details", "tags"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxBoards, "error", err.Error())
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxBoards,
		Query:                 q.Text,
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"title", "cards"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := buildFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func buildFilters(q Query) []string {
	var filters []string
	if q.Assignee != "" {
		filters = append(filters, fmt.Sprintf("assignees = %q", q.Assignee))
	}
	if q.Tag != "" {
		filters = append(filters, fmt.Sprintf("tags = %q", q.Tag))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		DocumentID: decodeString(hit, "documentId"),
		Title:      firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Columns:    decodeStrings(hit, "columns"),
	}
	if raw, ok := hit["cardCount"]; ok {
		_ = json.Unmarshal(raw, &r.CardCount)
	}
	r.Snippet = firstMarked(decodeFormattedStrings(hit, "cards"))
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeStrings(hit meili.Hit, key string) []string {
	raw, ok := hit[key]
	if !ok {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func formatted(hit meili.Hit) map[string]json.RawMessage {
	raw, ok := hit["_formatted"]
	if !ok {
		return nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func decodeFormattedString(hit meili.Hit, key string) string {
	var s string
	if err := json.Unmarshal(formatted(hit)[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func decodeFormattedStrings(hit meili.Hit, key string) []string {
	var values []string
	if err := json.Unmarshal(formatted(hit)[key], &values); err != nil {
		return nil
	}
	return values
}

// firstMarked returns the first value containing a highlight.
func firstMarked(values []string) string {
	for _, value := range values {
		if strings.Contains(value, "<mark>") {
			return value
		}
	}
	return ""
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexBoards adds or replaces board records.
func (m *Meili) IndexBoards(records []BoardRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxBoards).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteBoard(documentID string) error {
	_, err := m.client.Index(idxBoards).DeleteDocument(recordID(documentID), nil)
	return err
}
