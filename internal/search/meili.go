package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxJudgments = "claporcrap_judgments"
	idxVerdicts  = "claporcrap_verdicts"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// An unreachable server leaves it unhealthy until the health loop sees it recover.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		slog.Warn("search: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
		sortable   []string
	}{
		{
			uid:        idxJudgments,
			filterable: []string{"category", "status", "finalVerdict"},
			searchable: []string{"content"},
			sortable:   []string{"createdAt"},
		},
		{
			uid:        idxVerdicts,
			filterable: []string{"category", "verdict", "judgmentId"},
			searchable: []string{"critique", "criticName"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			slog.Debug("search: create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			slog.Warn("search: update filterable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			slog.Warn("search: update searchable attributes", "index", idx.uid, "error", err)
		}
		if len(idx.sortable) > 0 {
			if _, err := index.UpdateSortableAttributes(&idx.sortable); err != nil {
				slog.Warn("search: update sortable attributes", "index", idx.uid, "error", err)
			}
		}
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
				slog.Info("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
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

// Search queries both indexes (or the filtered one) and merges results.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxJudgments, ResultJudgment},
		{idxVerdicts, ResultVerdict},
	}

	var queries []*meili.SearchRequest
	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.Category != "" {
			sr.Filter = fmt.Sprintf("category = %q", q.Category)
		}
		queries = append(queries, sr)
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxJudgments:
		return ResultJudgment
	case idxVerdicts:
		return ResultVerdict
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Category = decodeString(hit, "category")

	switch rtyp {
	case ResultJudgment:
		r.JudgmentID = r.ID
		r.Title = decodeString(hit, "category")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
		r.FinalVerdict = decodeString(hit, "finalVerdict")
	case ResultVerdict:
		r.JudgmentID = decodeString(hit, "judgmentId")
		r.Title = firstNonBlank(decodeFormattedString(hit, "criticName"), decodeString(hit, "criticName"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "critique"), decodeString(hit, "critique"))
		r.FinalVerdict = decodeString(hit, "verdict")
	}
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

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexJudgments adds or updates judgments in the search index.
func (m *Meili) IndexJudgments(judgments []JudgmentRecord) error {
	if len(judgments) == 0 {
		return nil
	}
	_, err := m.client.Index(idxJudgments).AddDocuments(judgments, nil)
	return err
}

// IndexVerdicts adds or updates verdicts in the search index.
func (m *Meili) IndexVerdicts(verdicts []VerdictRecord) error {
	if len(verdicts) == 0 {
		return nil
	}
	_, err := m.client.Index(idxVerdicts).AddDocuments(verdicts, nil)
	return err
}
