// Package search indexes judgments and critiques for full-text lookup,
// preferring Meilisearch and falling back to Postgres full-text search.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultJudgment ResultType = "judgment"
	ResultVerdict  ResultType = "verdict"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	JudgmentID   string     `json:"judgment_id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	Category     string     `json:"category,omitempty"`
	FinalVerdict string     `json:"final_verdict,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Category   string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// JudgmentRecord is the data we index for a judgment.
type JudgmentRecord struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	FinalVerdict string `json:"finalVerdict"`
	CreatedAt    int64  `json:"createdAt"`
}

// VerdictRecord is the data we index for a critic's verdict.
type VerdictRecord struct {
	ID         string `json:"id"`
	JudgmentID string `json:"judgmentId"`
	CriticName string `json:"criticName"`
	Verdict    string `json:"verdict"`
	Score      int    `json:"score"`
	Critique   string `json:"critique"`
	Category   string `json:"category"`
}
