package search

import (
	"context"
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func rawHit(t *testing.T, fields map[string]any) meili.Hit {
	t.Helper()
	hit := meili.Hit{}
	for key, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal %s: %v", key, err)
		}
		hit[key] = encoded
	}
	return hit
}

func TestHitToResultJudgmentPrefersHighlight(t *testing.T) {
	hit := rawHit(t, map[string]any{
		"id":           "j1",
		"content":      "synergy synergy",
		"category":     "professional",
		"finalVerdict": "CRAP",
		"_formatted":   map[string]any{"content": "<mark>synergy</mark> synergy"},
	})
	r := hitToResult(hit, ResultJudgment)
	if r.ID != "j1" || r.JudgmentID != "j1" {
		t.Fatalf("unexpected ids %+v", r)
	}
	if r.Snippet != "<mark>synergy</mark> synergy" {
		t.Fatalf("expected highlighted snippet, got %q", r.Snippet)
	}
	if r.FinalVerdict != "CRAP" || r.Category != "professional" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestHitToResultVerdict(t *testing.T) {
	hit := rawHit(t, map[string]any{
		"id":         "v1",
		"judgmentId": "j1",
		"criticName": "TastePolice",
		"critique":   "Reads like a fortune cookie.",
		"verdict":    "CRAP",
	})
	r := hitToResult(hit, ResultVerdict)
	if r.JudgmentID != "j1" || r.Title != "TastePolice" || r.Snippet != "Reads like a fortune cookie." {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestIndexToResultType(t *testing.T) {
	if indexToResultType(idxJudgments) != ResultJudgment || indexToResultType(idxVerdicts) != ResultVerdict {
		t.Fatal("index mapping broken")
	}
	if indexToResultType("other") != "" {
		t.Fatal("unknown index should map to empty type")
	}
}

func TestServiceBlankQueryReturnsEmpty(t *testing.T) {
	svc := NewService(nil, NewPgFTS(nil))
	resp := svc.Search(context.Background(), Query{Text: "   "})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestServiceWithoutBackends(t *testing.T) {
	resp := NewService(nil, nil).Search(context.Background(), Query{Text: "roast"})
	if len(resp.Results) != 0 || resp.Query != "roast" {
		t.Fatalf("unexpected response %+v", resp)
	}
	// no-op without meilisearch
	var svc *Service
	svc.IndexJudgment(JudgmentRecord{ID: "j"}, nil)
}
