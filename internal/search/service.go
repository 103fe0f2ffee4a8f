package search

import (
	"context"
	"log/slog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		slog.Warn("search: meilisearch error, falling back to pgfts", "error", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		slog.Error("search: pgfts error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexJudgment pushes a judgment and its verdicts to Meilisearch in the background.
func (s *Service) IndexJudgment(judgment JudgmentRecord, verdicts []VerdictRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexJudgments([]JudgmentRecord{judgment}); err != nil {
			slog.Warn("search: index judgment", "judgment_id", judgment.ID, "error", err)
		}
		if err := s.meili.IndexVerdicts(verdicts); err != nil {
			slog.Warn("search: index verdicts", "judgment_id", judgment.ID, "error", err)
		}
	}()
}

// ReindexAllFromPG reloads every judgment and verdict from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	judgments, verdicts, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		slog.Error("search: reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexJudgments(judgments); err != nil {
		slog.Error("search: reindex judgments", "error", err)
	}
	if err := s.meili.IndexVerdicts(verdicts); err != nil {
		slog.Error("search: reindex verdicts", "error", err)
	}
}

// Close stops the Meilisearch health loop.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
