package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"claporcrap/api/internal/archive"
	"claporcrap/api/internal/critique"
	"claporcrap/api/internal/metrics"
	"claporcrap/api/internal/search"
	"claporcrap/api/internal/store"
	"claporcrap/api/internal/util"
	"claporcrap/api/internal/verdict"
)

const (
	minContentLength     = 10
	maxContentLength     = 5000
	defaultCategory      = "professional"
	recentJudgmentsLimit = 20
	expiredVotingBatch   = 50
	verdictBatchTimeout  = 2 * time.Minute
	sideEffectTimeout    = 30 * time.Second
)

var judgmentCategories = map[string]struct{}{
	"professional": {},
	"creative":     {},
	"technical":    {},
	"sales":        {},
	"chaos":        {},
}

type SubmitResult struct {
	JudgmentID     string
	Status         string
	CriticsJudging int
	StreamURL      string
}

type JudgmentDetail struct {
	Judgment store.Judgment
	Verdicts []store.Verdict
}

// panelist is one seat of a verdict batch; CriticID is empty for fallback personas.
type panelist struct {
	CriticID string
	Persona  critique.Persona
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return validationError("content_text is required")
	}
	length := utf8.RuneCountInString(content)
	if length < minContentLength {
		return validationError(fmt.Sprintf("content must be at least %d characters", minContentLength))
	}
	if length > maxContentLength {
		return validationError(fmt.Sprintf("content must be at most %d characters", maxContentLength))
	}
	return nil
}

func normalizeCategory(category string) (string, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return defaultCategory, nil
	}
	if _, ok := judgmentCategories[category]; !ok {
		return "", validationError("category must be one of professional, creative, technical, sales, chaos")
	}
	return category, nil
}

// CreateJudgment stores the submission and starts critique generation without
// waiting for it.
func (s *Service) CreateJudgment(ctx context.Context, content, category string) (SubmitResult, error) {
	if err := validateContent(content); err != nil {
		return SubmitResult{}, err
	}
	category, err := normalizeCategory(category)
	if err != nil {
		return SubmitResult{}, err
	}

	critics, err := s.store.ListActiveCritics(ctx, s.criticBatchSize())
	if err != nil {
		return SubmitResult{}, err
	}

	judgment, err := s.store.InsertJudgment(ctx, store.Judgment{
		ID:          util.NewUUID(),
		ContentText: content,
		Category:    category,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return SubmitResult{}, err
	}
	metrics.JudgmentsCreated.Inc()

	panel := s.panelFor(critics)
	s.goBackground(func() {
		batchCtx, cancel := context.WithTimeout(context.Background(), verdictBatchTimeout)
		defer cancel()
		if _, err := s.generateVerdicts(batchCtx, judgment, panel); err != nil {
			slog.Error("judgments: verdict batch failed", "judgment_id", judgment.ID, "error", err)
		}
	})

	return SubmitResult{
		JudgmentID:     judgment.ID,
		Status:         judgment.Status,
		CriticsJudging: len(critics),
		StreamURL:      "/api/judgments/stream?id=" + judgment.ID,
	}, nil
}

func (s *Service) panelFor(critics []store.Critic) []panelist {
	if len(critics) == 0 {
		fallback := s.fallbackPersonas()
		panel := make([]panelist, 0, len(fallback))
		for _, persona := range fallback {
			panel = append(panel, panelist{Persona: persona})
		}
		return panel
	}
	panel := make([]panelist, 0, len(critics))
	for _, critic := range critics {
		panel = append(panel, panelist{CriticID: critic.ID, Persona: personaOf(critic)})
	}
	return panel
}

func personaOf(critic store.Critic) critique.Persona {
	return critique.Persona{Name: critic.Name, Style: critic.Style, Focus: critic.Focus}
}

func (s *Service) generateVerdicts(ctx context.Context, judgment store.Judgment, panel []panelist) (store.RecordResult, error) {
	seats := make([]critique.Persona, len(panel))
	for i, seat := range panel {
		seats[i] = seat.Persona
	}
	results := s.critic.Batch(ctx, judgment.ContentText, seats, judgment.Category)

	verdicts := make([]store.Verdict, 0, len(results))
	for i, result := range results {
		verdicts = append(verdicts, verdictFromResult(panel[i].CriticID, panel[i].Persona.Name, result))
	}
	return s.RecordVerdictBatch(ctx, judgment.ID, verdicts)
}

func verdictFromResult(criticID, personaName string, result critique.Result) store.Verdict {
	return store.Verdict{
		CriticID:    criticID,
		PersonaName: personaName,
		Verdict:     string(result.Verdict),
		Score:       result.Score,
		Critique:    result.Critique,
	}
}

// RecordVerdictBatch persists a generated batch and opens voting.
func (s *Service) RecordVerdictBatch(ctx context.Context, judgmentID string, verdicts []store.Verdict) (store.RecordResult, error) {
	return s.recordVerdicts(ctx, judgmentID, verdicts, 1, "batch")
}

func (s *Service) recordVerdicts(ctx context.Context, judgmentID string, verdicts []store.Verdict, minVerdicts int, source string) (store.RecordResult, error) {
	now := s.now().UTC()
	prepared := make([]store.Verdict, 0, len(verdicts))
	for _, v := range verdicts {
		if v.ID == "" {
			v.ID = util.NewUUID()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		v.JudgmentID = judgmentID
		v.Verdict = string(verdict.Normalize(v.Verdict))
		v.Score = verdict.ClampScore(v.Score)
		v.Critique = verdict.TruncateCritique(v.Critique)
		if v.Critique == "" {
			_, _, v.Critique = verdict.Fallback()
		}
		prepared = append(prepared, v)
	}

	result, err := s.store.RecordVerdicts(ctx, judgmentID, prepared, store.VotingPlan{
		MinVerdicts: minVerdicts,
		StartsAt:    now,
		EndsAt:      now.Add(s.votingWindow()),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.RecordResult{}, notFound("judgment not found")
	}
	if err != nil {
		return store.RecordResult{}, err
	}
	metrics.VerdictsRecorded.WithLabelValues(source).Add(float64(len(result.Inserted)))
	if len(result.Inserted) > 0 {
		s.indexJudgment(result.Judgment, result.Inserted)
	}
	return result, nil
}

// CastVote records one vote for a verdict and closes voting when the deadline
// has passed.
func (s *Service) CastVote(ctx context.Context, judgmentID, verdictID, voterID string) (store.Judgment, error) {
	judgmentID = strings.TrimSpace(judgmentID)
	verdictID = strings.TrimSpace(verdictID)
	if judgmentID == "" || verdictID == "" {
		return store.Judgment{}, validationError("missing required fields: judgment_id, verdict_id")
	}
	voterID = strings.TrimSpace(voterID)
	if voterID == "" {
		voterID = util.NewID("anon")
	}

	if _, err := s.store.GetJudgment(ctx, judgmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Judgment{}, notFound("judgment not found")
		}
		return store.Judgment{}, err
	}

	updated, err := s.store.CastVote(ctx, store.Vote{
		ID:         util.NewUUID(),
		JudgmentID: judgmentID,
		VerdictID:  verdictID,
		VoterID:    voterID,
		CreatedAt:  s.now().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrVotingClosed):
		return store.Judgment{}, conflict("VOTING_CLOSED", "voting has closed for this judgment")
	case errors.Is(err, store.ErrVotingNotOpen):
		return store.Judgment{}, conflict("VOTING_NOT_OPEN", "voting has not opened for this judgment")
	case errors.Is(err, sql.ErrNoRows):
		return store.Judgment{}, notFound("verdict not found")
	case err != nil:
		return store.Judgment{}, err
	}
	metrics.VotesCast.Inc()

	finalized, err := s.Finalize(ctx, judgmentID)
	if err != nil {
		slog.Error("judgments: finalize after vote", "judgment_id", judgmentID, "error", err)
		return updated, nil
	}
	if finalized.Finalized {
		return finalized.Judgment, nil
	}
	return updated, nil
}

// Finalize completes a voting judgment whose deadline passed. It is a no-op
// for any other judgment, so repeated calls never pick a second winner.
func (s *Service) Finalize(ctx context.Context, judgmentID string) (store.FinalizeResult, error) {
	result, err := s.store.FinalizeJudgment(ctx, judgmentID, s.now().UTC())
	if err != nil || !result.Finalized {
		return result, err
	}

	final := result.Judgment.FinalVerdict
	if final == "" {
		final = "NONE"
	}
	metrics.JudgmentsFinalized.WithLabelValues(final).Inc()

	if result.Winner != nil && result.Winner.CriticID != "" {
		if _, err := s.ExecuteViralLoop(ctx, result.Winner.CriticID, judgmentID); err != nil {
			slog.Error("judgments: viral loop failed", "judgment_id", judgmentID, "critic_id", result.Winner.CriticID, "error", err)
		}
	}

	s.goBackground(func() {
		sideCtx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		s.publishCompleted(sideCtx, result)
	})
	return result, nil
}

// FinalizeExpired closes every judgment whose voting window lapsed.
func (s *Service) FinalizeExpired(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredVoting(ctx, s.now().UTC(), expiredVotingBatch)
	if err != nil {
		return 0, err
	}
	finalized := 0
	for _, id := range ids {
		result, err := s.Finalize(ctx, id)
		if err != nil {
			slog.Error("judgments: finalize expired", "judgment_id", id, "error", err)
			continue
		}
		if result.Finalized {
			finalized++
		}
	}
	return finalized, nil
}

func (s *Service) publishCompleted(ctx context.Context, result store.FinalizeResult) {
	verdicts, err := s.store.ListVerdicts(ctx, result.Judgment.ID)
	if err != nil {
		slog.Warn("judgments: load verdicts for archive", "judgment_id", result.Judgment.ID, "error", err)
		return
	}
	s.indexJudgment(result.Judgment, verdicts)

	if s.archive == nil {
		return
	}
	if err := s.archive.ArchiveJudgment(ctx, snapshotOf(result, verdicts)); err != nil {
		slog.Warn("judgments: archive snapshot", "judgment_id", result.Judgment.ID, "error", err)
	}
}

func snapshotOf(result store.FinalizeResult, verdicts []store.Verdict) archive.Snapshot {
	judgment := result.Judgment
	snapshot := archive.Snapshot{
		JudgmentID:     judgment.ID,
		Content:        judgment.ContentText,
		Category:       judgment.Category,
		FinalVerdict:   judgment.FinalVerdict,
		ClapPercentage: judgment.ClapPercentage,
		CrapPercentage: judgment.CrapPercentage,
		AverageScore:   judgment.AverageScore,
		TotalVotes:     judgment.TotalVotes,
		Verdicts:       make([]archive.SnapshotVerdict, 0, len(verdicts)),
	}
	if judgment.CompletedAt != nil {
		snapshot.CompletedAt = *judgment.CompletedAt
	}
	if result.Winner != nil {
		snapshot.WinnerID = result.Winner.ID
	}
	for _, v := range verdicts {
		snapshot.Verdicts = append(snapshot.Verdicts, archive.SnapshotVerdict{
			ID:         v.ID,
			CriticID:   v.CriticID,
			CriticName: displayName(v),
			Verdict:    v.Verdict,
			Score:      v.Score,
			Critique:   v.Critique,
			VoteCount:  v.VoteCount,
			IsWinner:   v.IsWinner || (result.Winner != nil && result.Winner.ID == v.ID),
		})
	}
	return snapshot
}

func (s *Service) indexJudgment(judgment store.Judgment, verdicts []store.Verdict) {
	if s.search == nil {
		return
	}
	records := make([]search.VerdictRecord, 0, len(verdicts))
	for _, v := range verdicts {
		records = append(records, search.VerdictRecord{
			ID:         v.ID,
			JudgmentID: judgment.ID,
			CriticName: displayName(v),
			Verdict:    v.Verdict,
			Score:      v.Score,
			Critique:   v.Critique,
			Category:   judgment.Category,
		})
	}
	s.search.IndexJudgment(search.JudgmentRecord{
		ID:           judgment.ID,
		Content:      judgment.ContentText,
		Category:     judgment.Category,
		Status:       judgment.Status,
		FinalVerdict: judgment.FinalVerdict,
		CreatedAt:    judgment.CreatedAt.Unix(),
	}, records)
}

func displayName(v store.Verdict) string {
	if v.CriticName != "" {
		return v.CriticName
	}
	return v.PersonaName
}

func (s *Service) GetJudgment(ctx context.Context, judgmentID string) (JudgmentDetail, error) {
	judgment, err := s.store.GetJudgment(ctx, judgmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JudgmentDetail{}, notFound("judgment not found")
		}
		return JudgmentDetail{}, err
	}
	verdicts, err := s.store.ListVerdicts(ctx, judgmentID)
	if err != nil {
		return JudgmentDetail{}, err
	}
	return JudgmentDetail{Judgment: judgment, Verdicts: verdicts}, nil
}

func (s *Service) RecentJudgments(ctx context.Context) ([]store.JudgmentSummary, error) {
	return s.store.ListRecentJudgments(ctx, recentJudgmentsLimit)
}

func (s *Service) SearchJudgments(ctx context.Context, q search.Query) search.Response {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if s.search == nil || strings.TrimSpace(q.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
