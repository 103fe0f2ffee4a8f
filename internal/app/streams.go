package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"claporcrap/api/internal/store"
)

const (
	feedbackStreamInterval = 5 * time.Second
	judgmentStreamInterval = 2 * time.Second
)

// StreamEvent is one server-sent event; Data is sent as JSON with Type folded in.
type StreamEvent struct {
	Type string
	Data map[string]any
}

type FeedbackSnapshot struct {
	Request   store.FeedbackRequest
	Responses []store.FeedbackResponse
	Stats     store.FeedbackStats
	Now       time.Time
}

type FeedbackStreamState struct {
	Sent map[string]struct{}
	Done bool
}

// FeedbackTick emits new_feedback for every response not sent yet, then a
// status event, and completed once the request closed or its window ran out.
func FeedbackTick(snapshot FeedbackSnapshot, state FeedbackStreamState) ([]StreamEvent, FeedbackStreamState) {
	next := FeedbackStreamState{Sent: copySet(state.Sent), Done: state.Done}
	if state.Done {
		return nil, next
	}

	events := make([]StreamEvent, 0, len(snapshot.Responses)+2)
	for i := len(snapshot.Responses) - 1; i >= 0; i-- {
		response := snapshot.Responses[i]
		if _, ok := next.Sent[response.ID]; ok {
			continue
		}
		next.Sent[response.ID] = struct{}{}
		events = append(events, StreamEvent{Type: "new_feedback", Data: map[string]any{
			"feedback": map[string]any{
				"agent_id":   response.MoltbookAgentID,
				"agent_name": response.MoltbookAgentName,
				"verdict":    response.Verdict,
				"score":      response.Score,
				"critique":   response.Critique,
				"created_at": response.CreatedAt,
			},
		}})
	}

	remaining := int(snapshot.Request.CollectionEndsAt.Sub(snapshot.Now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	events = append(events, StreamEvent{Type: "status", Data: map[string]any{
		"status":                 snapshot.Request.Status,
		"total_responses":        snapshot.Stats.Total,
		"time_remaining_seconds": remaining,
		"stats": map[string]any{
			"clap_count":    snapshot.Stats.ClapCount,
			"crap_count":    snapshot.Stats.CrapCount,
			"average_score": snapshot.Stats.AverageScore,
		},
	}})

	if snapshot.Request.Status == store.FeedbackCompleted || remaining <= 0 {
		events = append(events, StreamEvent{Type: "completed", Data: map[string]any{}})
		next.Done = true
	}
	return events, next
}

type JudgmentSnapshot struct {
	Judgment store.Judgment
	Verdicts []store.Verdict
}

type JudgmentStreamState struct {
	Started       bool
	Status        string
	TotalVerdicts int
	TotalVotes    int
	Sent          map[string]struct{}
	Done          bool
}

// JudgmentTick emits update when status or totals changed, new_verdict for
// verdicts not sent yet, and complete once the judgment is complete.
func JudgmentTick(snapshot JudgmentSnapshot, state JudgmentStreamState) ([]StreamEvent, JudgmentStreamState) {
	next := state
	next.Sent = copySet(state.Sent)
	if state.Done {
		return nil, next
	}

	judgment := snapshot.Judgment
	events := make([]StreamEvent, 0, len(snapshot.Verdicts)+2)
	if !state.Started || state.Status != judgment.Status || state.TotalVerdicts != judgment.TotalVerdicts || state.TotalVotes != judgment.TotalVotes {
		events = append(events, StreamEvent{Type: "update", Data: map[string]any{
			"status":         judgment.Status,
			"total_verdicts": judgment.TotalVerdicts,
			"total_votes":    judgment.TotalVotes,
		}})
		next.Started = true
		next.Status = judgment.Status
		next.TotalVerdicts = judgment.TotalVerdicts
		next.TotalVotes = judgment.TotalVotes
	}

	for _, v := range snapshot.Verdicts {
		if _, ok := next.Sent[v.ID]; ok {
			continue
		}
		next.Sent[v.ID] = struct{}{}
		events = append(events, StreamEvent{Type: "new_verdict", Data: map[string]any{"verdict": verdictJSON(v)}})
	}

	if judgment.Status == store.JudgmentComplete {
		events = append(events, StreamEvent{Type: "complete", Data: map[string]any{}})
		next.Done = true
	}
	return events, next
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// FeedbackStreamSnapshot polls Moltbook for the request, stores new responses
// and returns the persisted state.
func (s *Service) FeedbackStreamSnapshot(ctx context.Context, requestID string) (FeedbackSnapshot, error) {
	request, err := s.store.GetFeedbackRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FeedbackSnapshot{}, notFound("feedback request not found")
		}
		return FeedbackSnapshot{}, err
	}
	if request.Status == store.FeedbackCollecting && request.MoltbookPostID != "" {
		if _, err := s.collectResponses(ctx, request); err != nil {
			return FeedbackSnapshot{}, err
		}
	}
	responses, err := s.store.ListFeedbackResponses(ctx, requestID)
	if err != nil {
		return FeedbackSnapshot{}, err
	}
	stats, err := s.store.FeedbackStats(ctx, requestID)
	if err != nil {
		return FeedbackSnapshot{}, err
	}
	return FeedbackSnapshot{Request: request, Responses: responses, Stats: stats, Now: s.now().UTC()}, nil
}

// CloseFeedbackStream completes a request whose stream observed the end of
// its window.
func (s *Service) CloseFeedbackStream(ctx context.Context, snapshot FeedbackSnapshot) error {
	if snapshot.Request.Status != store.FeedbackCollecting {
		return nil
	}
	_, err := s.store.CompleteFeedbackRequest(ctx, snapshot.Request.ID)
	return err
}

func (s *Service) JudgmentStreamSnapshot(ctx context.Context, judgmentID string) (JudgmentSnapshot, error) {
	detail, err := s.GetJudgment(ctx, judgmentID)
	if err != nil {
		return JudgmentSnapshot{}, err
	}
	return JudgmentSnapshot{Judgment: detail.Judgment, Verdicts: detail.Verdicts}, nil
}
