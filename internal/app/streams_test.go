package app

import (
	"context"
	"testing"
	"time"

	"claporcrap/api/internal/moltbook"
	"claporcrap/api/internal/store"
)

func eventTypes(events []StreamEvent) []string {
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func sameTypes(got []StreamEvent, want ...string) bool {
	types := eventTypes(got)
	if len(types) != len(want) {
		return false
	}
	for i := range want {
		if types[i] != want[i] {
			return false
		}
	}
	return true
}

func TestFeedbackTickEmitsOnlyNewResponses(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	request := store.FeedbackRequest{ID: "fr-1", Status: store.FeedbackCollecting, CollectionEndsAt: now.Add(90 * time.Second)}
	older := store.FeedbackResponse{ID: "r1", MoltbookAgentID: "a", Verdict: "CLAP", Score: 8, Critique: "nice"}
	newer := store.FeedbackResponse{ID: "r2", MoltbookAgentID: "b", Verdict: "CRAP", Score: 2, Critique: "meh"}

	events, state := FeedbackTick(FeedbackSnapshot{
		Request:   request,
		Responses: []store.FeedbackResponse{older},
		Stats:     store.FeedbackStats{Total: 1, ClapCount: 1, AverageScore: 8},
		Now:       now,
	}, FeedbackStreamState{})
	if !sameTypes(events, "new_feedback", "status") {
		t.Fatalf("unexpected first tick %v", eventTypes(events))
	}
	if got := events[1].Data["time_remaining_seconds"]; got != 90 {
		t.Fatalf("expected 90 seconds remaining, got %v", got)
	}

	events, state = FeedbackTick(FeedbackSnapshot{
		Request:   request,
		Responses: []store.FeedbackResponse{newer, older},
		Stats:     store.FeedbackStats{Total: 2, ClapCount: 1, CrapCount: 1, AverageScore: 5},
		Now:       now.Add(5 * time.Second),
	}, state)
	if !sameTypes(events, "new_feedback", "status") {
		t.Fatalf("unexpected second tick %v", eventTypes(events))
	}
	feedback := events[0].Data["feedback"].(map[string]any)
	if feedback["agent_id"] != "b" {
		t.Fatalf("expected only the new response, got %v", feedback)
	}

	events, state = FeedbackTick(FeedbackSnapshot{
		Request:   request,
		Responses: []store.FeedbackResponse{newer, older},
		Now:       now.Add(2 * time.Minute),
	}, state)
	if !sameTypes(events, "status", "completed") || !state.Done {
		t.Fatalf("expected completion once the window closed, got %v", eventTypes(events))
	}

	events, _ = FeedbackTick(FeedbackSnapshot{Request: request, Now: now}, state)
	if len(events) != 0 {
		t.Fatalf("expected no events after completion, got %v", eventTypes(events))
	}
}

func TestFeedbackTickCompletesOnCompletedStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	request := store.FeedbackRequest{ID: "fr-2", Status: store.FeedbackCompleted, CollectionEndsAt: now.Add(time.Hour)}
	events, state := FeedbackTick(FeedbackSnapshot{Request: request, Now: now}, FeedbackStreamState{})
	if !sameTypes(events, "status", "completed") || !state.Done {
		t.Fatalf("unexpected events %v", eventTypes(events))
	}
}

func TestJudgmentTickTracksChanges(t *testing.T) {
	judgment := store.Judgment{ID: "j-1", Status: store.JudgmentJudging}
	first := store.Verdict{ID: "v1", JudgmentID: "j-1", Verdict: "CLAP", Score: 7}

	events, state := JudgmentTick(JudgmentSnapshot{Judgment: judgment}, JudgmentStreamState{})
	if !sameTypes(events, "update") {
		t.Fatalf("expected initial update, got %v", eventTypes(events))
	}

	events, state = JudgmentTick(JudgmentSnapshot{Judgment: judgment}, state)
	if len(events) != 0 {
		t.Fatalf("expected no events without changes, got %v", eventTypes(events))
	}

	judgment.TotalVerdicts = 1
	events, state = JudgmentTick(JudgmentSnapshot{Judgment: judgment, Verdicts: []store.Verdict{first}}, state)
	if !sameTypes(events, "update", "new_verdict") {
		t.Fatalf("unexpected events %v", eventTypes(events))
	}

	judgment.Status = store.JudgmentComplete
	judgment.TotalVotes = 3
	events, state = JudgmentTick(JudgmentSnapshot{Judgment: judgment, Verdicts: []store.Verdict{first}}, state)
	if !sameTypes(events, "update", "complete") || !state.Done {
		t.Fatalf("unexpected events %v", eventTypes(events))
	}
}

func TestFeedbackStreamSnapshotCollectsWhileOpen(t *testing.T) {
	env := newTestEnv(t)
	critics := env.addCritics(t, 1)
	ctx := context.Background()
	env.gateway.polls = [][]moltbook.Response{{{AgentID: "molt-x", AgentName: "X", Content: "great work, 9/10"}}}

	created, err := env.service.CreateFeedbackRequest(ctx, FeedbackRequestInput{UserAgentID: critics[0].ID, ContentText: "stream this content please", Duration: 1})
	if err != nil {
		t.Fatalf("create feedback request: %v", err)
	}
	snapshot, err := env.service.FeedbackStreamSnapshot(ctx, created.Request.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Responses) != 1 || snapshot.Stats.ClapCount != 1 {
		t.Fatalf("expected one clap response, got %+v", snapshot)
	}

	env.clock.Advance(2 * time.Minute)
	snapshot, _ = env.service.FeedbackStreamSnapshot(ctx, created.Request.ID)
	_, state := FeedbackTick(snapshot, FeedbackStreamState{})
	if !state.Done {
		t.Fatalf("expected the stream to finish after the window")
	}
	if err := env.service.CloseFeedbackStream(ctx, snapshot); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	request, _ := env.store.GetFeedbackRequest(ctx, created.Request.ID)
	if request.Status != store.FeedbackCompleted {
		t.Fatalf("expected completed request, got %s", request.Status)
	}

	if _, err := env.service.FeedbackStreamSnapshot(ctx, "missing"); err == nil {
		t.Fatalf("expected not found for an unknown request")
	}
}
