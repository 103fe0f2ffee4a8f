package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"claporcrap/api/internal/critique"
	"claporcrap/api/internal/metrics"
	"claporcrap/api/internal/moltbook"
	"claporcrap/api/internal/pricing"
	"claporcrap/api/internal/store"
	"claporcrap/api/internal/util"
)

type FeedbackRequestInput struct {
	UserAgentID  string
	ContentText  string
	Title        string
	Category     string
	Duration     int
	DurationUnit string
}

type FeedbackRequestResult struct {
	Request         store.FeedbackRequest
	DurationMinutes int
	Breakdown       pricing.Breakdown
	StreamURL       string
	ResultsURL      string
}

type FeedbackSummary struct {
	TotalResponses int     `json:"total_responses"`
	ClapCount      int     `json:"clap_count"`
	CrapCount      int     `json:"crap_count"`
	AverageScore   float64 `json:"average_score"`
	MinScore       int     `json:"min_score"`
	MaxScore       int     `json:"max_score"`
	ClapPercentage float64 `json:"clap_percentage"`
	CrapPercentage float64 `json:"crap_percentage"`
}

type FeedbackResults struct {
	Request   store.FeedbackRequest
	Responses []store.FeedbackResponse
	Summary   FeedbackSummary
}

// CreateFeedbackRequest posts content to Moltbook and opens a collection window.
func (s *Service) CreateFeedbackRequest(ctx context.Context, input FeedbackRequestInput) (FeedbackRequestResult, error) {
	input.UserAgentID = strings.TrimSpace(input.UserAgentID)
	if input.UserAgentID == "" || strings.TrimSpace(input.ContentText) == "" || input.Duration == 0 {
		return FeedbackRequestResult{}, validationError("missing required fields: user_agent_id, content_text, duration")
	}
	if err := validateContent(input.ContentText); err != nil {
		return FeedbackRequestResult{}, err
	}
	if input.Duration < 0 {
		return FeedbackRequestResult{}, validationError("duration must be greater than 0")
	}
	unit := strings.ToLower(strings.TrimSpace(input.DurationUnit))
	if unit == "" {
		unit = "minutes"
	}
	if !pricing.ValidUnit(unit) {
		return FeedbackRequestResult{}, validationError("duration_unit must be one of minutes, hours, days")
	}
	if input.Duration > pricing.MaxMinutes || pricing.ConvertToMinutes(input.Duration, unit) > pricing.MaxMinutes {
		return FeedbackRequestResult{}, validationError("collection window must not exceed 30 days")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = defaultCategory
	}

	critic, err := s.store.GetCritic(ctx, input.UserAgentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FeedbackRequestResult{}, notFound("critic not found")
		}
		return FeedbackRequestResult{}, err
	}

	agentID, err := s.resolveMoltbookAgent(ctx, critic)
	if err != nil {
		return FeedbackRequestResult{}, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = moltbook.DefaultTitle
	}
	post, err := s.moltbook.PostContent(ctx, agentID, input.ContentText, title, category)
	if err != nil {
		slog.Error("feedback: post to moltbook", "critic_id", critic.ID, "error", err)
		return FeedbackRequestResult{}, domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "failed to post content to Moltbook", err.Error())
	}

	minutes := pricing.ConvertToMinutes(input.Duration, unit)
	now := s.now().UTC()
	request, err := s.store.InsertFeedbackRequest(ctx, store.FeedbackRequest{
		ID:                        util.NewUUID(),
		UserAgentID:               critic.ID,
		ContentText:               input.ContentText,
		Title:                     title,
		Category:                  category,
		MoltbookPostID:            post.PostID,
		MoltbookAgentID:           agentID,
		CollectionDurationMinutes: minutes,
		CollectionEndsAt:          now.Add(time.Duration(minutes) * time.Minute),
		EstimatedCost:             s.pricing.EstimatedCost(minutes),
		CreatedAt:                 now,
	})
	if err != nil {
		return FeedbackRequestResult{}, err
	}

	return FeedbackRequestResult{
		Request:         request,
		DurationMinutes: minutes,
		Breakdown:       s.pricing.Breakdown(minutes),
		StreamURL:       "/api/feedback/stream/" + request.ID,
		ResultsURL:      "/api/feedback/results/" + request.ID,
	}, nil
}

// resolveMoltbookAgent prefers the stored Moltbook id, then the critic's own
// agent id, and registers a new Moltbook agent only when neither exists.
func (s *Service) resolveMoltbookAgent(ctx context.Context, critic store.Critic) (string, error) {
	if critic.MoltbookAgentID != "" {
		return critic.MoltbookAgentID, nil
	}
	if critic.AgentID != "" {
		if err := s.store.SetCriticMoltbookAgentID(ctx, critic.ID, critic.AgentID); err != nil {
			slog.Warn("feedback: remember moltbook agent id", "critic_id", critic.ID, "error", err)
		}
		return critic.AgentID, nil
	}

	name := critic.Name
	if name == "" {
		name = "ClapOrCrap Agent"
	}
	agent, err := s.moltbook.RegisterAgent(ctx, name, "ClapOrCrap feedback agent for "+name)
	if err != nil {
		return "", domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "failed to create or find Moltbook agent", err.Error())
	}
	if err := s.store.SetCriticMoltbookAgentID(ctx, critic.ID, agent.AgentID); err != nil {
		return "", err
	}
	if agent.APIKey != "" && !s.moltbook.Configured() {
		slog.Warn("feedback: moltbook issued an api key; set MOLTBOOK_API_KEY to post", "agent_id", agent.AgentID)
	}
	return agent.AgentID, nil
}

// CollectFeedback polls every open request and stores responses from agents
// that have not answered yet.
func (s *Service) CollectFeedback(ctx context.Context) (int, error) {
	requests, err := s.store.ListOpenFeedbackRequests(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, request := range requests {
		if request.MoltbookPostID == "" {
			continue
		}
		stored, err := s.collectResponses(ctx, request)
		if err != nil {
			slog.Error("feedback: collect responses", "feedback_request_id", request.ID, "error", err)
			continue
		}
		processed += len(stored)

		if !s.now().Before(request.CollectionEndsAt) {
			if _, err := s.store.CompleteFeedbackRequest(ctx, request.ID); err != nil {
				slog.Error("feedback: complete request", "feedback_request_id", request.ID, "error", err)
			}
		}
	}
	return processed, nil
}

func (s *Service) collectResponses(ctx context.Context, request store.FeedbackRequest) ([]store.FeedbackResponse, error) {
	polled := s.moltbook.PollResponses(ctx, request.MoltbookPostID)
	if len(polled) == 0 {
		return nil, nil
	}
	existing, err := s.store.ListFeedbackAgentIDs(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing)+len(polled))
	for _, id := range existing {
		seen[id] = struct{}{}
	}

	stored := make([]store.FeedbackResponse, 0)
	for _, response := range polled {
		if response.AgentID == "" {
			continue
		}
		if _, ok := seen[response.AgentID]; ok {
			continue
		}
		parsed, ok := critique.Parse(response.Content)
		if !ok {
			continue
		}
		record := store.FeedbackResponse{
			ID:                util.NewUUID(),
			FeedbackRequestID: request.ID,
			MoltbookAgentID:   response.AgentID,
			MoltbookAgentName: response.AgentName,
			Verdict:           string(parsed.Verdict),
			Score:             parsed.Score,
			Critique:          parsed.Critique,
			CreatedAt:         s.now().UTC(),
		}
		inserted, err := s.store.InsertFeedbackResponse(ctx, record)
		if err != nil {
			return stored, err
		}
		seen[response.AgentID] = struct{}{}
		if inserted {
			metrics.FeedbackResponses.Inc()
			stored = append(stored, record)
		}
	}
	return stored, nil
}

func (s *Service) ExpireFeedbackRequests(ctx context.Context) (int, error) {
	return s.store.ExpireFeedbackRequests(ctx, s.now().UTC())
}

func (s *Service) FeedbackResults(ctx context.Context, requestID string) (FeedbackResults, error) {
	request, err := s.store.GetFeedbackRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FeedbackResults{}, notFound("feedback request not found")
		}
		return FeedbackResults{}, err
	}
	responses, err := s.store.ListFeedbackResponses(ctx, requestID)
	if err != nil {
		return FeedbackResults{}, err
	}
	stats, err := s.store.FeedbackStats(ctx, requestID)
	if err != nil {
		return FeedbackResults{}, err
	}
	return FeedbackResults{Request: request, Responses: responses, Summary: summarize(stats)}, nil
}

func summarize(stats store.FeedbackStats) FeedbackSummary {
	summary := FeedbackSummary{
		TotalResponses: stats.Total,
		ClapCount:      stats.ClapCount,
		CrapCount:      stats.CrapCount,
		AverageScore:   stats.AverageScore,
		MinScore:       stats.MinScore,
		MaxScore:       stats.MaxScore,
	}
	if stats.Total > 0 {
		summary.ClapPercentage = round1(float64(stats.ClapCount) / float64(stats.Total) * 100)
		summary.CrapPercentage = round1(float64(stats.CrapCount) / float64(stats.Total) * 100)
	}
	return summary
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}
