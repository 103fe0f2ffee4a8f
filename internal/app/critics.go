package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"claporcrap/api/internal/auth"
	"claporcrap/api/internal/personas"
	"claporcrap/api/internal/store"
	"claporcrap/api/internal/util"
	"claporcrap/api/internal/verdict"
)

const (
	defaultStyle          = "Balanced"
	defaultLeaderboard    = 50
	maxLeaderboard        = 100
	greatestHitsLimit     = 10
	defaultSeedCount      = 50
	maxSeedCount          = 500
	seedPointsSpread      = 100
	registrationWelcome   = "Critic registered successfully. Welcome to the arena!"
	unauthorizedKeyReason = "invalid or inactive API key"
)

type RegisterCriticInput struct {
	AgentID             string
	Name                string
	Style               string
	OwnerProductURL     string
	OwnerProductTagline string
}

// RegisteredCritic carries the plaintext API key; it is never retrievable again.
type RegisteredCritic struct {
	Critic store.Critic
	APIKey string
}

type SubmitVerdictInput struct {
	JudgmentID string
	Verdict    string
	Score      int
	Critique   string
}

type CriticProfile struct {
	Critic       store.Critic
	GreatestHits []store.Verdict
	AgentState   *store.AgentState
}

func (s *Service) RegisterCritic(ctx context.Context, input RegisterCriticInput) (RegisteredCritic, error) {
	agentID := strings.TrimSpace(input.AgentID)
	name := strings.TrimSpace(input.Name)
	if agentID == "" || name == "" {
		return RegisteredCritic{}, validationError("agent_id and name are required")
	}
	style := strings.TrimSpace(input.Style)
	if style == "" {
		style = defaultStyle
	}
	if !personas.ValidStyle(style) {
		return RegisteredCritic{}, validationError("style must be one of Savage, Precise, Witty, Fair, Clinical, Balanced")
	}

	key, err := auth.IssueAPIKey()
	if err != nil {
		return RegisteredCritic{}, err
	}
	critic, err := s.store.InsertCritic(ctx, store.Critic{
		ID:                  util.NewUUID(),
		AgentID:             agentID,
		Name:                name,
		Style:               style,
		OwnerProductURL:     strings.TrimSpace(input.OwnerProductURL),
		OwnerProductTagline: strings.TrimSpace(input.OwnerProductTagline),
		IsActive:            true,
		APIKeyID:            key.ID,
		APIKeyHash:          key.Hash,
	})
	if errors.Is(err, store.ErrAgentExists) {
		return RegisteredCritic{}, conflict("AGENT_EXISTS", "a critic with this agent_id is already registered")
	}
	if err != nil {
		return RegisteredCritic{}, err
	}
	if err := s.store.RecalculateRanks(ctx); err != nil {
		slog.Warn("critics: recalculate ranks", "error", err)
	}
	return RegisteredCritic{Critic: critic, APIKey: key.Plaintext}, nil
}

// AuthenticateCritic resolves an API key to an active critic.
func (s *Service) AuthenticateCritic(ctx context.Context, apiKey string) (store.Critic, error) {
	if strings.TrimSpace(apiKey) == "" {
		return store.Critic{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "API key required", nil)
	}
	keyID, secret, err := auth.ParseAPIKey(apiKey)
	if err != nil {
		return store.Critic{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", unauthorizedKeyReason, nil)
	}
	critic, err := s.store.GetCriticByAPIKeyID(ctx, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Critic{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", unauthorizedKeyReason, nil)
	}
	if err != nil {
		return store.Critic{}, err
	}
	if err := auth.VerifyAPIKey(critic.APIKeyHash, secret); err != nil || !critic.IsActive {
		return store.Critic{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", unauthorizedKeyReason, nil)
	}
	return critic, nil
}

// PendingJudgment returns the oldest judging judgment the critic has not
// judged yet, or nil when there is none.
func (s *Service) PendingJudgment(ctx context.Context, critic store.Critic) (*store.Judgment, error) {
	judgment, err := s.store.PendingJudgmentForCritic(ctx, critic.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &judgment, nil
}

// SubmitVerdict records a verdict written by the critic's own agent.
func (s *Service) SubmitVerdict(ctx context.Context, critic store.Critic, input SubmitVerdictInput) (store.Verdict, error) {
	input.JudgmentID = strings.TrimSpace(input.JudgmentID)
	if input.JudgmentID == "" || strings.TrimSpace(input.Verdict) == "" || input.Score == 0 || strings.TrimSpace(input.Critique) == "" {
		return store.Verdict{}, validationError("missing required fields: judgment_id, verdict, score, critique")
	}
	kind := verdict.Kind(strings.ToUpper(strings.TrimSpace(input.Verdict)))
	if !kind.Valid() {
		return store.Verdict{}, validationError("verdict must be CLAP or CRAP")
	}

	recorded, err := s.recordVerdicts(ctx, input.JudgmentID, []store.Verdict{{
		CriticID:    critic.ID,
		PersonaName: critic.Name,
		Verdict:     string(kind),
		Score:       input.Score,
		Critique:    input.Critique,
	}}, s.requiredVerdicts(), "api")
	if err != nil {
		return store.Verdict{}, err
	}
	if len(recorded.Inserted) == 0 {
		if recorded.Judgment.Status == store.JudgmentComplete {
			return store.Verdict{}, conflict("VOTING_CLOSED", "judgment is already complete")
		}
		return store.Verdict{}, conflict("CONFLICT", "verdict already submitted for this judgment")
	}

	now := s.now().UTC()
	if err := s.store.SetAgentStatus(ctx, critic.ID, store.AgentIdle, &now); err != nil {
		slog.Warn("critics: stamp heartbeat", "critic_id", critic.ID, "error", err)
	}
	if err := s.store.IncrementLifetimePosts(ctx, critic.ID); err != nil {
		slog.Warn("critics: increment lifetime posts", "critic_id", critic.ID, "error", err)
	}
	return recorded.Inserted[0], nil
}

func (s *Service) CriticProfile(ctx context.Context, criticID string) (CriticProfile, error) {
	critic, err := s.store.GetCritic(ctx, criticID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CriticProfile{}, notFound("critic not found")
		}
		return CriticProfile{}, err
	}
	hits, err := s.store.ListCriticTopVerdicts(ctx, criticID, greatestHitsLimit)
	if err != nil {
		return CriticProfile{}, err
	}
	profile := CriticProfile{Critic: critic, GreatestHits: hits}
	state, err := s.store.GetAgentState(ctx, criticID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return CriticProfile{}, err
	default:
		profile.AgentState = &state
	}
	return profile, nil
}

func (s *Service) Leaderboard(ctx context.Context, style string, limit int) ([]store.Critic, error) {
	if limit <= 0 {
		limit = defaultLeaderboard
	}
	if limit > maxLeaderboard {
		limit = maxLeaderboard
	}
	style = strings.TrimSpace(style)
	if strings.EqualFold(style, "all") {
		style = ""
	}
	return s.store.Leaderboard(ctx, style, limit)
}

func (s *Service) CriticByMoltbookID(ctx context.Context, moltbookAgentID string) (store.Critic, error) {
	moltbookAgentID = strings.TrimSpace(moltbookAgentID)
	if moltbookAgentID == "" {
		return store.Critic{}, validationError("moltbook_agent_id parameter is required")
	}
	critic, err := s.store.GetCriticByMoltbookID(ctx, moltbookAgentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Critic{}, notFound("agent not found")
	}
	return critic, err
}

// SeedCritics creates count critics cycling through the persona set, with
// staggered points so the leaderboard starts spread out.
func (s *Service) SeedCritics(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		count = defaultSeedCount
	}
	if count > maxSeedCount {
		count = maxSeedCount
	}
	stamp := s.now().UnixMilli()
	created := 0
	for i := 0; i < count; i++ {
		persona := s.personas[i%len(s.personas)]
		_, err := s.store.InsertCritic(ctx, store.Critic{
			ID:       util.NewUUID(),
			AgentID:  fmt.Sprintf("seed_agent_%d_%d", i, stamp),
			Name:     fmt.Sprintf("%s-%d", persona.Name, i+1),
			Style:    persona.Style,
			Focus:    persona.Focus,
			Points:   s.pick(seedPointsSpread),
			IsActive: true,
		})
		if err != nil {
			slog.Warn("critics: seed critic", "index", i, "error", err)
			continue
		}
		created++
	}
	if err := s.store.RecalculateRanks(ctx); err != nil {
		return created, err
	}
	return created, nil
}
