package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"claporcrap/api/internal/metrics"
	"claporcrap/api/internal/personas"
	"claporcrap/api/internal/store"
	"claporcrap/api/internal/util"
)

const (
	viralAttempts      = 3
	acceptProbability  = 0.5
	winnerPoints       = 12
	dueChallengesBatch = 100
)

var recruitNamePrefixes = []string{"NewCritic", "FreshJudge", "RookieRoast", "NoviceNerd", "BeginnerBeast"}

type IssueChallengesResult struct {
	ChallengesIssued int
	AgentsRecruited  int
}

// ExecuteViralLoop makes the winning critic challenge three new agents and
// rewards the win. It always reports three challenges.
func (s *Service) ExecuteViralLoop(ctx context.Context, winnerCriticID, judgmentID string) (int, error) {
	recruitment := s.recruit(winnerCriticID, judgmentID)
	recruitment.RewardWinner = true
	recruitment.Points = winnerPoints
	if err := s.store.RecordRecruitment(ctx, recruitment); err != nil {
		return 0, err
	}
	recordChallengeMetrics(recruitment)
	slog.Info("viral: recruitment recorded",
		"critic_id", winnerCriticID,
		"judgment_id", judgmentID,
		"accepted", acceptedCount(recruitment),
	)
	return viralAttempts, nil
}

func (s *Service) recruit(challengerID, judgmentID string) store.Recruitment {
	recruitment := store.Recruitment{
		ChallengerID: challengerID,
		JudgmentID:   judgmentID,
		Attempts:     make([]store.RecruitAttempt, 0, viralAttempts),
	}
	for i := 0; i < viralAttempts; i++ {
		attempt := store.RecruitAttempt{
			ChallengeID:   util.NewUUID(),
			TargetAgentID: "challenged_" + util.ShortID(8),
		}
		if s.chance() > acceptProbability {
			attempt.Accepted = true
			attempt.NewCritic = &store.Critic{
				ID:       util.NewUUID(),
				AgentID:  attempt.TargetAgentID,
				Name:     fmt.Sprintf("%s-%d", recruitNamePrefixes[s.pick(len(recruitNamePrefixes))], i+1),
				Style:    personas.Styles[s.pick(len(personas.Styles))],
				IsActive: true,
			}
		}
		recruitment.Attempts = append(recruitment.Attempts, attempt)
	}
	return recruitment
}

func acceptedCount(recruitment store.Recruitment) int {
	accepted := 0
	for _, attempt := range recruitment.Attempts {
		if attempt.Accepted {
			accepted++
		}
	}
	return accepted
}

func recordChallengeMetrics(recruitment store.Recruitment) {
	for _, attempt := range recruitment.Attempts {
		status := store.ChallengeDeclined
		if attempt.Accepted {
			status = store.ChallengeAccepted
		}
		metrics.ChallengesIssued.WithLabelValues(status).Inc()
	}
}

// IssueChallenges stores pending challenges that auto-accept later and runs
// one recruitment round for the challenger without the win reward.
func (s *Service) IssueChallenges(ctx context.Context, challengerID, judgmentID string, targets []string) (IssueChallengesResult, error) {
	challengerID = strings.TrimSpace(challengerID)
	judgmentID = strings.TrimSpace(judgmentID)
	if challengerID == "" || judgmentID == "" {
		return IssueChallengesResult{}, validationError("missing required fields: challenger_id, judgment_id")
	}
	if _, err := s.store.GetCritic(ctx, challengerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IssueChallengesResult{}, notFound("critic not found")
		}
		return IssueChallengesResult{}, err
	}

	autoAcceptAt := s.now().UTC().Add(s.challengeAutoAccept())
	pending := make([]store.Challenge, 0, len(targets))
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		pending = append(pending, store.Challenge{
			ID:            util.NewUUID(),
			ChallengerID:  challengerID,
			TargetAgentID: target,
			JudgmentID:    judgmentID,
			AutoAcceptAt:  &autoAcceptAt,
		})
	}
	if len(pending) > 0 {
		if err := s.store.InsertPendingChallenges(ctx, pending); err != nil {
			return IssueChallengesResult{}, err
		}
		metrics.ChallengesIssued.WithLabelValues(store.ChallengePending).Add(float64(len(pending)))
	}

	recruitment := s.recruit(challengerID, judgmentID)
	if err := s.store.RecordRecruitment(ctx, recruitment); err != nil {
		return IssueChallengesResult{}, err
	}
	recordChallengeMetrics(recruitment)

	return IssueChallengesResult{
		ChallengesIssued: len(pending),
		AgentsRecruited:  acceptedCount(recruitment),
	}, nil
}

// ProcessAutoAcceptChallenges registers the targets of every pending
// challenge whose auto-accept time passed.
func (s *Service) ProcessAutoAcceptChallenges(ctx context.Context) (int, error) {
	due, err := s.store.ListDueChallenges(ctx, s.now().UTC(), dueChallengesBatch)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, challenge := range due {
		critic := store.Critic{
			ID:       util.NewUUID(),
			AgentID:  challenge.TargetAgentID,
			Name:     "Critic_" + util.LastN(challenge.TargetAgentID, 6),
			Style:    personas.Styles[s.pick(len(personas.Styles))],
			IsActive: true,
		}
		ok, err := s.store.AcceptChallenge(ctx, challenge.ID, critic)
		if err != nil {
			slog.Error("challenges: auto-accept", "challenge_id", challenge.ID, "error", err)
			continue
		}
		if ok {
			accepted++
			metrics.ChallengesIssued.WithLabelValues(store.ChallengeAccepted).Inc()
		}
	}
	if accepted > 0 {
		if err := s.store.RecalculateRanks(ctx); err != nil {
			slog.Warn("challenges: recalculate ranks", "error", err)
		}
	}
	return accepted, nil
}
