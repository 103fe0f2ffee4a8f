package app

import (
	"context"
	"log/slog"
	"time"

	"claporcrap/api/internal/metrics"
	"claporcrap/api/internal/store"
)

type HeartbeatResult struct {
	Processed int
	Finalized int
}

const agentCleanupTimeout = 5 * time.Second

// RunHeartbeat pairs judging judgments with idle critics, one verdict per
// pair, then closes voting on judgments whose deadline passed. Each judgment
// gets the best-ranked idle critic that has not judged it yet.
func (s *Service) RunHeartbeat(ctx context.Context) (HeartbeatResult, error) {
	judgments, err := s.store.ListJudgmentsByStatus(ctx, store.JudgmentJudging, s.heartbeatBatch())
	if err != nil {
		return HeartbeatResult{}, err
	}

	var result HeartbeatResult
	if len(judgments) > 0 {
		critics, err := s.store.ListIdleCritics(ctx, len(judgments)*(s.requiredVerdicts()+1))
		if err != nil {
			return HeartbeatResult{}, err
		}
		if len(critics) == 0 {
			slog.Info("heartbeat: no idle critics available", "pending", len(judgments))
		}
		used := make(map[string]bool, len(judgments))
		for _, judgment := range judgments {
			critic, ok, err := s.nextCritic(ctx, judgment.ID, critics, used)
			if err != nil {
				slog.Error("heartbeat: list verdicts", "judgment_id", judgment.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			used[critic.ID] = true
			if s.dispatch(ctx, judgment, critic) {
				result.Processed++
			}
		}
	}

	finalized, err := s.FinalizeExpired(ctx)
	if err != nil {
		return result, err
	}
	result.Finalized = finalized
	return result, nil
}

// nextCritic returns the first candidate, in rank order, that is not already
// dispatched in this run and has no verdict on the judgment.
func (s *Service) nextCritic(ctx context.Context, judgmentID string, candidates []store.Critic, used map[string]bool) (store.Critic, bool, error) {
	verdicts, err := s.store.ListVerdicts(ctx, judgmentID)
	if err != nil {
		return store.Critic{}, false, err
	}
	judged := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		judged[v.CriticID] = true
	}
	for _, critic := range candidates {
		if !used[critic.ID] && !judged[critic.ID] {
			return critic, true, nil
		}
	}
	return store.Critic{}, false, nil
}

func (s *Service) dispatch(ctx context.Context, judgment store.Judgment, critic store.Critic) bool {
	now := s.now().UTC()
	if err := s.store.SetAgentStatus(ctx, critic.ID, store.AgentJudging, &now); err != nil {
		slog.Error("heartbeat: mark agent judging", "critic_id", critic.ID, "error", err)
		return false
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), agentCleanupTimeout)
		defer cancel()
		if err := s.store.SetAgentStatus(cleanupCtx, critic.ID, store.AgentIdle, nil); err != nil {
			slog.Error("heartbeat: return agent to idle", "critic_id", critic.ID, "error", err)
		}
	}()

	result := s.critic.Critique(ctx, judgment.ContentText, personaOf(critic), judgment.Category)
	recorded, err := s.recordVerdicts(ctx, judgment.ID, []store.Verdict{
		verdictFromResult(critic.ID, critic.Name, result),
	}, s.requiredVerdicts(), "heartbeat")
	if err != nil {
		slog.Error("heartbeat: record verdict", "judgment_id", judgment.ID, "critic_id", critic.ID, "error", err)
		return false
	}
	if len(recorded.Inserted) == 0 {
		return false
	}

	if err := s.store.IncrementLifetimePosts(ctx, critic.ID); err != nil {
		slog.Warn("heartbeat: increment lifetime posts", "critic_id", critic.ID, "error", err)
	}
	metrics.HeartbeatDispatched.Inc()
	return true
}
