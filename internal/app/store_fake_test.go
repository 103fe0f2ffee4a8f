package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"claporcrap/api/internal/store"
	"claporcrap/api/internal/verdict"
)

// memStore is an in-memory dataStore with the same status guards as the
// Postgres store.
type memStore struct {
	mu sync.Mutex

	pingErr error

	critics    map[string]*store.Critic
	order      []string
	states     map[string]*store.AgentState
	judgments  map[string]*store.Judgment
	verdicts   map[string][]*store.Verdict
	votes      []store.Vote
	challenges map[string]*store.Challenge
	requests   map[string]*store.FeedbackRequest
	responses  map[string][]store.FeedbackResponse

	recruitments []store.Recruitment
}

func newMemStore() *memStore {
	return &memStore{
		critics:    map[string]*store.Critic{},
		states:     map[string]*store.AgentState{},
		judgments:  map[string]*store.Judgment{},
		verdicts:   map[string][]*store.Verdict{},
		challenges: map[string]*store.Challenge{},
		requests:   map[string]*store.FeedbackRequest{},
		responses:  map[string][]store.FeedbackResponse{},
	}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) insertCriticLocked(critic store.Critic) (store.Critic, error) {
	for _, existing := range m.critics {
		if existing.AgentID == critic.AgentID {
			return store.Critic{}, store.ErrAgentExists
		}
	}
	if critic.CreatedAt.IsZero() {
		critic.CreatedAt = time.Now().UTC().Add(time.Duration(len(m.order)) * time.Millisecond)
	}
	critic.UpdatedAt = critic.CreatedAt
	stored := critic
	m.critics[critic.ID] = &stored
	m.order = append(m.order, critic.ID)
	m.states[critic.ID] = &store.AgentState{CriticID: critic.ID, Status: store.AgentIdle, CreatedAt: critic.CreatedAt}
	return stored, nil
}

func (m *memStore) InsertCritic(_ context.Context, critic store.Critic) (store.Critic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCriticLocked(critic)
}

func (m *memStore) GetCritic(_ context.Context, id string) (store.Critic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	critic, ok := m.critics[id]
	if !ok {
		return store.Critic{}, sql.ErrNoRows
	}
	return *critic, nil
}

func (m *memStore) GetCriticByMoltbookID(_ context.Context, id string) (store.Critic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fallback *store.Critic
	for _, critic := range m.critics {
		if critic.MoltbookAgentID == id {
			return *critic, nil
		}
		if critic.AgentID == id {
			fallback = critic
		}
	}
	if fallback == nil {
		return store.Critic{}, sql.ErrNoRows
	}
	return *fallback, nil
}

func (m *memStore) GetCriticByAPIKeyID(_ context.Context, keyID string) (store.Critic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, critic := range m.critics {
		if critic.APIKeyID != "" && critic.APIKeyID == keyID {
			return *critic, nil
		}
	}
	return store.Critic{}, sql.ErrNoRows
}

func (m *memStore) CountCritics(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.critics), nil
}

func (m *memStore) rankedLocked(filter func(*store.Critic) bool, less func(a, b *store.Critic) bool, limit int) []store.Critic {
	out := make([]*store.Critic, 0)
	for _, id := range m.order {
		critic := m.critics[id]
		if critic.IsActive && (filter == nil || filter(critic)) {
			out = append(out, critic)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	critics := make([]store.Critic, 0, len(out))
	for _, critic := range out {
		critics = append(critics, *critic)
	}
	return critics
}

func byRank(a, b *store.Critic) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func byPoints(a, b *store.Critic) bool {
	if a.Points != b.Points {
		return a.Points > b.Points
	}
	if a.Wins != b.Wins {
		return a.Wins > b.Wins
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *memStore) ListActiveCritics(_ context.Context, limit int) ([]store.Critic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rankedLocked(nil, byRank, limit), nil
}

func (m *memStore) ListIdleCritics(_ context.Context, limit int) ([]store.Critic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rankedLocked(func(c *store.Critic) bool {
		state, ok := m.states[c.ID]
		return ok && state.Status == store.AgentIdle
	}, func(a, b *store.Critic) bool {
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		ha, hb := m.states[a.ID].LastHeartbeat, m.states[b.ID].LastHeartbeat
		switch {
		case ha == nil && hb != nil:
			return true
		case ha != nil && hb == nil:
			return false
		case ha != nil && hb != nil && !ha.Equal(*hb):
			return ha.Before(*hb)
		}
		return byRank(a, b)
	}, limit), nil
}

func (m *memStore) Leaderboard(_ context.Context, style string, limit int) ([]store.Critic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rankedLocked(func(c *store.Critic) bool {
		return style == "" || c.Style == style
	}, byPoints, limit), nil
}

func (m *memStore) SetCriticMoltbookAgentID(_ context.Context, id, moltbookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if critic, ok := m.critics[id]; ok {
		critic.MoltbookAgentID = moltbookID
	}
	return nil
}

func (m *memStore) recalculateRanksLocked() {
	ranked := m.rankedLocked(nil, byPoints, 0)
	for i, critic := range ranked {
		m.critics[critic.ID].Rank = i + 1
	}
}

func (m *memStore) RecalculateRanks(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recalculateRanksLocked()
	return nil
}

func (m *memStore) GetAgentState(_ context.Context, id string) (store.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return store.AgentState{}, sql.ErrNoRows
	}
	return *state, nil
}

func (m *memStore) SetAgentStatus(_ context.Context, id, status string, heartbeat *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return nil
	}
	state.Status = status
	if heartbeat != nil {
		at := *heartbeat
		state.LastHeartbeat = &at
	}
	return nil
}

func (m *memStore) IncrementLifetimePosts(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[id]; ok {
		state.LifetimePosts++
	}
	return nil
}

func (m *memStore) ListCriticTopVerdicts(_ context.Context, id string, limit int) ([]store.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Verdict, 0)
	for _, verdicts := range m.verdicts {
		for _, v := range verdicts {
			if v.CriticID == id {
				out = append(out, m.decorateLocked(*v))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VoteCount != out[j].VoteCount {
			return out[i].VoteCount > out[j].VoteCount
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) InsertJudgment(_ context.Context, judgment store.Judgment) (store.Judgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	judgment.Status = store.JudgmentJudging
	judgment.JudgingStartedAt = judgment.CreatedAt
	stored := judgment
	m.judgments[judgment.ID] = &stored
	return stored, nil
}

func (m *memStore) GetJudgment(_ context.Context, id string) (store.Judgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	judgment, ok := m.judgments[id]
	if !ok {
		return store.Judgment{}, sql.ErrNoRows
	}
	return *judgment, nil
}

func (m *memStore) sortedJudgmentsLocked() []*store.Judgment {
	out := make([]*store.Judgment, 0, len(m.judgments))
	for _, judgment := range m.judgments {
		out = append(out, judgment)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) ListJudgmentsByStatus(_ context.Context, status string, limit int) ([]store.Judgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Judgment, 0)
	for _, judgment := range m.sortedJudgmentsLocked() {
		if judgment.Status == status && len(out) < limit {
			out = append(out, *judgment)
		}
	}
	return out, nil
}

func (m *memStore) ListExpiredVoting(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for _, judgment := range m.sortedJudgmentsLocked() {
		if judgment.Status == store.JudgmentVoting && judgment.VotingEndsAt != nil && !judgment.VotingEndsAt.After(now) && len(ids) < limit {
			ids = append(ids, judgment.ID)
		}
	}
	return ids, nil
}

func (m *memStore) ListRecentJudgments(_ context.Context, limit int) ([]store.JudgmentSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedJudgmentsLocked()
	out := make([]store.JudgmentSummary, 0)
	for i := len(sorted) - 1; i >= 0 && len(out) < limit; i-- {
		summary := store.JudgmentSummary{Judgment: *sorted[i]}
		verdicts := m.orderedVerdictsLocked(sorted[i].ID)
		if len(verdicts) > 0 {
			top := verdicts[0]
			for _, v := range verdicts {
				if v.IsWinner {
					top = v
				}
			}
			summary.TopCritique = top.Critique
			summary.TopCriticName = displayName(top)
		}
		out = append(out, summary)
	}
	return out, nil
}

func (m *memStore) PendingJudgmentForCritic(_ context.Context, criticID string) (store.Judgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, judgment := range m.sortedJudgmentsLocked() {
		if judgment.Status != store.JudgmentJudging {
			continue
		}
		judged := false
		for _, v := range m.verdicts[judgment.ID] {
			if v.CriticID == criticID {
				judged = true
			}
		}
		if !judged {
			return *judgment, nil
		}
	}
	return store.Judgment{}, sql.ErrNoRows
}

func (m *memStore) decorateLocked(v store.Verdict) store.Verdict {
	if critic, ok := m.critics[v.CriticID]; ok {
		v.CriticName = critic.Name
		v.CriticStyle = critic.Style
		v.CriticRank = critic.Rank
	}
	return v
}

func (m *memStore) orderedVerdictsLocked(judgmentID string) []store.Verdict {
	out := make([]store.Verdict, 0, len(m.verdicts[judgmentID]))
	for _, v := range m.verdicts[judgmentID] {
		out = append(out, m.decorateLocked(*v))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VoteCount != out[j].VoteCount {
			return out[i].VoteCount > out[j].VoteCount
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) ListVerdicts(_ context.Context, judgmentID string) ([]store.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderedVerdictsLocked(judgmentID), nil
}

func (m *memStore) RecordVerdicts(_ context.Context, judgmentID string, verdicts []store.Verdict, plan store.VotingPlan) (store.RecordResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	judgment, ok := m.judgments[judgmentID]
	if !ok {
		return store.RecordResult{}, sql.ErrNoRows
	}
	var result store.RecordResult
	if judgment.Status == store.JudgmentComplete {
		result.Judgment = *judgment
		return result, nil
	}

	for _, v := range verdicts {
		duplicate := false
		for _, existing := range m.verdicts[judgmentID] {
			if v.CriticID != "" && existing.CriticID == v.CriticID {
				duplicate = true
			}
		}
		if duplicate {
			continue
		}
		v.JudgmentID = judgmentID
		stored := v
		m.verdicts[judgmentID] = append(m.verdicts[judgmentID], &stored)
		result.Inserted = append(result.Inserted, v)
	}

	entries := make([]verdict.Entry, 0, len(m.verdicts[judgmentID]))
	for _, v := range m.verdicts[judgmentID] {
		entries = append(entries, verdict.Entry{Kind: verdict.Kind(v.Verdict), Score: v.Score})
	}
	agg := verdict.Aggregate(entries)
	judgment.ClapPercentage = agg.ClapPercentage
	judgment.CrapPercentage = agg.CrapPercentage
	judgment.AverageScore = agg.AverageScore
	judgment.TotalVerdicts = agg.TotalVerdicts
	judgment.FinalVerdict = string(agg.FinalVerdict)

	if judgment.Status == store.JudgmentJudging && plan.MinVerdicts > 0 && agg.TotalVerdicts >= plan.MinVerdicts {
		starts, ends := plan.StartsAt, plan.EndsAt
		judgment.Status = store.JudgmentVoting
		judgment.VotingStartedAt = &starts
		judgment.VotingEndsAt = &ends
		result.VotingOpened = true
	}
	result.Judgment = *judgment
	return result, nil
}

func (m *memStore) CastVote(_ context.Context, vote store.Vote) (store.Judgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	judgment, ok := m.judgments[vote.JudgmentID]
	if !ok {
		return store.Judgment{}, sql.ErrNoRows
	}
	switch judgment.Status {
	case store.JudgmentComplete:
		return store.Judgment{}, store.ErrVotingClosed
	case store.JudgmentVoting:
	default:
		return store.Judgment{}, store.ErrVotingNotOpen
	}
	var target *store.Verdict
	for _, v := range m.verdicts[vote.JudgmentID] {
		if v.ID == vote.VerdictID {
			target = v
		}
	}
	if target == nil {
		return store.Judgment{}, sql.ErrNoRows
	}
	target.VoteCount++
	m.votes = append(m.votes, vote)
	judgment.TotalVotes++
	return *judgment, nil
}

func (m *memStore) FinalizeJudgment(_ context.Context, judgmentID string, now time.Time) (store.FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	judgment, ok := m.judgments[judgmentID]
	if !ok || judgment.Status != store.JudgmentVoting || judgment.VotingEndsAt == nil || judgment.VotingEndsAt.After(now) {
		return store.FinalizeResult{}, nil
	}
	completed := now
	judgment.Status = store.JudgmentComplete
	judgment.CompletedAt = &completed

	result := store.FinalizeResult{Finalized: true}
	ordered := m.orderedVerdictsLocked(judgmentID)
	if len(ordered) > 0 {
		for _, v := range m.verdicts[judgmentID] {
			if v.ID == ordered[0].ID {
				v.IsWinner = true
			}
		}
		winner := ordered[0]
		winner.IsWinner = true
		result.Winner = &winner
	}
	for _, v := range m.verdicts[judgmentID] {
		critic, ok := m.critics[v.CriticID]
		if !ok {
			continue
		}
		critic.TotalJudgments++
		if result.Winner != nil && result.Winner.CriticID == critic.ID {
			critic.Wins++
		} else {
			critic.CurrentStreak = 0
		}
		critic.WinRate = verdict.Round2(float64(critic.Wins) * 100 / float64(critic.TotalJudgments))
	}
	m.recalculateRanksLocked()
	result.Judgment = *judgment
	return result, nil
}

func (m *memStore) RecordRecruitment(_ context.Context, recruitment store.Recruitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, attempt := range recruitment.Attempts {
		status := store.ChallengeDeclined
		if attempt.Accepted && attempt.NewCritic != nil {
			if _, err := m.insertCriticLocked(*attempt.NewCritic); err != nil {
				return err
			}
			status = store.ChallengeAccepted
		}
		m.challenges[attempt.ChallengeID] = &store.Challenge{
			ID:            attempt.ChallengeID,
			ChallengerID:  recruitment.ChallengerID,
			TargetAgentID: attempt.TargetAgentID,
			JudgmentID:    recruitment.JudgmentID,
			Status:        status,
		}
	}
	if challenger, ok := m.critics[recruitment.ChallengerID]; ok {
		challenger.AgentsRecruited++
		if recruitment.RewardWinner {
			challenger.CurrentStreak++
			if challenger.CurrentStreak > challenger.BestStreak {
				challenger.BestStreak = challenger.CurrentStreak
			}
			challenger.Points += recruitment.Points
		}
	}
	m.recruitments = append(m.recruitments, recruitment)
	m.recalculateRanksLocked()
	return nil
}

func (m *memStore) InsertPendingChallenges(_ context.Context, challenges []store.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, challenge := range challenges {
		challenge.Status = store.ChallengePending
		stored := challenge
		m.challenges[challenge.ID] = &stored
	}
	return nil
}

func (m *memStore) ListDueChallenges(_ context.Context, now time.Time, limit int) ([]store.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Challenge, 0)
	for _, challenge := range m.challenges {
		if challenge.Status == store.ChallengePending && challenge.AutoAcceptAt != nil && challenge.AutoAcceptAt.Before(now) && len(out) < limit {
			out = append(out, *challenge)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoAcceptAt.Before(*out[j].AutoAcceptAt) })
	return out, nil
}

func (m *memStore) AcceptChallenge(_ context.Context, challengeID string, critic store.Critic) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	challenge, ok := m.challenges[challengeID]
	if !ok || challenge.Status != store.ChallengePending {
		return false, nil
	}
	challenge.Status = store.ChallengeAccepted
	if _, err := m.insertCriticLocked(critic); err != nil && !errors.Is(err, store.ErrAgentExists) {
		return false, err
	}
	return true, nil
}

func (m *memStore) InsertFeedbackRequest(_ context.Context, request store.FeedbackRequest) (store.FeedbackRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request.Status = store.FeedbackCollecting
	stored := request
	m.requests[request.ID] = &stored
	return stored, nil
}

func (m *memStore) GetFeedbackRequest(_ context.Context, id string) (store.FeedbackRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[id]
	if !ok {
		return store.FeedbackRequest{}, sql.ErrNoRows
	}
	return *request, nil
}

func (m *memStore) ListOpenFeedbackRequests(_ context.Context, now time.Time) ([]store.FeedbackRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.FeedbackRequest, 0)
	for _, request := range m.requests {
		if request.Status == store.FeedbackCollecting && request.CollectionEndsAt.After(now) {
			out = append(out, *request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListFeedbackAgentIDs(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.responses[id]))
	for _, response := range m.responses[id] {
		ids = append(ids, response.MoltbookAgentID)
	}
	return ids, nil
}

func (m *memStore) InsertFeedbackResponse(_ context.Context, response store.FeedbackResponse) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.responses[response.FeedbackRequestID] {
		if existing.MoltbookAgentID == response.MoltbookAgentID {
			return false, nil
		}
	}
	m.responses[response.FeedbackRequestID] = append(m.responses[response.FeedbackRequestID], response)
	return true, nil
}

func (m *memStore) ListFeedbackResponses(_ context.Context, id string) ([]store.FeedbackResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.responses[id]
	out := make([]store.FeedbackResponse, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	return out, nil
}

func (m *memStore) FeedbackStats(_ context.Context, id string) (store.FeedbackStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats store.FeedbackStats
	sum := 0
	for i, response := range m.responses[id] {
		stats.Total++
		if strings.EqualFold(response.Verdict, string(verdict.Clap)) {
			stats.ClapCount++
		} else {
			stats.CrapCount++
		}
		sum += response.Score
		if i == 0 || response.Score < stats.MinScore {
			stats.MinScore = response.Score
		}
		if response.Score > stats.MaxScore {
			stats.MaxScore = response.Score
		}
	}
	if stats.Total > 0 {
		stats.AverageScore = verdict.Round2(float64(sum) / float64(stats.Total))
	}
	return stats, nil
}

func (m *memStore) CompleteFeedbackRequest(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[id]
	if !ok || request.Status != store.FeedbackCollecting {
		return false, nil
	}
	request.Status = store.FeedbackCompleted
	return true, nil
}

func (m *memStore) ExpireFeedbackRequests(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for _, request := range m.requests {
		if request.Status == store.FeedbackCollecting && !request.CollectionEndsAt.After(now) {
			request.Status = store.FeedbackCompleted
			expired++
		}
	}
	return expired, nil
}

func (m *memStore) challengesByStatus(status string) []store.Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Challenge, 0)
	for _, challenge := range m.challenges {
		if challenge.Status == status {
			out = append(out, *challenge)
		}
	}
	return out
}

func (m *memStore) judgment(id string) store.Judgment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.judgments[id]
}
