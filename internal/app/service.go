package app

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"claporcrap/api/internal/archive"
	"claporcrap/api/internal/config"
	"claporcrap/api/internal/critique"
	"claporcrap/api/internal/lease"
	"claporcrap/api/internal/moltbook"
	"claporcrap/api/internal/personas"
	"claporcrap/api/internal/pricing"
	"claporcrap/api/internal/search"
	"claporcrap/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error

	InsertCritic(context.Context, store.Critic) (store.Critic, error)
	GetCritic(context.Context, string) (store.Critic, error)
	GetCriticByMoltbookID(context.Context, string) (store.Critic, error)
	GetCriticByAPIKeyID(context.Context, string) (store.Critic, error)
	CountCritics(context.Context) (int, error)
	ListActiveCritics(context.Context, int) ([]store.Critic, error)
	ListIdleCritics(context.Context, int) ([]store.Critic, error)
	Leaderboard(context.Context, string, int) ([]store.Critic, error)
	SetCriticMoltbookAgentID(context.Context, string, string) error
	RecalculateRanks(context.Context) error
	GetAgentState(context.Context, string) (store.AgentState, error)
	SetAgentStatus(context.Context, string, string, *time.Time) error
	IncrementLifetimePosts(context.Context, string) error
	ListCriticTopVerdicts(context.Context, string, int) ([]store.Verdict, error)

	InsertJudgment(context.Context, store.Judgment) (store.Judgment, error)
	GetJudgment(context.Context, string) (store.Judgment, error)
	ListJudgmentsByStatus(context.Context, string, int) ([]store.Judgment, error)
	ListExpiredVoting(context.Context, time.Time, int) ([]string, error)
	ListRecentJudgments(context.Context, int) ([]store.JudgmentSummary, error)
	PendingJudgmentForCritic(context.Context, string) (store.Judgment, error)
	ListVerdicts(context.Context, string) ([]store.Verdict, error)
	RecordVerdicts(context.Context, string, []store.Verdict, store.VotingPlan) (store.RecordResult, error)
	CastVote(context.Context, store.Vote) (store.Judgment, error)
	FinalizeJudgment(context.Context, string, time.Time) (store.FinalizeResult, error)

	RecordRecruitment(context.Context, store.Recruitment) error
	InsertPendingChallenges(context.Context, []store.Challenge) error
	ListDueChallenges(context.Context, time.Time, int) ([]store.Challenge, error)
	AcceptChallenge(context.Context, string, store.Critic) (bool, error)

	InsertFeedbackRequest(context.Context, store.FeedbackRequest) (store.FeedbackRequest, error)
	GetFeedbackRequest(context.Context, string) (store.FeedbackRequest, error)
	ListOpenFeedbackRequests(context.Context, time.Time) ([]store.FeedbackRequest, error)
	ListFeedbackAgentIDs(context.Context, string) ([]string, error)
	InsertFeedbackResponse(context.Context, store.FeedbackResponse) (bool, error)
	ListFeedbackResponses(context.Context, string) ([]store.FeedbackResponse, error)
	FeedbackStats(context.Context, string) (store.FeedbackStats, error)
	CompleteFeedbackRequest(context.Context, string) (bool, error)
	ExpireFeedbackRequests(context.Context, time.Time) (int, error)
}

type critiqueGenerator interface {
	Critique(ctx context.Context, content string, persona critique.Persona, category string) critique.Result
	Batch(ctx context.Context, content string, personas []critique.Persona, category string) []critique.Result
}

type feedbackGateway interface {
	Configured() bool
	RegisterAgent(ctx context.Context, name, description string) (moltbook.Agent, error)
	PostContent(ctx context.Context, agentID, content, title, category string) (moltbook.Post, error)
	PollResponses(ctx context.Context, postID string) []moltbook.Response
}

type judgmentIndex interface {
	IndexJudgment(search.JudgmentRecord, []search.VerdictRecord)
	Search(context.Context, search.Query) search.Response
}

type judgmentArchive interface {
	ArchiveJudgment(context.Context, archive.Snapshot) error
}

type sweepLease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, token string) error
}

// Deps carries the optional collaborators of a Service. Nil entries are
// replaced by degraded defaults: fallback critiques, an unconfigured Moltbook
// client, no search index, no archive and local sweeps.
type Deps struct {
	Generator *critique.Generator
	Moltbook  *moltbook.Client
	Search    *search.Service
	Archive   *archive.Archiver
	Lease     *lease.RedisLease
	Personas  []critique.Persona
}

type Service struct {
	cfg      config.Config
	store    dataStore
	critic   critiqueGenerator
	moltbook feedbackGateway
	search   judgmentIndex
	archive  judgmentArchive
	lease    sweepLease
	personas []critique.Persona
	pricing  pricing.Config
	now      func() time.Time

	randMu sync.Mutex
	rng    *rand.Rand

	background sync.WaitGroup
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		personas: deps.Personas,
		pricing: pricing.Config{
			BaseCost:           cfg.PricingBaseCost,
			PerResponseCost:    cfg.PricingPerResponseCost,
			ResponsesPerMinute: cfg.PricingResponsesPerMinute,
		},
		now: time.Now,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
	}
	if deps.Generator != nil {
		s.critic = deps.Generator
	} else {
		s.critic = critique.NewGenerator(nil, 0)
	}
	if deps.Moltbook != nil {
		s.moltbook = deps.Moltbook
	} else {
		s.moltbook = moltbook.NewClient(cfg.MoltbookAPIURL, "")
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Archive != nil {
		s.archive = deps.Archive
	}
	if deps.Lease != nil {
		s.lease = deps.Lease
	}
	if len(s.personas) == 0 {
		s.personas = personas.Default()
	}
	return s
}

// Bootstrap seeds the default persona panel when no critic exists yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountCritics(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	created, err := s.SeedCritics(ctx, len(s.personas))
	if err != nil {
		return err
	}
	slog.Info("bootstrap: seeded critics", "count", created)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until detached background work (verdict batches, post-finalize
// side effects) has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

func (s *Service) chance() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rng.Float64()
}

func (s *Service) pick(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rng.IntN(n)
}

func (s *Service) fallbackPersonas() []critique.Persona {
	return personas.Fallback(s.personas)
}

func (s *Service) votingWindow() time.Duration {
	if s.cfg.VotingWindow > 0 {
		return s.cfg.VotingWindow
	}
	return 15 * time.Minute
}

func (s *Service) requiredVerdicts() int {
	if s.cfg.RequiredVerdicts > 0 {
		return s.cfg.RequiredVerdicts
	}
	return 5
}

func (s *Service) criticBatchSize() int {
	if s.cfg.CriticBatchSize > 0 {
		return s.cfg.CriticBatchSize
	}
	return 10
}

func (s *Service) heartbeatBatch() int {
	if s.cfg.HeartbeatBatch > 0 {
		return s.cfg.HeartbeatBatch
	}
	return 5
}

func (s *Service) challengeAutoAccept() time.Duration {
	if s.cfg.ChallengeAutoAccept > 0 {
		return s.cfg.ChallengeAutoAccept
	}
	return 4 * time.Hour
}
