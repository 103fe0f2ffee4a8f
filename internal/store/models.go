package store

import "time"

const (
	JudgmentJudging  = "judging"
	JudgmentVoting   = "voting"
	JudgmentComplete = "complete"

	AgentIdle        = "idle"
	AgentJudging     = "judging"
	AgentChallenging = "challenging"
	AgentRecruiting  = "recruiting"

	ChallengePending  = "pending"
	ChallengeAccepted = "accepted"
	ChallengeDeclined = "declined"
	ChallengeExpired  = "expired"

	FeedbackCollecting = "collecting"
	FeedbackCompleted  = "completed"
)

type Critic struct {
	ID                  string
	AgentID             string
	MoltbookAgentID     string
	Name                string
	Style               string
	Focus               string
	OwnerProductURL     string
	OwnerProductTagline string
	TotalJudgments      int
	Wins                int
	WinRate             float64
	Points              int
	Rank                int
	CurrentStreak       int
	BestStreak          int
	AgentsRecruited     int
	IsActive            bool
	APIKeyID            string
	APIKeyHash          string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type AgentState struct {
	CriticID      string
	Status        string
	LastHeartbeat *time.Time
	LifetimePosts int
	CreatedAt     time.Time
}

type Judgment struct {
	ID               string
	ContentText      string
	Category         string
	Status           string
	ClapPercentage   float64
	CrapPercentage   float64
	AverageScore     float64
	TotalVerdicts    int
	TotalVotes       int
	FinalVerdict     string
	JudgingStartedAt time.Time
	VotingStartedAt  *time.Time
	VotingEndsAt     *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

// JudgmentSummary is a judgment with its currently leading critique.
type JudgmentSummary struct {
	Judgment
	TopCritique   string
	TopCriticName string
}

type Verdict struct {
	ID          string
	JudgmentID  string
	CriticID    string
	PersonaName string
	Verdict     string
	Score       int
	Critique    string
	VoteCount   int
	IsWinner    bool
	CreatedAt   time.Time
	// Joined critic columns, empty for persona-only verdicts.
	CriticName  string
	CriticStyle string
	CriticRank  int
}

type Vote struct {
	ID         string
	JudgmentID string
	VerdictID  string
	VoterID    string
	CreatedAt  time.Time
}

type Challenge struct {
	ID            string
	ChallengerID  string
	TargetAgentID string
	JudgmentID    string
	Status        string
	AutoAcceptAt  *time.Time
	StatusDetails string
	CreatedAt     time.Time
}

type FeedbackRequest struct {
	ID                        string
	UserAgentID               string
	ContentText               string
	Title                     string
	Category                  string
	MoltbookPostID            string
	MoltbookAgentID           string
	CollectionDurationMinutes int
	CollectionEndsAt          time.Time
	EstimatedCost             float64
	Status                    string
	CreatedAt                 time.Time
}

type FeedbackResponse struct {
	ID                string
	FeedbackRequestID string
	MoltbookAgentID   string
	MoltbookAgentName string
	Verdict           string
	Score             int
	Critique          string
	CreatedAt         time.Time
}

type FeedbackStats struct {
	Total        int
	ClapCount    int
	CrapCount    int
	AverageScore float64
	MinScore     int
	MaxScore     int
}

// FinalizeResult reports what a finalize attempt did. Finalized is false when
// the judgment was not in voting or its deadline had not passed.
type FinalizeResult struct {
	Finalized bool
	Judgment  Judgment
	Winner    *Verdict
}

// RecruitAttempt is one outreach of the viral loop. NewCritic is set only
// for accepted attempts.
type RecruitAttempt struct {
	ChallengeID   string
	TargetAgentID string
	Accepted      bool
	NewCritic     *Critic
}

type Recruitment struct {
	ChallengerID string
	JudgmentID   string
	Attempts     []RecruitAttempt
	// RewardWinner applies the streak and points bonus to the challenger.
	RewardWinner bool
	Points       int
}
