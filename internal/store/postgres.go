package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrVotingClosed is returned when a vote targets a completed judgment.
var ErrVotingClosed = errors.New("voting closed")

// ErrVotingNotOpen is returned when a vote targets a judgment still collecting verdicts.
var ErrVotingNotOpen = errors.New("voting not open")

// ErrAgentExists is returned when a critic with the same agent id is already registered.
var ErrAgentExists = errors.New("agent already registered")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const criticColumns = `
	c.id, c.agent_id, c.moltbook_agent_id, c.name, c.style, c.focus,
	c.owner_product_url, c.owner_product_tagline, c.total_judgments, c.wins,
	c.win_rate, c.points, c.rank, c.current_streak, c.best_streak,
	c.agents_recruited, c.is_active, c.api_key_id, c.api_key_hash,
	c.created_at, c.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCritic(row rowScanner) (Critic, error) {
	var c Critic
	var moltbookID, keyID, keyHash sql.NullString
	err := row.Scan(
		&c.ID, &c.AgentID, &moltbookID, &c.Name, &c.Style, &c.Focus,
		&c.OwnerProductURL, &c.OwnerProductTagline, &c.TotalJudgments, &c.Wins,
		&c.WinRate, &c.Points, &c.Rank, &c.CurrentStreak, &c.BestStreak,
		&c.AgentsRecruited, &c.IsActive, &keyID, &keyHash,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Critic{}, err
	}
	c.MoltbookAgentID = moltbookID.String
	c.APIKeyID = keyID.String
	c.APIKeyHash = keyHash.String
	return c, nil
}

const judgmentColumns = `
	j.id, j.content_text, j.category, j.status, j.clap_percentage,
	j.crap_percentage, j.average_score, j.total_verdicts, j.total_votes,
	j.final_verdict, j.judging_started_at, j.voting_started_at,
	j.voting_ends_at, j.completed_at, j.created_at`

func scanJudgment(row rowScanner, extra ...any) (Judgment, error) {
	var j Judgment
	var finalVerdict sql.NullString
	var votingStarted, votingEnds, completed sql.NullTime
	dest := []any{
		&j.ID, &j.ContentText, &j.Category, &j.Status, &j.ClapPercentage,
		&j.CrapPercentage, &j.AverageScore, &j.TotalVerdicts, &j.TotalVotes,
		&finalVerdict, &j.JudgingStartedAt, &votingStarted,
		&votingEnds, &completed, &j.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Judgment{}, err
	}
	j.FinalVerdict = finalVerdict.String
	j.VotingStartedAt = timePtr(votingStarted)
	j.VotingEndsAt = timePtr(votingEnds)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

const verdictColumns = `
	v.id, v.judgment_id, v.critic_id, v.persona_name, v.verdict, v.score,
	v.critique, v.vote_count, v.is_winner, v.created_at,
	COALESCE(c.name, ''), COALESCE(c.style, ''), COALESCE(c.rank, 0)`

func scanVerdict(row rowScanner) (Verdict, error) {
	var v Verdict
	var criticID sql.NullString
	err := row.Scan(
		&v.ID, &v.JudgmentID, &criticID, &v.PersonaName, &v.Verdict, &v.Score,
		&v.Critique, &v.VoteCount, &v.IsWinner, &v.CreatedAt,
		&v.CriticName, &v.CriticStyle, &v.CriticRank,
	)
	if err != nil {
		return Verdict{}, err
	}
	v.CriticID = criticID.String
	return v, nil
}

const challengeColumns = `
	id, challenger_id, target_agent_id, judgment_id, status, auto_accept_at,
	status_details::text, created_at`

func scanChallenge(row rowScanner) (Challenge, error) {
	var ch Challenge
	var judgmentID sql.NullString
	var autoAccept sql.NullTime
	err := row.Scan(
		&ch.ID, &ch.ChallengerID, &ch.TargetAgentID, &judgmentID, &ch.Status,
		&autoAccept, &ch.StatusDetails, &ch.CreatedAt,
	)
	if err != nil {
		return Challenge{}, err
	}
	ch.JudgmentID = judgmentID.String
	ch.AutoAcceptAt = timePtr(autoAccept)
	return ch, nil
}

const feedbackRequestColumns = `
	id, user_agent_id, content_text, title, category, moltbook_post_id,
	moltbook_agent_id, collection_duration_minutes, collection_ends_at,
	estimated_cost, status, created_at`

func scanFeedbackRequest(row rowScanner) (FeedbackRequest, error) {
	var r FeedbackRequest
	err := row.Scan(
		&r.ID, &r.UserAgentID, &r.ContentText, &r.Title, &r.Category, &r.MoltbookPostID,
		&r.MoltbookAgentID, &r.CollectionDurationMinutes, &r.CollectionEndsAt,
		&r.EstimatedCost, &r.Status, &r.CreatedAt,
	)
	return r, err
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
