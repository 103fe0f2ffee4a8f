package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"claporcrap/api/internal/verdict"
)

// VotingPlan tells RecordVerdicts when to open voting: once the judgment has
// at least MinVerdicts verdicts. A zero MinVerdicts never opens voting.
type VotingPlan struct {
	MinVerdicts int
	StartsAt    time.Time
	EndsAt      time.Time
}

type RecordResult struct {
	Inserted     []Verdict
	Judgment     Judgment
	VotingOpened bool
}

func (s *PostgresStore) InsertJudgment(ctx context.Context, judgment Judgment) (Judgment, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO judgments AS j (id, content_text, category, status, judging_started_at, created_at)
		VALUES ($1, $2, $3, 'judging', $4, $4)
		RETURNING `+judgmentColumns,
		judgment.ID, judgment.ContentText, judgment.Category, judgment.CreatedAt,
	)
	created, err := scanJudgment(row)
	if err != nil {
		return Judgment{}, fmt.Errorf("insert judgment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetJudgment(ctx context.Context, judgmentID string) (Judgment, error) {
	return getJudgment(ctx, s.db, judgmentID)
}

func getJudgment(ctx context.Context, q queryer, judgmentID string) (Judgment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+judgmentColumns+` FROM judgments j WHERE j.id = $1`, judgmentID)
	return scanJudgment(row)
}

// ListJudgmentsByStatus returns judgments in the given status, oldest first.
func (s *PostgresStore) ListJudgmentsByStatus(ctx context.Context, status string, limit int) ([]Judgment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+judgmentColumns+`
		FROM judgments j
		WHERE j.status = $1
		ORDER BY j.created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list judgments by status: %w", err)
	}
	defer rows.Close()

	judgments := make([]Judgment, 0)
	for rows.Next() {
		judgment, err := scanJudgment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan judgment: %w", err)
		}
		judgments = append(judgments, judgment)
	}
	return judgments, rows.Err()
}

// ListExpiredVoting returns ids of judgments whose voting deadline has passed.
func (s *PostgresStore) ListExpiredVoting(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM judgments
		WHERE status = 'voting' AND voting_ends_at <= $1
		ORDER BY voting_ends_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired voting: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired voting: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRecentJudgments returns the newest judgments with their leading critique.
func (s *PostgresStore) ListRecentJudgments(ctx context.Context, limit int) ([]JudgmentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+judgmentColumns+`, COALESCE(top.critique, ''), COALESCE(top.critic_name, '')
		FROM judgments j
		LEFT JOIN LATERAL (
			SELECT v.critique, COALESCE(c.name, v.persona_name) AS critic_name
			FROM verdicts v
			LEFT JOIN critics c ON c.id = v.critic_id
			WHERE v.judgment_id = j.id
			ORDER BY v.is_winner DESC, v.vote_count DESC, v.created_at ASC
			LIMIT 1
		) top ON TRUE
		ORDER BY j.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent judgments: %w", err)
	}
	defer rows.Close()

	summaries := make([]JudgmentSummary, 0)
	for rows.Next() {
		var summary JudgmentSummary
		judgment, err := scanJudgment(rows, &summary.TopCritique, &summary.TopCriticName)
		if err != nil {
			return nil, fmt.Errorf("scan recent judgment: %w", err)
		}
		summary.Judgment = judgment
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// PendingJudgmentForCritic returns the oldest judging judgment the critic has not judged yet.
func (s *PostgresStore) PendingJudgmentForCritic(ctx context.Context, criticID string) (Judgment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+judgmentColumns+`
		FROM judgments j
		WHERE j.status = 'judging'
			AND NOT EXISTS (
				SELECT 1 FROM verdicts v WHERE v.judgment_id = j.id AND v.critic_id = $1
			)
		ORDER BY j.created_at ASC
		LIMIT 1
	`, criticID)
	return scanJudgment(row)
}

func (s *PostgresStore) ListVerdicts(ctx context.Context, judgmentID string) ([]Verdict, error) {
	return s.queryVerdicts(ctx, "list verdicts", `
		SELECT `+verdictColumns+`
		FROM verdicts v
		LEFT JOIN critics c ON c.id = v.critic_id
		WHERE v.judgment_id = $1
		ORDER BY v.vote_count DESC, v.created_at ASC, v.id ASC
	`, judgmentID)
}

func (s *PostgresStore) queryVerdicts(ctx context.Context, op, query string, args ...any) ([]Verdict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	verdicts := make([]Verdict, 0)
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, rows.Err()
}

// RecordVerdicts inserts verdicts, skipping any critic that already judged
// this judgment, recomputes the aggregates and opens voting per plan. The
// judgment row is locked for the duration so concurrent recorders serialize.
func (s *PostgresStore) RecordVerdicts(ctx context.Context, judgmentID string, verdicts []Verdict, plan VotingPlan) (RecordResult, error) {
	var result RecordResult
	err := s.inTx(ctx, "record verdicts", func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM judgments WHERE id = $1 FOR UPDATE`, judgmentID).Scan(&status); err != nil {
			return err
		}
		if status == JudgmentComplete {
			judgment, err := getJudgment(ctx, tx, judgmentID)
			result.Judgment = judgment
			return err
		}

		for _, v := range verdicts {
			var id string
			var createdAt time.Time
			err := tx.QueryRowContext(ctx, `
				INSERT INTO verdicts (id, judgment_id, critic_id, persona_name, verdict, score, critique, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (judgment_id, critic_id) WHERE critic_id IS NOT NULL DO NOTHING
				RETURNING id, created_at
			`, v.ID, judgmentID, nullString(v.CriticID), v.PersonaName, v.Verdict, v.Score, v.Critique, v.CreatedAt).Scan(&id, &createdAt)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert verdict: %w", err)
			}
			v.ID = id
			v.JudgmentID = judgmentID
			v.CreatedAt = createdAt
			result.Inserted = append(result.Inserted, v)
		}

		agg, err := aggregateVerdicts(ctx, tx, judgmentID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE judgments
			SET clap_percentage = $2, crap_percentage = $3, average_score = $4,
				total_verdicts = $5, final_verdict = $6
			WHERE id = $1
		`, judgmentID, agg.ClapPercentage, agg.CrapPercentage, agg.AverageScore,
			agg.TotalVerdicts, nullString(string(agg.FinalVerdict))); err != nil {
			return fmt.Errorf("update judgment aggregates: %w", err)
		}

		if status == JudgmentJudging && plan.MinVerdicts > 0 && agg.TotalVerdicts >= plan.MinVerdicts {
			res, err := tx.ExecContext(ctx, `
				UPDATE judgments
				SET status = 'voting', voting_started_at = $2, voting_ends_at = $3
				WHERE id = $1 AND status = 'judging'
			`, judgmentID, plan.StartsAt, plan.EndsAt)
			if err != nil {
				return fmt.Errorf("open voting: %w", err)
			}
			affected, _ := res.RowsAffected()
			result.VotingOpened = affected == 1
		}

		judgment, err := getJudgment(ctx, tx, judgmentID)
		if err != nil {
			return fmt.Errorf("reload judgment: %w", err)
		}
		result.Judgment = judgment
		return nil
	})
	if err != nil {
		return RecordResult{}, err
	}
	return result, nil
}

func aggregateVerdicts(ctx context.Context, q queryer, judgmentID string) (verdict.Aggregates, error) {
	rows, err := q.QueryContext(ctx, `SELECT verdict, score FROM verdicts WHERE judgment_id = $1`, judgmentID)
	if err != nil {
		return verdict.Aggregates{}, fmt.Errorf("load verdict scores: %w", err)
	}
	defer rows.Close()

	entries := make([]verdict.Entry, 0)
	for rows.Next() {
		var kind string
		var score int
		if err := rows.Scan(&kind, &score); err != nil {
			return verdict.Aggregates{}, fmt.Errorf("scan verdict score: %w", err)
		}
		entries = append(entries, verdict.Entry{Kind: verdict.Kind(kind), Score: score})
	}
	if err := rows.Err(); err != nil {
		return verdict.Aggregates{}, err
	}
	return verdict.Aggregate(entries), nil
}

// CastVote records the vote and bumps the counters in one transaction.
// It returns ErrVotingClosed for completed judgments, ErrVotingNotOpen while
// verdicts are still being collected and sql.ErrNoRows when the verdict does
// not belong to the judgment.
func (s *PostgresStore) CastVote(ctx context.Context, vote Vote) (Judgment, error) {
	var judgment Judgment
	err := s.inTx(ctx, "cast vote", func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM judgments WHERE id = $1 FOR UPDATE`, vote.JudgmentID).Scan(&status); err != nil {
			return err
		}
		switch status {
		case JudgmentComplete:
			return ErrVotingClosed
		case JudgmentVoting:
		default:
			return ErrVotingNotOpen
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE verdicts SET vote_count = vote_count + 1 WHERE id = $1 AND judgment_id = $2
		`, vote.VerdictID, vote.JudgmentID)
		if err != nil {
			return fmt.Errorf("increment verdict votes: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO votes (id, judgment_id, verdict_id, voter_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, vote.ID, vote.JudgmentID, vote.VerdictID, vote.VoterID, vote.CreatedAt); err != nil {
			return fmt.Errorf("insert vote: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE judgments
			SET total_votes = (SELECT COUNT(*) FROM votes WHERE judgment_id = $1)
			WHERE id = $1
		`, vote.JudgmentID); err != nil {
			return fmt.Errorf("update total votes: %w", err)
		}

		judgment, err = getJudgment(ctx, tx, vote.JudgmentID)
		return err
	})
	if err != nil {
		return Judgment{}, err
	}
	return judgment, nil
}

// FinalizeJudgment completes a voting judgment whose deadline has passed.
// The status-guarded update makes repeated or concurrent calls no-ops.
func (s *PostgresStore) FinalizeJudgment(ctx context.Context, judgmentID string, now time.Time) (FinalizeResult, error) {
	var result FinalizeResult
	err := s.inTx(ctx, "finalize judgment", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE judgments AS j
			SET status = 'complete', completed_at = $2
			WHERE j.id = $1 AND j.status = 'voting' AND j.voting_ends_at <= $2
			RETURNING `+judgmentColumns,
			judgmentID, now,
		)
		judgment, err := scanJudgment(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete judgment: %w", err)
		}
		result.Finalized = true
		result.Judgment = judgment

		var winnerID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM verdicts
			WHERE judgment_id = $1
			ORDER BY vote_count DESC, created_at ASC, id ASC
			LIMIT 1
		`, judgmentID).Scan(&winnerID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("select winner: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE verdicts SET is_winner = TRUE WHERE id = $1`, winnerID); err != nil {
				return fmt.Errorf("mark winner: %w", err)
			}
			winner, err := scanVerdict(tx.QueryRowContext(ctx, `
				SELECT `+verdictColumns+`
				FROM verdicts v
				LEFT JOIN critics c ON c.id = v.critic_id
				WHERE v.id = $1
			`, winnerID))
			if err != nil {
				return fmt.Errorf("load winner: %w", err)
			}
			result.Winner = &winner
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE critics
			SET total_judgments = total_judgments + 1, updated_at = $2
			WHERE id IN (SELECT critic_id FROM verdicts WHERE judgment_id = $1 AND critic_id IS NOT NULL)
		`, judgmentID, now); err != nil {
			return fmt.Errorf("update critic judgments: %w", err)
		}

		winnerCritic := ""
		if result.Winner != nil {
			winnerCritic = result.Winner.CriticID
		}
		if winnerCritic != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE critics SET wins = wins + 1 WHERE id = $1`, winnerCritic); err != nil {
				return fmt.Errorf("update critic wins: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE critics
			SET win_rate = CASE WHEN total_judgments > 0 THEN ROUND(wins * 100.0 / total_judgments, 2) ELSE 0 END,
				current_streak = CASE WHEN id::text = $2 THEN current_streak ELSE 0 END
			WHERE id IN (SELECT critic_id FROM verdicts WHERE judgment_id = $1 AND critic_id IS NOT NULL)
		`, judgmentID, winnerCritic); err != nil {
			return fmt.Errorf("update critic win rates: %w", err)
		}

		return recalculateRanks(ctx, tx)
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	return result, nil
}
