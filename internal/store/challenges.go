package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecordRecruitment persists one viral loop run: every attempt's challenge,
// the critics created by accepted attempts and the challenger's rewards.
func (s *PostgresStore) RecordRecruitment(ctx context.Context, recruitment Recruitment) error {
	return s.inTx(ctx, "record recruitment", func(tx *sql.Tx) error {
		for _, attempt := range recruitment.Attempts {
			status := ChallengeDeclined
			details := map[string]any{"reason": "declined"}
			if attempt.Accepted && attempt.NewCritic != nil {
				created, err := insertCritic(ctx, tx, *attempt.NewCritic)
				if err != nil {
					return err
				}
				status = ChallengeAccepted
				details = map[string]any{"new_critic_id": created.ID, "new_critic_name": created.Name}
			}
			if err := insertChallenge(ctx, tx, Challenge{
				ID:            attempt.ChallengeID,
				ChallengerID:  recruitment.ChallengerID,
				TargetAgentID: attempt.TargetAgentID,
				JudgmentID:    recruitment.JudgmentID,
				Status:        status,
			}, details); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE critics SET agents_recruited = agents_recruited + 1, updated_at = NOW() WHERE id = $1
		`, recruitment.ChallengerID); err != nil {
			return fmt.Errorf("increment recruited: %w", err)
		}

		if recruitment.RewardWinner {
			if _, err := tx.ExecContext(ctx, `
				UPDATE critics
				SET current_streak = current_streak + 1,
					best_streak = GREATEST(best_streak, current_streak + 1),
					points = points + $2,
					updated_at = NOW()
				WHERE id = $1
			`, recruitment.ChallengerID, recruitment.Points); err != nil {
				return fmt.Errorf("reward winner: %w", err)
			}
		}
		return recalculateRanks(ctx, tx)
	})
}

func insertChallenge(ctx context.Context, q queryer, challenge Challenge, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode challenge details: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO challenges (id, challenger_id, target_agent_id, judgment_id, status, auto_accept_at, status_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, challenge.ID, challenge.ChallengerID, challenge.TargetAgentID, nullString(challenge.JudgmentID),
		challenge.Status, nullTime(challenge.AutoAcceptAt), string(payload))
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// InsertPendingChallenges stores explicitly issued challenges in one transaction.
func (s *PostgresStore) InsertPendingChallenges(ctx context.Context, challenges []Challenge) error {
	return s.inTx(ctx, "insert challenges", func(tx *sql.Tx) error {
		for _, challenge := range challenges {
			challenge.Status = ChallengePending
			if err := insertChallenge(ctx, tx, challenge, map[string]any{"source": "issued"}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDueChallenges returns pending challenges whose auto-accept time has passed.
func (s *PostgresStore) ListDueChallenges(ctx context.Context, now time.Time, limit int) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE status = 'pending' AND auto_accept_at < $1
		ORDER BY auto_accept_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due challenges: %w", err)
	}
	defer rows.Close()

	challenges := make([]Challenge, 0)
	for rows.Next() {
		challenge, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		challenges = append(challenges, challenge)
	}
	return challenges, rows.Err()
}

// AcceptChallenge flips a pending challenge to accepted and registers the
// target as a critic. It reports false when the challenge was no longer
// pending. An already registered target is left untouched.
func (s *PostgresStore) AcceptChallenge(ctx context.Context, challengeID string, critic Critic) (bool, error) {
	accepted := false
	err := s.inTx(ctx, "accept challenge", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE challenges
			SET status = 'accepted', status_details = status_details || '{"auto_accepted": true}'::jsonb
			WHERE id = $1 AND status = 'pending'
		`, challengeID)
		if err != nil {
			return fmt.Errorf("accept challenge: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil
		}
		accepted = true

		_, err = insertCritic(ctx, tx, critic)
		if errors.Is(err, ErrAgentExists) {
			// the unique violation aborted this transaction
			return errAgentAlreadyRegistered
		}
		return err
	})
	if errors.Is(err, errAgentAlreadyRegistered) {
		return s.acceptChallengeOnly(ctx, challengeID)
	}
	if err != nil {
		return false, err
	}
	return accepted, nil
}

var errAgentAlreadyRegistered = errors.New("challenge target already registered")

func (s *PostgresStore) acceptChallengeOnly(ctx context.Context, challengeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges
		SET status = 'accepted', status_details = status_details || '{"already_registered": true}'::jsonb
		WHERE id = $1 AND status = 'pending'
	`, challengeID)
	if err != nil {
		return false, fmt.Errorf("accept challenge: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}
