package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// InsertCritic creates the critic and its idle agent state atomically.
func (s *PostgresStore) InsertCritic(ctx context.Context, critic Critic) (Critic, error) {
	var created Critic
	err := s.inTx(ctx, "insert critic", func(tx *sql.Tx) error {
		var err error
		created, err = insertCritic(ctx, tx, critic)
		return err
	})
	if err != nil {
		return Critic{}, err
	}
	return created, nil
}

func insertCritic(ctx context.Context, q queryer, critic Critic) (Critic, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO critics AS c (
			id, agent_id, moltbook_agent_id, name, style, focus,
			owner_product_url, owner_product_tagline, points, is_active,
			api_key_id, api_key_hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+criticColumns,
		critic.ID, critic.AgentID, nullString(critic.MoltbookAgentID), critic.Name, critic.Style, critic.Focus,
		critic.OwnerProductURL, critic.OwnerProductTagline, critic.Points, critic.IsActive,
		nullString(critic.APIKeyID), nullString(critic.APIKeyHash),
	)
	created, err := scanCritic(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Critic{}, ErrAgentExists
		}
		return Critic{}, fmt.Errorf("insert critic: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO agent_states (critic_id, status) VALUES ($1, 'idle')
	`, created.ID); err != nil {
		return Critic{}, fmt.Errorf("insert agent state: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetCritic(ctx context.Context, criticID string) (Critic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+criticColumns+` FROM critics c WHERE c.id = $1`, criticID)
	return scanCritic(row)
}

func (s *PostgresStore) GetCriticByAgentID(ctx context.Context, agentID string) (Critic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+criticColumns+` FROM critics c WHERE c.agent_id = $1`, agentID)
	return scanCritic(row)
}

// GetCriticByMoltbookID matches the stored Moltbook id first and falls back to agent_id.
func (s *PostgresStore) GetCriticByMoltbookID(ctx context.Context, moltbookAgentID string) (Critic, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+criticColumns+`
		FROM critics c
		WHERE c.moltbook_agent_id = $1 OR c.agent_id = $1
		ORDER BY (c.moltbook_agent_id = $1) DESC NULLS LAST
		LIMIT 1
	`, moltbookAgentID)
	return scanCritic(row)
}

func (s *PostgresStore) GetCriticByAPIKeyID(ctx context.Context, keyID string) (Critic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+criticColumns+` FROM critics c WHERE c.api_key_id = $1`, keyID)
	return scanCritic(row)
}

func (s *PostgresStore) CountCritics(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM critics`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count critics: %w", err)
	}
	return count, nil
}

// ListActiveCritics returns active critics best rank first.
func (s *PostgresStore) ListActiveCritics(ctx context.Context, limit int) ([]Critic, error) {
	return s.queryCritics(ctx, "list active critics", `
		SELECT `+criticColumns+`
		FROM critics c
		WHERE c.is_active = TRUE
		ORDER BY c.rank ASC, c.created_at ASC
		LIMIT $1
	`, limit)
}

// ListIdleCritics returns active critics whose agent is idle, best rank first.
// Equal ranks go to the least recently dispatched agent.
func (s *PostgresStore) ListIdleCritics(ctx context.Context, limit int) ([]Critic, error) {
	return s.queryCritics(ctx, "list idle critics", `
		SELECT `+criticColumns+`
		FROM critics c
		JOIN agent_states a ON a.critic_id = c.id
		WHERE c.is_active = TRUE AND a.status = 'idle'
		ORDER BY c.rank ASC, a.last_heartbeat ASC NULLS FIRST, c.created_at ASC
		LIMIT $1
	`, limit)
}

// Leaderboard lists active critics by points then wins. An empty style means all styles.
func (s *PostgresStore) Leaderboard(ctx context.Context, style string, limit int) ([]Critic, error) {
	return s.queryCritics(ctx, "leaderboard", `
		SELECT `+criticColumns+`
		FROM critics c
		WHERE c.is_active = TRUE AND ($2 = '' OR c.style = $2)
		ORDER BY c.points DESC, c.wins DESC, c.created_at ASC
		LIMIT $1
	`, limit, style)
}

func (s *PostgresStore) queryCritics(ctx context.Context, op, query string, args ...any) ([]Critic, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	critics := make([]Critic, 0)
	for rows.Next() {
		critic, err := scanCritic(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		critics = append(critics, critic)
	}
	return critics, rows.Err()
}

func (s *PostgresStore) SetCriticMoltbookAgentID(ctx context.Context, criticID, moltbookAgentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE critics SET moltbook_agent_id = $2, updated_at = NOW() WHERE id = $1
	`, criticID, moltbookAgentID)
	if err != nil {
		return fmt.Errorf("set moltbook agent id: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecalculateRanks(ctx context.Context) error {
	return recalculateRanks(ctx, s.db)
}

func recalculateRanks(ctx context.Context, q queryer) error {
	_, err := q.ExecContext(ctx, `
		UPDATE critics c
		SET rank = ranked.position
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY points DESC, wins DESC, created_at ASC) AS position
			FROM critics
			WHERE is_active = TRUE
		) ranked
		WHERE c.id = ranked.id AND c.rank <> ranked.position
	`)
	if err != nil {
		return fmt.Errorf("recalculate ranks: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgentState(ctx context.Context, criticID string) (AgentState, error) {
	var state AgentState
	var heartbeat sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT critic_id, status, last_heartbeat, lifetime_posts, created_at
		FROM agent_states WHERE critic_id = $1
	`, criticID).Scan(&state.CriticID, &state.Status, &heartbeat, &state.LifetimePosts, &state.CreatedAt)
	if err != nil {
		return AgentState{}, err
	}
	state.LastHeartbeat = timePtr(heartbeat)
	return state, nil
}

// SetAgentStatus updates the agent status; a non-nil heartbeat also stamps last_heartbeat.
func (s *PostgresStore) SetAgentStatus(ctx context.Context, criticID, status string, heartbeat *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_states
		SET status = $2, last_heartbeat = COALESCE($3, last_heartbeat)
		WHERE critic_id = $1
	`, criticID, status, nullTime(heartbeat))
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementLifetimePosts(ctx context.Context, criticID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_states SET lifetime_posts = lifetime_posts + 1 WHERE critic_id = $1
	`, criticID)
	if err != nil {
		return fmt.Errorf("increment lifetime posts: %w", err)
	}
	return nil
}

// ListCriticTopVerdicts returns a critic's most voted verdicts.
func (s *PostgresStore) ListCriticTopVerdicts(ctx context.Context, criticID string, limit int) ([]Verdict, error) {
	return s.queryVerdicts(ctx, "list critic top verdicts", `
		SELECT `+verdictColumns+`
		FROM verdicts v
		LEFT JOIN critics c ON c.id = v.critic_id
		WHERE v.critic_id = $1
		ORDER BY v.vote_count DESC, v.created_at DESC
		LIMIT $2
	`, criticID, limit)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
