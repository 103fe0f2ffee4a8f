package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *PostgresStore) InsertFeedbackRequest(ctx context.Context, request FeedbackRequest) (FeedbackRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback_requests (
			id, user_agent_id, content_text, title, category, moltbook_post_id,
			moltbook_agent_id, collection_duration_minutes, collection_ends_at,
			estimated_cost, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'collecting', $11)
		RETURNING `+feedbackRequestColumns,
		request.ID, request.UserAgentID, request.ContentText, request.Title, request.Category, request.MoltbookPostID,
		request.MoltbookAgentID, request.CollectionDurationMinutes, request.CollectionEndsAt,
		request.EstimatedCost, request.CreatedAt,
	)
	created, err := scanFeedbackRequest(row)
	if err != nil {
		return FeedbackRequest{}, fmt.Errorf("insert feedback request: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetFeedbackRequest(ctx context.Context, requestID string) (FeedbackRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackRequestColumns+` FROM feedback_requests WHERE id = $1`, requestID)
	return scanFeedbackRequest(row)
}

// ListOpenFeedbackRequests returns collecting requests whose window is still open at now.
func (s *PostgresStore) ListOpenFeedbackRequests(ctx context.Context, now time.Time) ([]FeedbackRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+feedbackRequestColumns+`
		FROM feedback_requests
		WHERE status = 'collecting' AND collection_ends_at > $1
		ORDER BY created_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list open feedback requests: %w", err)
	}
	defer rows.Close()

	requests := make([]FeedbackRequest, 0)
	for rows.Next() {
		request, err := scanFeedbackRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback request: %w", err)
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// ListFeedbackAgentIDs returns the external agents that already answered a request.
func (s *PostgresStore) ListFeedbackAgentIDs(ctx context.Context, requestID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT moltbook_agent_id FROM feedback_responses WHERE feedback_request_id = $1
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list feedback agents: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan feedback agent: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertFeedbackResponse stores a response; it reports false when the agent already answered.
func (s *PostgresStore) InsertFeedbackResponse(ctx context.Context, response FeedbackResponse) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback_responses (
			id, feedback_request_id, moltbook_agent_id, moltbook_agent_name,
			verdict, score, critique, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (feedback_request_id, moltbook_agent_id) DO NOTHING
		RETURNING id
	`, response.ID, response.FeedbackRequestID, response.MoltbookAgentID, response.MoltbookAgentName,
		response.Verdict, response.Score, response.Critique, response.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert feedback response: %w", err)
	}
	return true, nil
}

// ListFeedbackResponses returns responses newest first.
func (s *PostgresStore) ListFeedbackResponses(ctx context.Context, requestID string) ([]FeedbackResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feedback_request_id, moltbook_agent_id, moltbook_agent_name,
			verdict, score, critique, created_at
		FROM feedback_responses
		WHERE feedback_request_id = $1
		ORDER BY created_at DESC, id DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list feedback responses: %w", err)
	}
	defer rows.Close()

	responses := make([]FeedbackResponse, 0)
	for rows.Next() {
		var r FeedbackResponse
		if err := rows.Scan(&r.ID, &r.FeedbackRequestID, &r.MoltbookAgentID, &r.MoltbookAgentName,
			&r.Verdict, &r.Score, &r.Critique, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback response: %w", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

func (s *PostgresStore) FeedbackStats(ctx context.Context, requestID string) (FeedbackStats, error) {
	var stats FeedbackStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE verdict = 'CLAP'),
			COUNT(*) FILTER (WHERE verdict = 'CRAP'),
			COALESCE(ROUND(AVG(score)::numeric, 2), 0),
			COALESCE(MIN(score), 0),
			COALESCE(MAX(score), 0)
		FROM feedback_responses
		WHERE feedback_request_id = $1
	`, requestID).Scan(&stats.Total, &stats.ClapCount, &stats.CrapCount, &stats.AverageScore, &stats.MinScore, &stats.MaxScore)
	if err != nil {
		return FeedbackStats{}, fmt.Errorf("feedback stats: %w", err)
	}
	return stats, nil
}

// CompleteFeedbackRequest moves a collecting request to completed; false if it already was.
func (s *PostgresStore) CompleteFeedbackRequest(ctx context.Context, requestID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feedback_requests SET status = 'completed' WHERE id = $1 AND status = 'collecting'
	`, requestID)
	if err != nil {
		return false, fmt.Errorf("complete feedback request: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// ExpireFeedbackRequests completes every collecting request whose window lapsed.
func (s *PostgresStore) ExpireFeedbackRequests(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feedback_requests
		SET status = 'completed'
		WHERE status = 'collecting' AND collection_ends_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire feedback requests: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
