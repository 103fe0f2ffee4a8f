package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over judgments and verdicts using plainto_tsquery
// and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	categoryFilter := ""
	if q.Category != "" {
		categoryFilter = " AND j.category = $2"
		args = append(args, q.Category)
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultJudgment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'judgment'::text AS type, j.id::text AS id, j.id::text AS judgment_id,
				j.category AS title,
				ts_headline('english', j.content_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				j.category, coalesce(j.final_verdict, '') AS final_verdict,
				ts_rank(j.fts, %s) AS rank
			FROM judgments j
			WHERE j.fts @@ %s%s`, tsQuery, tsQuery, tsQuery, categoryFilter))
	}
	if q.FilterType == "" || q.FilterType == ResultVerdict {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'verdict'::text AS type, v.id::text AS id, v.judgment_id::text AS judgment_id,
				coalesce(c.name, v.persona_name, '') AS title,
				ts_headline('english', v.critique, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				j.category, v.verdict AS final_verdict,
				ts_rank(v.fts, %s) AS rank
			FROM verdicts v
			JOIN judgments j ON j.id = v.judgment_id
			LEFT JOIN critics c ON c.id = v.critic_id
			WHERE v.fts @@ %s%s`, tsQuery, tsQuery, tsQuery, categoryFilter))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, judgment_id, title, snippet, category, final_verdict
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.JudgmentID, &r.Title, &r.Snippet, &r.Category, &r.FinalVerdict); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]JudgmentRecord, []VerdictRecord, error) {
	judgmentRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, content_text, category, status, coalesce(final_verdict, ''),
			(extract(epoch FROM created_at))::bigint
		FROM judgments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load judgments: %w", err)
	}
	defer judgmentRows.Close()

	judgments := make([]JudgmentRecord, 0)
	for judgmentRows.Next() {
		var j JudgmentRecord
		if err := judgmentRows.Scan(&j.ID, &j.Content, &j.Category, &j.Status, &j.FinalVerdict, &j.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan judgment: %w", err)
		}
		judgments = append(judgments, j)
	}
	if err := judgmentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate judgments: %w", err)
	}

	verdictRows, err := p.db.QueryContext(ctx, `
		SELECT v.id::text, v.judgment_id::text, coalesce(c.name, v.persona_name, ''),
			v.verdict, v.score, v.critique, j.category
		FROM verdicts v
		JOIN judgments j ON j.id = v.judgment_id
		LEFT JOIN critics c ON c.id = v.critic_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load verdicts: %w", err)
	}
	defer verdictRows.Close()

	verdicts := make([]VerdictRecord, 0)
	for verdictRows.Next() {
		var v VerdictRecord
		if err := verdictRows.Scan(&v.ID, &v.JudgmentID, &v.CriticName, &v.Verdict, &v.Score, &v.Critique, &v.Category); err != nil {
			return nil, nil, fmt.Errorf("scan verdict: %w", err)
		}
		verdicts = append(verdicts, v)
	}
	if err := verdictRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate verdicts: %w", err)
	}
	return judgments, verdicts, nil
}
