package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgSearch implements Searcher directly against the proposals table, used
// when Meilisearch is unconfigured or unhealthy.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search runs a case-insensitive substring match over title and description.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
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

	pattern := "%" + q.Text + "%"
	where := "(title ILIKE $1 OR description ILIKE $1)"
	args := []any{pattern}
	argN := 2
	if q.FilterOrgID != "" {
		where += fmt.Sprintf(" AND org_id = $%d", argN)
		args = append(args, q.FilterOrgID)
		argN++
	}
	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, q.FilterStatus)
		argN++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var total int
	countQuery := "SELECT COUNT(*) FROM proposals WHERE " + where
	if err := p.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count proposals: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, org_id, title, LEFT(description, 200), category, status
		FROM proposals
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, argN, argN+1)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search proposals: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Title, &r.Snippet, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every proposal for reindexing into Meilisearch.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]ProposalRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT id, org_id, title, description, category, status FROM proposals")
	if err != nil {
		return nil, fmt.Errorf("load proposals: %w", err)
	}
	defer rows.Close()

	var records []ProposalRecord
	for rows.Next() {
		var r ProposalRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Title, &r.Description, &r.Category, &r.Status); err != nil {
			return nil, fmt.Errorf("scan proposal record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
