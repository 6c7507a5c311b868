package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PGSearch is the Postgres fallback searcher: a trigram-friendly ILIKE scan
// over live issue rows. Always "healthy" - it reads the source of truth.
type PGSearch struct {
	db *sql.DB
}

func NewPGSearch(db *sql.DB) *PGSearch {
	return &PGSearch{db: db}
}

func (p *PGSearch) Healthy() bool {
	return true
}

func (p *PGSearch) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	pattern := "%" + strings.TrimSpace(q.Text) + "%"
	args := []any{pattern}
	where := `i.is_active AND (i.title ILIKE $1 OR i.description ILIKE $1)`
	if q.FilterProjectID != "" {
		args = append(args, q.FilterProjectID)
		where += fmt.Sprintf(" AND i.project_id = $%d", len(args))
	}
	if q.FilterStatus != "" {
		args = append(args, q.FilterStatus)
		where += fmt.Sprintf(" AND i.status = $%d", len(args))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM issues i WHERE ` + where
	if err := p.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issue matches: %w", err)
	}

	args = append(args, limit, q.Offset)
	query := `
		SELECT i.id, i.title, LEFT(i.description, 160), i.status, i.project_id, i.column_id
		FROM issues i
		WHERE ` + where + fmt.Sprintf(`
		ORDER BY i.updated_at DESC, i.id
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search issues: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Status, &r.ProjectID, &r.ColumnID); err != nil {
			return nil, 0, fmt.Errorf("scan issue match: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate issue matches: %w", err)
	}
	return results, total, nil
}

// LoadAllIssues reads every active issue for reindexing into Meilisearch.
func (p *PGSearch) LoadAllIssues(ctx context.Context) ([]IssueRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, status, project_id, column_id
		FROM issues
		WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	records := make([]IssueRecord, 0)
	for rows.Next() {
		var rec IssueRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Status, &rec.ProjectID, &rec.ColumnID); err != nil {
			return nil, fmt.Errorf("scan issue record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue records: %w", err)
	}
	return records, nil
}
