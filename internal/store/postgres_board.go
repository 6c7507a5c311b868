package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Board columns

// InsertColumn appends the column at the end of the board: the next order
// index is computed and the row inserted in one transaction.
func (s *PostgresStore) InsertColumn(ctx context.Context, column BoardColumn) (BoardColumn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BoardColumn{}, fmt.Errorf("begin insert column: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(order_index), 0) + 1
		FROM board_columns
		WHERE project_id=$1 AND is_active
	`, column.ProjectID).Scan(&column.OrderIndex); err != nil {
		return BoardColumn{}, fmt.Errorf("next column order: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_columns (id, project_id, title, icon, order_index)
		VALUES ($1, $2, $3, $4, $5)
	`, column.ID, column.ProjectID, column.Title, column.Icon, column.OrderIndex); err != nil {
		return BoardColumn{}, fmt.Errorf("insert column: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return BoardColumn{}, fmt.Errorf("commit insert column: %w", err)
	}
	column.IsActive = true
	return column, nil
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (BoardColumn, error) {
	var column BoardColumn
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, icon, order_index, is_active, created_at, updated_at
		FROM board_columns WHERE id=$1
	`, columnID).Scan(&column.ID, &column.ProjectID, &column.Title, &column.Icon,
		&column.OrderIndex, &column.IsActive, &column.CreatedAt, &column.UpdatedAt)
	if err != nil {
		return BoardColumn{}, err
	}
	return column, nil
}

func (s *PostgresStore) UpdateColumn(ctx context.Context, columnID, title, icon string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE board_columns SET title=$2, icon=$3, updated_at=NOW()
		WHERE id=$1 AND is_active
	`, columnID, title, icon)
	if err != nil {
		return false, fmt.Errorf("update column: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update column rows: %w", err)
	}
	return affected > 0, nil
}

// DeactivateColumn soft-deletes a column. The transition is one-way.
func (s *PostgresStore) DeactivateColumn(ctx context.Context, columnID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE board_columns SET is_active=FALSE, updated_at=NOW()
		WHERE id=$1 AND is_active
	`, columnID)
	if err != nil {
		return false, fmt.Errorf("deactivate column: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate column rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListColumns(ctx context.Context, projectID string) ([]BoardColumn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, icon, order_index, is_active, created_at, updated_at
		FROM board_columns
		WHERE project_id=$1 AND is_active
		ORDER BY order_index, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	items := make([]BoardColumn, 0)
	for rows.Next() {
		var item BoardColumn
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Icon,
			&item.OrderIndex, &item.IsActive, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Issues

// InsertIssue places the issue at the end of its column's global order.
func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) (Issue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Issue{}, fmt.Errorf("begin insert issue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(order_index), 0) + 1
		FROM issues
		WHERE column_id=$1 AND is_active
	`, issue.ColumnID).Scan(&issue.OrderIndex); err != nil {
		return Issue{}, fmt.Errorf("next issue order: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, column_id, title, description, status,
			assignee_id, reporter_id, due_date, order_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, issue.ID, issue.ProjectID, issue.ColumnID, issue.Title, issue.Description,
		issue.Status, issue.AssigneeID, issue.ReporterID, issue.DueDate, issue.OrderIndex); err != nil {
		return Issue{}, fmt.Errorf("insert issue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Issue{}, fmt.Errorf("commit insert issue: %w", err)
	}
	issue.IsActive = true
	return issue, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var issue Issue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, column_id, title, description, status,
			assignee_id, reporter_id, due_date, order_index, is_active, created_at, updated_at
		FROM issues
		WHERE id=$1 AND is_active
	`, issueID).Scan(&issue.ID, &issue.ProjectID, &issue.ColumnID, &issue.Title,
		&issue.Description, &issue.Status, &issue.AssigneeID, &issue.ReporterID,
		&issue.DueDate, &issue.OrderIndex, &issue.IsActive, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return Issue{}, err
	}
	return issue, nil
}

func (s *PostgresStore) UpdateIssue(ctx context.Context, issue Issue) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET title=$2, description=$3, status=$4, assignee_id=$5, due_date=$6, updated_at=NOW()
		WHERE id=$1 AND is_active
	`, issue.ID, issue.Title, issue.Description, issue.Status, issue.AssigneeID, issue.DueDate)
	if err != nil {
		return false, fmt.Errorf("update issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update issue rows: %w", err)
	}
	return affected > 0, nil
}

// DeactivateIssue soft-deletes the issue and removes the per-user order rows
// it exclusively owns.
func (s *PostgresStore) DeactivateIssue(ctx context.Context, issueID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin deactivate issue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE issues SET is_active=FALSE, updated_at=NOW()
		WHERE id=$1 AND is_active
	`, issueID)
	if err != nil {
		return false, fmt.Errorf("deactivate issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate issue rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM user_issue_orders WHERE issue_id=$1
	`, issueID); err != nil {
		return false, fmt.Errorf("delete issue orders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit deactivate issue: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Ordering ledger

// MoveIssueGlobal re-homes an issue and rewrites its global order. The issue
// row is locked for the duration so two racing moves of the same issue
// serialize, last writer wins; moves of different issues never contend.
// Per-user rows recorded for the previous column are left in place - reads
// are column-aware and the sweep collects them later. The previous column id
// is returned for callers that track the move.
func (s *PostgresStore) MoveIssueGlobal(ctx context.Context, issueID, targetColumnID string, targetOrder int) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin move issue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID, previousColumnID string
	err = tx.QueryRowContext(ctx, `
		SELECT project_id, column_id FROM issues
		WHERE id=$1 AND is_active
		FOR UPDATE
	`, issueID).Scan(&projectID, &previousColumnID)
	if err != nil {
		return "", err
	}

	var columnProjectID string
	err = tx.QueryRowContext(ctx, `
		SELECT project_id FROM board_columns WHERE id=$1 AND is_active
	`, targetColumnID).Scan(&columnProjectID)
	if err != nil {
		return "", err
	}
	if columnProjectID != projectID {
		return "", ErrColumnNotInProject
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE issues SET column_id=$2, order_index=$3, updated_at=NOW()
		WHERE id=$1
	`, issueID, targetColumnID, targetOrder); err != nil {
		return "", fmt.Errorf("move issue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit move issue: %w", err)
	}
	return previousColumnID, nil
}

// UpdateIssueGlobalOrder rewrites a single issue's global order in place.
// Used by the best-effort batch path; each call is its own unit of work. The
// project filter keeps a batch authorized for one project from touching
// issues that live in another.
func (s *PostgresStore) UpdateIssueGlobalOrder(ctx context.Context, projectID, issueID string, order int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET order_index=$3, updated_at=NOW()
		WHERE id=$2 AND project_id=$1 AND is_active
	`, projectID, issueID, order)
	if err != nil {
		return false, fmt.Errorf("update issue order: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update issue order rows: %w", err)
	}
	return affected > 0, nil
}

// UpsertUserIssueOrder records or rewrites a user's private position for an
// issue inside one column. The global order is untouched.
func (s *PostgresStore) UpsertUserIssueOrder(ctx context.Context, order UserIssueOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_issue_orders (user_id, issue_id, column_id, project_id, order_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, issue_id, column_id)
		DO UPDATE SET order_index=EXCLUDED.order_index, updated_at=NOW()
	`, order.UserID, order.IssueID, order.ColumnID, order.ProjectID, order.OrderIndex)
	if err != nil {
		return fmt.Errorf("upsert user order: %w", err)
	}
	return nil
}

// UserOrderFor returns the user's private order for the issue's current
// column. The join against the issue row makes the lookup column-aware:
// rows recorded for a column the issue has since left never match.
func (s *PostgresStore) UserOrderFor(ctx context.Context, userID, issueID string) (int, bool, error) {
	var order int
	err := s.db.QueryRowContext(ctx, `
		SELECT uio.order_index
		FROM user_issue_orders uio
		JOIN issues i ON i.id = uio.issue_id AND i.column_id = uio.column_id
		WHERE uio.user_id=$1 AND uio.issue_id=$2 AND i.is_active
	`, userID, issueID).Scan(&order)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read user order: %w", err)
	}
	return order, true, nil
}

// ListColumnIssues returns a column's active issues positioned for one
// viewer: the per-user override where present, else the global order. Ties
// break on issue id ascending so rendering is deterministic.
func (s *PostgresStore) ListColumnIssues(ctx context.Context, userID, columnID string) ([]BoardIssue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.project_id, i.column_id, i.title, i.description, i.status,
			i.assignee_id, i.reporter_id, i.due_date, i.order_index, i.is_active,
			i.created_at, i.updated_at,
			COALESCE(uio.order_index, i.order_index) AS resolved_order
		FROM issues i
		LEFT JOIN user_issue_orders uio
			ON uio.issue_id = i.id AND uio.column_id = i.column_id AND uio.user_id = $1
		WHERE i.column_id=$2 AND i.is_active
		ORDER BY resolved_order, i.id
	`, userID, columnID)
	if err != nil {
		return nil, fmt.Errorf("list column issues: %w", err)
	}
	defer rows.Close()

	items := make([]BoardIssue, 0)
	for rows.Next() {
		var item BoardIssue
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.ColumnID, &item.Title,
			&item.Description, &item.Status, &item.AssigneeID, &item.ReporterID,
			&item.DueDate, &item.OrderIndex, &item.IsActive,
			&item.CreatedAt, &item.UpdatedAt, &item.ResolvedOrder); err != nil {
			return nil, fmt.Errorf("scan column issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column issues: %w", err)
	}
	return items, nil
}

// SweepOrphanedUserOrders deletes per-user rows whose column no longer
// matches the issue's current column, plus rows pointing at soft-deleted
// issues. Reads already ignore these; the sweep only bounds table growth.
func (s *PostgresStore) SweepOrphanedUserOrders(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM user_issue_orders uio
		USING issues i
		WHERE i.id = uio.issue_id AND (i.column_id <> uio.column_id OR NOT i.is_active)
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned orders: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned orders rows: %w", err)
	}
	return affected, nil
}
