package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"tracklane/api/internal/rbac"
	"tracklane/api/internal/search"
	"tracklane/api/internal/store"
	"tracklane/api/internal/util"
)

// MoveScope selects which ordering ledger a move writes to.
type MoveScope string

const (
	// ScopeGlobal rewrites the shared board position everyone sees.
	ScopeGlobal MoveScope = "GLOBAL"
	// ScopePersonal records a private position for the caller only.
	ScopePersonal MoveScope = "PERSONAL"
)

// IssueSnapshot is the post-move view of an issue returned to the caller.
type IssueSnapshot struct {
	Issue         store.Issue
	PrevColumnID  string
	ResolvedOrder int
}

// BatchItem reports the outcome of one entry of a batch reorder.
type BatchItem struct {
	IssueID string
	OK      bool
	Code    string
	Message string
}

// BatchResult is the per-item outcome of a best-effort batch reorder.
// Entries before a failed one stay applied.
type BatchResult struct {
	Items []BatchItem
}

// OrderEntry is one issue's desired global position in a batch reorder.
type OrderEntry struct {
	IssueID    string
	OrderIndex int
}

// ColumnSnapshot is one column with its issues in viewer-resolved order.
type ColumnSnapshot struct {
	Column store.BoardColumn
	Issues []store.BoardIssue
}

// BoardSnapshot is a whole project board as one viewer sees it.
type BoardSnapshot struct {
	ProjectID string
	Columns   []ColumnSnapshot
}

// ---------------------------------------------------------------------------
// Columns

func (s *Service) CreateColumn(ctx context.Context, actorID, projectID, title, icon string) (store.BoardColumn, error) {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > 30 {
		return store.BoardColumn{}, validationError("column title must be 1-30 characters")
	}
	if _, err := s.requireAction(ctx, actorID, projectID, rbac.ActionManageColumns); err != nil {
		return store.BoardColumn{}, err
	}
	column := store.BoardColumn{
		ID:        util.NewID("col"),
		ProjectID: projectID,
		Title:     title,
		Icon:      icon,
		IsActive:  true,
	}
	created, err := s.store.InsertColumn(ctx, column)
	if err != nil {
		return store.BoardColumn{}, internalError("create column", err)
	}
	return created, nil
}

func (s *Service) UpdateColumn(ctx context.Context, actorID, columnID, title, icon string) error {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > 30 {
		return validationError("column title must be 1-30 characters")
	}
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("column not found")
		}
		return internalError("load column", err)
	}
	if _, err := s.requireAction(ctx, actorID, column.ProjectID, rbac.ActionManageColumns); err != nil {
		return err
	}
	changed, err := s.store.UpdateColumn(ctx, columnID, title, icon)
	if err != nil {
		return internalError("update column", err)
	}
	if !changed {
		return notFoundError("column not found")
	}
	return nil
}

// DeactivateColumn retires a column. Deactivation is one-way; issues left in
// the column stay addressable by ID but drop out of board reads.
func (s *Service) DeactivateColumn(ctx context.Context, actorID, columnID string) error {
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("column not found")
		}
		return internalError("load column", err)
	}
	if _, err := s.requireAction(ctx, actorID, column.ProjectID, rbac.ActionManageColumns); err != nil {
		return err
	}
	changed, err := s.store.DeactivateColumn(ctx, columnID)
	if err != nil {
		return internalError("deactivate column", err)
	}
	if !changed {
		return notFoundError("column not found")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Issues

func (s *Service) CreateIssue(ctx context.Context, actorID string, draft store.Issue) (store.Issue, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	if draft.Title == "" || utf8.RuneCountInString(draft.Title) > 200 {
		return store.Issue{}, validationError("issue title must be 1-200 characters")
	}
	if draft.Status == "" {
		draft.Status = StatusTodo
	}
	if !validStatus(draft.Status) {
		return store.Issue{}, validationError("status must be TODO, IN_PROGRESS, DONE or an uppercase custom label")
	}
	if draft.DueDate.IsZero() {
		return store.Issue{}, validationError("a due date is required")
	}

	column, err := s.store.GetColumn(ctx, draft.ColumnID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Issue{}, notFoundError("column not found")
		}
		return store.Issue{}, internalError("load column", err)
	}
	if !column.IsActive {
		return store.Issue{}, validationError("column is no longer active")
	}

	if _, err := s.requireAction(ctx, actorID, column.ProjectID, rbac.ActionEditIssues); err != nil {
		return store.Issue{}, err
	}

	draft.ID = util.NewID("iss")
	draft.ProjectID = column.ProjectID
	reporter := actorID
	draft.ReporterID = &reporter
	draft.IsActive = true

	created, err := s.store.InsertIssue(ctx, draft)
	if err != nil {
		return store.Issue{}, internalError("create issue", err)
	}
	s.indexIssue(created)
	return created, nil
}

func (s *Service) GetIssue(ctx context.Context, actorID, issueID string) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Issue{}, notFoundError("issue not found")
		}
		return store.Issue{}, internalError("load issue", err)
	}
	if _, err := s.requireAction(ctx, actorID, issue.ProjectID, rbac.ActionViewBoard); err != nil {
		return store.Issue{}, err
	}
	return issue, nil
}

// UpdateIssue rewrites an issue's fields. A MEMBER may edit only issues
// assigned to them; PM and ADMIN edit anything in the project.
func (s *Service) UpdateIssue(ctx context.Context, actorID string, patch store.Issue) (store.Issue, error) {
	patch.Title = strings.TrimSpace(patch.Title)
	if patch.Title == "" || utf8.RuneCountInString(patch.Title) > 200 {
		return store.Issue{}, validationError("issue title must be 1-200 characters")
	}
	if !validStatus(patch.Status) {
		return store.Issue{}, validationError("status must be TODO, IN_PROGRESS, DONE or an uppercase custom label")
	}
	if patch.DueDate.IsZero() {
		return store.Issue{}, validationError("a due date is required")
	}

	current, err := s.store.GetIssue(ctx, patch.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Issue{}, notFoundError("issue not found")
		}
		return store.Issue{}, internalError("load issue", err)
	}

	if err := s.requireIssueEdit(ctx, actorID, current); err != nil {
		return store.Issue{}, err
	}

	patch.ProjectID = current.ProjectID
	patch.ColumnID = current.ColumnID
	patch.OrderIndex = current.OrderIndex
	patch.ReporterID = current.ReporterID
	changed, err := s.store.UpdateIssue(ctx, patch)
	if err != nil {
		return store.Issue{}, internalError("update issue", err)
	}
	if !changed {
		return store.Issue{}, notFoundError("issue not found")
	}
	s.indexIssue(patch)
	return patch, nil
}

// DeactivateIssue soft-deletes an issue and drops its private orders.
func (s *Service) DeactivateIssue(ctx context.Context, actorID, issueID string) error {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("issue not found")
		}
		return internalError("load issue", err)
	}
	if err := s.requireIssueEdit(ctx, actorID, issue); err != nil {
		return err
	}
	changed, err := s.store.DeactivateIssue(ctx, issueID)
	if err != nil {
		return internalError("deactivate issue", err)
	}
	if !changed {
		return notFoundError("issue not found")
	}
	if s.search != nil {
		s.search.DeleteIssue(issueID)
	}
	return nil
}

// requireIssueEdit allows PM/ADMIN unconditionally and a MEMBER only when the
// issue is assigned to them.
func (s *Service) requireIssueEdit(ctx context.Context, actorID string, issue store.Issue) error {
	role, err := s.EffectiveRole(ctx, actorID, issue.ProjectID)
	if err != nil {
		return err
	}
	if rbac.Can(role, rbac.ActionEditIssues) {
		return nil
	}
	if role == rbac.RoleMember && issue.AssigneeID != nil && *issue.AssigneeID == actorID {
		return nil
	}
	return forbiddenError("insufficient role for this operation")
}

// ---------------------------------------------------------------------------
// Ordering

// MoveIssue repositions an issue. GLOBAL moves change the shared order and
// may cross columns; they require reorder authority, or MEMBER assignee-ship
// over the issue. PERSONAL moves record a private position and never change
// what others see; any project role may record one, but only within the
// issue's current column.
func (s *Service) MoveIssue(ctx context.Context, actorID, issueID, targetColumnID string, targetOrder int, scope MoveScope) (IssueSnapshot, error) {
	if targetOrder < 0 {
		return IssueSnapshot{}, validationError("order index must not be negative")
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IssueSnapshot{}, notFoundError("issue not found")
		}
		return IssueSnapshot{}, internalError("load issue", err)
	}

	role, err := s.EffectiveRole(ctx, actorID, issue.ProjectID)
	if err != nil {
		return IssueSnapshot{}, err
	}

	switch scope {
	case ScopeGlobal:
		allowed := rbac.Can(role, rbac.ActionReorderGlobal) ||
			(role == rbac.RoleMember && issue.AssigneeID != nil && *issue.AssigneeID == actorID)
		if !allowed {
			return IssueSnapshot{}, forbiddenError("insufficient role for a global move")
		}

		prevColumn, err := s.store.MoveIssueGlobal(ctx, issueID, targetColumnID, targetOrder)
		if err != nil {
			switch {
			case errors.Is(err, sql.ErrNoRows):
				return IssueSnapshot{}, notFoundError("column not found")
			case errors.Is(err, store.ErrColumnNotInProject):
				return IssueSnapshot{}, validationError("target column belongs to a different project")
			default:
				return IssueSnapshot{}, internalError("move issue", err)
			}
		}

		moved, err := s.store.GetIssue(ctx, issueID)
		if err != nil {
			return IssueSnapshot{}, internalError("reload issue", err)
		}
		s.indexIssue(moved)
		resolved, err := s.OrderFor(ctx, actorID, issueID)
		if err != nil {
			return IssueSnapshot{}, err
		}
		return IssueSnapshot{Issue: moved, PrevColumnID: prevColumn, ResolvedOrder: resolved}, nil

	case ScopePersonal:
		if role == rbac.RoleNone {
			return IssueSnapshot{}, forbiddenError("project membership required")
		}
		if targetColumnID != issue.ColumnID {
			return IssueSnapshot{}, validationError("a personal move cannot change the issue's column")
		}
		order := store.UserIssueOrder{
			UserID:     actorID,
			IssueID:    issueID,
			ColumnID:   issue.ColumnID,
			ProjectID:  issue.ProjectID,
			OrderIndex: targetOrder,
			UpdatedAt:  s.now(),
		}
		if err := s.store.UpsertUserIssueOrder(ctx, order); err != nil {
			return IssueSnapshot{}, internalError("save personal order", err)
		}
		return IssueSnapshot{Issue: issue, PrevColumnID: issue.ColumnID, ResolvedOrder: targetOrder}, nil

	default:
		return IssueSnapshot{}, validationError("scope must be GLOBAL or PERSONAL")
	}
}

// UpdateIssueOrders applies a batch of global order rewrites best-effort:
// each entry succeeds or fails on its own and earlier successes stay applied.
// Every write is scoped to the authorized project, so an entry naming an
// issue from another project reads as absent.
func (s *Service) UpdateIssueOrders(ctx context.Context, actorID, projectID string, entries []OrderEntry) (BatchResult, error) {
	if len(entries) == 0 {
		return BatchResult{}, validationError("at least one order entry is required")
	}
	if _, err := s.requireAction(ctx, actorID, projectID, rbac.ActionReorderGlobal); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Items: make([]BatchItem, 0, len(entries))}
	for _, entry := range entries {
		item := BatchItem{IssueID: entry.IssueID, OK: true}
		switch {
		case entry.OrderIndex < 0:
			item.OK = false
			item.Code = "VALIDATION_ERROR"
			item.Message = "order index must not be negative"
		default:
			changed, err := s.store.UpdateIssueGlobalOrder(ctx, projectID, entry.IssueID, entry.OrderIndex)
			switch {
			case err != nil:
				item.OK = false
				item.Code = "INTERNAL"
				item.Message = "internal error"
			case !changed:
				item.OK = false
				item.Code = "NOT_FOUND"
				item.Message = "issue not found"
			}
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// OrderFor resolves the position of one issue for one viewer: their private
// order for the issue's current column when present, else the global order.
// The viewer must be able to see the board the issue lives on.
func (s *Service) OrderFor(ctx context.Context, userID, issueID string) (int, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, notFoundError("issue not found")
		}
		return 0, internalError("load issue", err)
	}
	if _, err := s.requireAction(ctx, userID, issue.ProjectID, rbac.ActionViewBoard); err != nil {
		return 0, err
	}
	order, ok, err := s.store.UserOrderFor(ctx, userID, issueID)
	if err != nil {
		return 0, internalError("read personal order", err)
	}
	if ok {
		return order, nil
	}
	return issue.OrderIndex, nil
}

// ListBoard reads the whole board for one viewer: active columns in board
// order, each with its active issues in the viewer's resolved order.
func (s *Service) ListBoard(ctx context.Context, actorID, projectID string) (BoardSnapshot, error) {
	if _, err := s.requireAction(ctx, actorID, projectID, rbac.ActionViewBoard); err != nil {
		return BoardSnapshot{}, err
	}

	columns, err := s.store.ListColumns(ctx, projectID)
	if err != nil {
		return BoardSnapshot{}, internalError("list columns", err)
	}

	snapshot := BoardSnapshot{ProjectID: projectID, Columns: make([]ColumnSnapshot, 0, len(columns))}
	for _, column := range columns {
		issues, err := s.store.ListColumnIssues(ctx, actorID, column.ID)
		if err != nil {
			return BoardSnapshot{}, internalError("list column issues", err)
		}
		snapshot.Columns = append(snapshot.Columns, ColumnSnapshot{Column: column, Issues: issues})
	}
	return snapshot, nil
}

// SearchIssues runs a text search scoped to one project the actor can view.
func (s *Service) SearchIssues(ctx context.Context, actorID, projectID, text string, limit, offset int) (search.Response, error) {
	if _, err := s.requireAction(ctx, actorID, projectID, rbac.ActionViewBoard); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterProjectID: projectID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// SweepOrphanedOrders deletes private order rows whose column no longer
// matches the issue's current column, or whose issue is gone.
func (s *Service) SweepOrphanedOrders(ctx context.Context) (int64, error) {
	n, err := s.store.SweepOrphanedUserOrders(ctx)
	if err != nil {
		return 0, internalError("sweep orphaned orders", err)
	}
	return n, nil
}

func (s *Service) indexIssue(issue store.Issue) {
	if s.search == nil {
		return
	}
	s.search.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      issue.Status,
		ProjectID:   issue.ProjectID,
		ColumnID:    issue.ColumnID,
	})
}
