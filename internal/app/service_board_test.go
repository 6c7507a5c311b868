package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"tracklane/api/internal/store"
)

// boardFixture wires a fakeStore with one project, one active column and one
// issue, plus per-user role lookups.
func boardFixture(roles map[string]string, issue store.Issue) *fakeStore {
	return &fakeStore{
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			if id != "proj-1" {
				return store.Project{}, sql.ErrNoRows
			}
			return store.Project{ID: "proj-1", SiteID: "site-1"}, nil
		},
		siteRoleOfFn: func(_ context.Context, userID, _ string) (string, error) {
			if roles[userID] == "ADMIN" {
				return "ADMIN", nil
			}
			return "", nil
		},
		projectRoleOfFn: func(_ context.Context, userID, _ string) (string, error) {
			if r := roles[userID]; r != "ADMIN" {
				return r, nil
			}
			return "", nil
		},
		getColumnFn: func(_ context.Context, id string) (store.BoardColumn, error) {
			switch id {
			case "col-1", "col-2":
				return store.BoardColumn{ID: id, ProjectID: "proj-1", Title: "Todo", IsActive: true}, nil
			case "col-retired":
				return store.BoardColumn{ID: id, ProjectID: "proj-1", Title: "Old", IsActive: false}, nil
			}
			return store.BoardColumn{}, sql.ErrNoRows
		},
		getIssueFn: func(_ context.Context, id string) (store.Issue, error) {
			if id != issue.ID {
				return store.Issue{}, sql.ErrNoRows
			}
			return issue, nil
		},
	}
}

func testIssue(assignee string) store.Issue {
	issue := store.Issue{
		ID:         "iss-1",
		ProjectID:  "proj-1",
		ColumnID:   "col-1",
		Title:      "Fix login redirect",
		Status:     StatusTodo,
		DueDate:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		OrderIndex: 3,
		IsActive:   true,
	}
	if assignee != "" {
		issue.AssigneeID = &assignee
	}
	return issue
}

func TestCreateIssueValidation(t *testing.T) {
	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		draft    store.Issue
		wantCode string
	}{
		{"valid defaults", store.Issue{ColumnID: "col-1", Title: "Task", DueDate: due}, ""},
		{"custom status", store.Issue{ColumnID: "col-1", Title: "Task", Status: "IN_REVIEW", DueDate: due}, ""},
		{"missing due date", store.Issue{ColumnID: "col-1", Title: "Task"}, "VALIDATION_ERROR"},
		{"blank title", store.Issue{ColumnID: "col-1", Title: "  ", DueDate: due}, "VALIDATION_ERROR"},
		{"lowercase status", store.Issue{ColumnID: "col-1", Title: "Task", Status: "in_review", DueDate: due}, "VALIDATION_ERROR"},
		{"status starts with digit", store.Issue{ColumnID: "col-1", Title: "Task", Status: "2ND_PASS", DueDate: due}, "VALIDATION_ERROR"},
		{"retired column", store.Issue{ColumnID: "col-retired", Title: "Task", DueDate: due}, "VALIDATION_ERROR"},
		{"unknown column", store.Issue{ColumnID: "col-ghost", Title: "Task", DueDate: due}, "NOT_FOUND"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := boardFixture(map[string]string{"pm": "PM"}, testIssue(""))
			svc := newTestService(fs)
			created, err := svc.CreateIssue(context.Background(), "pm", tc.draft)
			if tc.wantCode != "" {
				wantDomainError(t, err, tc.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if created.Status == "" {
				t.Fatal("status default was not applied")
			}
			if created.ReporterID == nil || *created.ReporterID != "pm" {
				t.Fatal("reporter must be the creator")
			}
		})
	}
}

func TestMemberEditsOnlyAssignedIssues(t *testing.T) {
	issue := testIssue("member")
	fs := boardFixture(map[string]string{"member": "MEMBER", "other": "MEMBER"}, issue)
	svc := newTestService(fs)
	ctx := context.Background()

	patch := issue
	patch.Title = "Fix login redirect loop"
	if _, err := svc.UpdateIssue(ctx, "member", patch); err != nil {
		t.Fatalf("assignee edit: %v", err)
	}
	_, err := svc.UpdateIssue(ctx, "other", patch)
	wantDomainError(t, err, "FORBIDDEN")
}

func TestOrderForPrefersPersonalOverride(t *testing.T) {
	fs := boardFixture(map[string]string{"viewer": "MEMBER", "teammate": "MEMBER"}, testIssue(""))
	fs.userOrderForFn = func(_ context.Context, userID, _ string) (int, bool, error) {
		if userID == "viewer" {
			return 7, true, nil
		}
		return 0, false, nil
	}
	svc := newTestService(fs)
	ctx := context.Background()

	order, err := svc.OrderFor(ctx, "viewer", "iss-1")
	if err != nil {
		t.Fatalf("resolve viewer order: %v", err)
	}
	if order != 7 {
		t.Fatalf("expected personal order 7, got %d", order)
	}

	order, err = svc.OrderFor(ctx, "teammate", "iss-1")
	if err != nil {
		t.Fatalf("resolve fallback order: %v", err)
	}
	if order != 3 {
		t.Fatalf("expected global order 3, got %d", order)
	}

	// A user with no membership learns nothing about the issue's position.
	_, err = svc.OrderFor(ctx, "stranger", "iss-1")
	wantDomainError(t, err, "FORBIDDEN")
}

func TestPersonalMoveNeverTouchesGlobalState(t *testing.T) {
	var upserted *store.UserIssueOrder
	fs := boardFixture(map[string]string{"member": "MEMBER"}, testIssue(""))
	fs.moveIssueGlobalFn = func(context.Context, string, string, int) (string, error) {
		t.Fatal("a personal move must not call the global move path")
		return "", nil
	}
	fs.upsertUserIssueOrderFn = func(_ context.Context, order store.UserIssueOrder) error {
		upserted = &order
		return nil
	}
	svc := newTestService(fs)

	snap, err := svc.MoveIssue(context.Background(), "member", "iss-1", "col-1", 5, ScopePersonal)
	if err != nil {
		t.Fatalf("personal move: %v", err)
	}
	if upserted == nil {
		t.Fatal("expected a per-user order row")
	}
	if upserted.UserID != "member" || upserted.ColumnID != "col-1" || upserted.OrderIndex != 5 {
		t.Fatalf("unexpected order row: %+v", upserted)
	}
	if snap.ResolvedOrder != 5 {
		t.Fatalf("expected resolved order 5, got %d", snap.ResolvedOrder)
	}
}

func TestPersonalMoveCannotCrossColumns(t *testing.T) {
	fs := boardFixture(map[string]string{"member": "MEMBER"}, testIssue(""))
	svc := newTestService(fs)
	_, err := svc.MoveIssue(context.Background(), "member", "iss-1", "col-2", 0, ScopePersonal)
	wantDomainError(t, err, "VALIDATION_ERROR")
}

func TestGlobalMoveAuthority(t *testing.T) {
	issue := testIssue("assignee")
	fs := boardFixture(map[string]string{
		"pm":       "PM",
		"assignee": "MEMBER",
		"member":   "MEMBER",
	}, issue)
	moved := 0
	fs.moveIssueGlobalFn = func(context.Context, string, string, int) (string, error) {
		moved++
		return "col-1", nil
	}
	svc := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.MoveIssue(ctx, "pm", "iss-1", "col-2", 0, ScopeGlobal); err != nil {
		t.Fatalf("PM global move: %v", err)
	}
	if _, err := svc.MoveIssue(ctx, "assignee", "iss-1", "col-2", 0, ScopeGlobal); err != nil {
		t.Fatalf("assignee global move: %v", err)
	}
	_, err := svc.MoveIssue(ctx, "member", "iss-1", "col-2", 0, ScopeGlobal)
	wantDomainError(t, err, "FORBIDDEN")
	_, err = svc.MoveIssue(ctx, "stranger", "iss-1", "col-2", 0, ScopeGlobal)
	wantDomainError(t, err, "FORBIDDEN")

	if moved != 2 {
		t.Fatalf("expected 2 applied moves, got %d", moved)
	}
}

func TestGlobalMoveRejectsForeignColumn(t *testing.T) {
	fs := boardFixture(map[string]string{"pm": "PM"}, testIssue(""))
	fs.moveIssueGlobalFn = func(context.Context, string, string, int) (string, error) {
		return "", store.ErrColumnNotInProject
	}
	svc := newTestService(fs)
	_, err := svc.MoveIssue(context.Background(), "pm", "iss-1", "col-other-project", 0, ScopeGlobal)
	wantDomainError(t, err, "VALIDATION_ERROR")
}

func TestBatchReorderIsBestEffort(t *testing.T) {
	applied := make(map[string]int)
	fs := boardFixture(map[string]string{"pm": "PM"}, testIssue(""))
	fs.updateIssueGlobalOrderFn = func(_ context.Context, _, issueID string, order int) (bool, error) {
		if issueID == "iss-missing" {
			return false, nil
		}
		applied[issueID] = order
		return true, nil
	}
	svc := newTestService(fs)

	result, err := svc.UpdateIssueOrders(context.Background(), "pm", "proj-1", []OrderEntry{
		{IssueID: "iss-1", OrderIndex: 0},
		{IssueID: "iss-missing", OrderIndex: 1},
		{IssueID: "iss-2", OrderIndex: 2},
	})
	if err != nil {
		t.Fatalf("batch reorder: %v", err)
	}
	if len(result.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(result.Items))
	}
	if !result.Items[0].OK || !result.Items[2].OK {
		t.Fatal("surrounding entries must stay applied")
	}
	if result.Items[1].OK || result.Items[1].Code != "NOT_FOUND" {
		t.Fatalf("missing issue must fail with NOT_FOUND, got %+v", result.Items[1])
	}
	if applied["iss-1"] != 0 || applied["iss-2"] != 2 {
		t.Fatalf("unexpected applied set: %v", applied)
	}
}

// A PM of one project must not be able to rewrite the global order of issues
// that live in another project by naming their ids in a batch.
func TestBatchReorderCannotReachOtherProjects(t *testing.T) {
	issuesByProject := map[string]string{
		"iss-home":    "proj-1",
		"iss-foreign": "proj-2",
	}
	applied := make(map[string]int)
	fs := boardFixture(map[string]string{"pm": "PM"}, testIssue(""))
	fs.updateIssueGlobalOrderFn = func(_ context.Context, projectID, issueID string, order int) (bool, error) {
		if issuesByProject[issueID] != projectID {
			return false, nil
		}
		applied[issueID] = order
		return true, nil
	}
	svc := newTestService(fs)

	result, err := svc.UpdateIssueOrders(context.Background(), "pm", "proj-1", []OrderEntry{
		{IssueID: "iss-home", OrderIndex: 1},
		{IssueID: "iss-foreign", OrderIndex: 99},
	})
	if err != nil {
		t.Fatalf("batch reorder: %v", err)
	}
	if !result.Items[0].OK {
		t.Fatalf("in-project entry must apply, got %+v", result.Items[0])
	}
	if result.Items[1].OK || result.Items[1].Code != "NOT_FOUND" {
		t.Fatalf("foreign entry must read as absent, got %+v", result.Items[1])
	}
	if _, ok := applied["iss-foreign"]; ok {
		t.Fatal("foreign issue's order was rewritten")
	}
}

func TestBatchReorderRequiresReorderAuthority(t *testing.T) {
	fs := boardFixture(map[string]string{"member": "MEMBER"}, testIssue(""))
	svc := newTestService(fs)
	_, err := svc.UpdateIssueOrders(context.Background(), "member", "proj-1", []OrderEntry{
		{IssueID: "iss-1", OrderIndex: 0},
	})
	wantDomainError(t, err, "FORBIDDEN")
}

func TestListBoardResolvesPerViewer(t *testing.T) {
	fs := boardFixture(map[string]string{"viewer": "MEMBER"}, testIssue(""))
	fs.listColumnsFn = func(context.Context, string) ([]store.BoardColumn, error) {
		return []store.BoardColumn{
			{ID: "col-1", ProjectID: "proj-1", Title: "Todo", OrderIndex: 0, IsActive: true},
			{ID: "col-2", ProjectID: "proj-1", Title: "Done", OrderIndex: 1, IsActive: true},
		}, nil
	}
	fs.listColumnIssuesFn = func(_ context.Context, userID, columnID string) ([]store.BoardIssue, error) {
		if columnID != "col-1" {
			return nil, nil
		}
		return []store.BoardIssue{
			{Issue: store.Issue{ID: "iss-2"}, ResolvedOrder: 1},
			{Issue: store.Issue{ID: "iss-1"}, ResolvedOrder: 2},
		}, nil
	}
	svc := newTestService(fs)

	board, err := svc.ListBoard(context.Background(), "viewer", "proj-1")
	if err != nil {
		t.Fatalf("list board: %v", err)
	}
	if len(board.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(board.Columns))
	}
	first := board.Columns[0]
	if first.Column.ID != "col-1" || len(first.Issues) != 2 {
		t.Fatalf("unexpected first column: %+v", first)
	}
	if first.Issues[0].ID != "iss-2" {
		t.Fatal("issues must come back in viewer-resolved order")
	}
}

func TestDeactivateColumnIsGuarded(t *testing.T) {
	fs := boardFixture(map[string]string{"pm": "PM", "member": "MEMBER"}, testIssue(""))
	svc := newTestService(fs)
	ctx := context.Background()

	err := svc.DeactivateColumn(ctx, "member", "col-1")
	wantDomainError(t, err, "FORBIDDEN")
	if err := svc.DeactivateColumn(ctx, "pm", "col-1"); err != nil {
		t.Fatalf("PM deactivate: %v", err)
	}
	err = svc.DeactivateColumn(ctx, "pm", "col-ghost")
	wantDomainError(t, err, "NOT_FOUND")
}
