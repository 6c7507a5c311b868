package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConflict signals a uniqueness violation: duplicate membership row,
	// duplicate project key, duplicate pending invitation.
	ErrConflict = errors.New("store: conflict")
	// ErrNotPending signals an invitation lifecycle transition attempted on a
	// record that is no longer PENDING.
	ErrNotPending = errors.New("store: invitation not pending")
	// ErrColumnNotInProject signals an issue move targeting a column owned by
	// a different project.
	ErrColumnNotInProject = errors.New("store: column belongs to a different project")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ---------------------------------------------------------------------------
// Users

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
	`, user.ID, user.DisplayName, user.Email)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// Sites

// CreateSite inserts the site and materializes the owner's ADMIN membership
// row in the same transaction, so role resolution never special-cases
// ownership.
func (s *PostgresStore) CreateSite(ctx context.Context, site Site) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create site: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sites (id, name, owner_id)
		VALUES ($1, $2, $3)
	`, site.ID, site.Name, site.OwnerID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO site_members (site_id, user_id, role)
		VALUES ($1, $2, 'ADMIN')
	`, site.ID, site.OwnerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create site: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSite(ctx context.Context, siteID string) (Site, error) {
	var site Site
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at FROM sites WHERE id=$1
	`, siteID).Scan(&site.ID, &site.Name, &site.OwnerID, &site.CreatedAt)
	if err != nil {
		return Site{}, err
	}
	return site, nil
}

// DeleteSiteCascade removes a site and everything it transitively owns,
// child-first, inside one transaction. The order of deletion is part of the
// contract: per-user orders before issues, issues before columns, projects
// before the site.
func (s *PostgresStore) DeleteSiteCascade(ctx context.Context, siteID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete site: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`DELETE FROM user_issue_orders WHERE project_id IN (SELECT id FROM projects WHERE site_id=$1)`,
		`DELETE FROM issues WHERE project_id IN (SELECT id FROM projects WHERE site_id=$1)`,
		`DELETE FROM board_columns WHERE project_id IN (SELECT id FROM projects WHERE site_id=$1)`,
		`DELETE FROM invitations WHERE site_id=$1 OR project_id IN (SELECT id FROM projects WHERE site_id=$1)`,
		`DELETE FROM project_members WHERE project_id IN (SELECT id FROM projects WHERE site_id=$1)`,
		`DELETE FROM projects WHERE site_id=$1`,
		`DELETE FROM site_members WHERE site_id=$1`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, siteID); err != nil {
			return false, fmt.Errorf("delete site children: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sites WHERE id=$1`, siteID)
	if err != nil {
		return false, fmt.Errorf("delete site: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete site rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete site: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SiteNameTaken(ctx context.Context, ownerID, name string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM sites WHERE owner_id=$1 AND name=$2)
	`, ownerID, name).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check site name: %w", err)
	}
	return taken, nil
}

// ---------------------------------------------------------------------------
// Site members

func (s *PostgresStore) AddSiteMember(ctx context.Context, member SiteMember) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO site_members (site_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (site_id, user_id) DO NOTHING
	`, member.SiteID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("insert site member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert site member rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// SiteRoleOf returns the empty string when the user has no membership row.
func (s *PostgresStore) SiteRoleOf(ctx context.Context, userID, siteID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM site_members WHERE site_id=$1 AND user_id=$2
	`, siteID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read site role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ChangeSiteMemberRole(ctx context.Context, siteID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE site_members SET role=$3 WHERE site_id=$1 AND user_id=$2
	`, siteID, userID, role)
	if err != nil {
		return false, fmt.Errorf("change site role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("change site role rows: %w", err)
	}
	return affected > 0, nil
}

// RemoveSiteMember drops the site row plus the user's project memberships and
// per-user orders inside that site. Issue assignments are deliberately left
// alone: reassignment is an explicit separate step, membership removal must
// not rewrite issue history.
func (s *PostgresStore) RemoveSiteMember(ctx context.Context, siteID, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin remove site member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM user_issue_orders
		WHERE user_id=$2 AND project_id IN (SELECT id FROM projects WHERE site_id=$1)
	`, siteID, userID); err != nil {
		return false, fmt.Errorf("remove member orders: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM project_members
		WHERE user_id=$2 AND project_id IN (SELECT id FROM projects WHERE site_id=$1)
	`, siteID, userID); err != nil {
		return false, fmt.Errorf("remove project memberships: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM site_members WHERE site_id=$1 AND user_id=$2
	`, siteID, userID)
	if err != nil {
		return false, fmt.Errorf("remove site member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove site member rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit remove site member: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListSiteMembers(ctx context.Context, siteID string) ([]SiteMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, user_id, role, created_at
		FROM site_members
		WHERE site_id=$1
		ORDER BY created_at, user_id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list site members: %w", err)
	}
	defer rows.Close()

	items := make([]SiteMember, 0)
	for rows.Next() {
		var item SiteMember
		if err := rows.Scan(&item.SiteID, &item.UserID, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan site member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site members: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Projects

// CreateProject inserts the project and auto-registers the creator as PM in
// one transaction.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, site_id, name, key, is_private, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, project.ID, project.SiteID, project.Name, project.Key, project.IsPrivate, project.CreatedBy)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, 'PM')
	`, project.ID, project.CreatedBy); err != nil {
		return fmt.Errorf("insert creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, site_id, name, key, is_private, created_by, created_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.SiteID, &project.Name, &project.Key,
		&project.IsPrivate, &project.CreatedBy, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) UpdateProjectName(ctx context.Context, projectID, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2 WHERE id=$1
	`, projectID, name)
	if err != nil {
		return false, fmt.Errorf("update project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update project rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, siteID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site_id, name, key, is_private, created_by, created_at
		FROM projects
		WHERE site_id=$1
		ORDER BY created_at, id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.SiteID, &item.Name, &item.Key,
			&item.IsPrivate, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// DeleteProjectCascade removes a project and everything it owns, child-first,
// in one transaction.
func (s *PostgresStore) DeleteProjectCascade(ctx context.Context, projectID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`DELETE FROM user_issue_orders WHERE project_id=$1`,
		`DELETE FROM issues WHERE project_id=$1`,
		`DELETE FROM board_columns WHERE project_id=$1`,
		`DELETE FROM invitations WHERE project_id=$1`,
		`DELETE FROM project_members WHERE project_id=$1`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, projectID); err != nil {
			return false, fmt.Errorf("delete project children: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete project: %w", err)
	}
	return affected > 0, nil
}

// ---------------------------------------------------------------------------
// Project members

func (s *PostgresStore) AddProjectMember(ctx context.Context, member ProjectMember) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, member.ProjectID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("insert project member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert project member rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// ProjectRoleOf returns the empty string when the user has no membership row.
func (s *PostgresStore) ProjectRoleOf(ctx context.Context, userID, projectID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read project role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ChangeProjectMemberRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_members SET role=$3 WHERE project_id=$1 AND user_id=$2
	`, projectID, userID, role)
	if err != nil {
		return false, fmt.Errorf("change project role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("change project role rows: %w", err)
	}
	return affected > 0, nil
}

// RemoveProjectMember drops the membership row and the user's per-user orders
// for that project in one transaction. Issues assigned to the user keep their
// assignment.
func (s *PostgresStore) RemoveProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin remove project member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM user_issue_orders WHERE project_id=$1 AND user_id=$2
	`, projectID, userID); err != nil {
		return false, fmt.Errorf("remove member orders: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("remove project member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove project member rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit remove project member: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, created_at
		FROM project_members
		WHERE project_id=$1
		ORDER BY created_at, user_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var item ProjectMember
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project members: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Invitations

func (s *PostgresStore) InsertInvitation(ctx context.Context, inv Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, inviter_id, invitee_email, site_id, project_id, role, token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inv.ID, inv.InviterID, inv.InviteeEmail, inv.SiteID, inv.ProjectID, inv.Role, inv.TokenHash)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	return s.getInvitation(ctx, `WHERE id=$1`, invitationID)
}

func (s *PostgresStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	return s.getInvitation(ctx, `WHERE token_hash=$1`, tokenHash)
}

func (s *PostgresStore) getInvitation(ctx context.Context, where, arg string) (Invitation, error) {
	var inv Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, inviter_id, invitee_email, site_id, project_id, role, token_hash,
			accepted, rejected, created_at, updated_at
		FROM invitations `+where,
		arg,
	).Scan(&inv.ID, &inv.InviterID, &inv.InviteeEmail, &inv.SiteID, &inv.ProjectID,
		&inv.Role, &inv.TokenHash, &inv.Accepted, &inv.Rejected, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

// FindSiteInvitation returns the most recent invitation for an invitee on a
// site, regardless of state.
func (s *PostgresStore) FindSiteInvitation(ctx context.Context, siteID, email string) (Invitation, error) {
	var inv Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, inviter_id, invitee_email, site_id, project_id, role, token_hash,
			accepted, rejected, created_at, updated_at
		FROM invitations
		WHERE site_id=$1 AND invitee_email=$2
		ORDER BY created_at DESC
		LIMIT 1
	`, siteID, email).Scan(&inv.ID, &inv.InviterID, &inv.InviteeEmail, &inv.SiteID, &inv.ProjectID,
		&inv.Role, &inv.TokenHash, &inv.Accepted, &inv.Rejected, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

// FindProjectInvitation returns the most recent invitation for an invitee on
// a project, regardless of state.
func (s *PostgresStore) FindProjectInvitation(ctx context.Context, projectID, email string) (Invitation, error) {
	var inv Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, inviter_id, invitee_email, site_id, project_id, role, token_hash,
			accepted, rejected, created_at, updated_at
		FROM invitations
		WHERE project_id=$1 AND invitee_email=$2
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID, email).Scan(&inv.ID, &inv.InviterID, &inv.InviteeEmail, &inv.SiteID, &inv.ProjectID,
		&inv.Role, &inv.TokenHash, &inv.Accepted, &inv.Rejected, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

// AcceptInvitation flips the invitation to ACCEPTED and inserts the granted
// membership as one atomic unit. The PENDING guard on the update makes the
// token path race-safe; the membership insert tolerates an existing row so a
// re-run after a half-observed state stays idempotent.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, inv Invitation, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accept invitation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE invitations SET accepted=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT accepted AND NOT rejected
	`, inv.ID)
	if err != nil {
		return fmt.Errorf("accept invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("accept invitation rows: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}

	if err := insertGrantedMembership(ctx, tx, inv, userID, true); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accept invitation: %w", err)
	}
	return nil
}

// AcceptInvitationLegacy is the id-based accept path. It predates the token
// flow and has no idempotence guard: a second accept hits the membership
// uniqueness constraint and surfaces ErrConflict.
func (s *PostgresStore) AcceptInvitationLegacy(ctx context.Context, inv Invitation, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accept invitation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE invitations SET accepted=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT rejected
	`, inv.ID)
	if err != nil {
		return fmt.Errorf("accept invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("accept invitation rows: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}

	if err := insertGrantedMembership(ctx, tx, inv, userID, false); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accept invitation: %w", err)
	}
	return nil
}

func insertGrantedMembership(ctx context.Context, tx *sql.Tx, inv Invitation, userID string, tolerateExisting bool) error {
	var query string
	var args []any
	switch {
	case inv.SiteID != nil:
		query = `INSERT INTO site_members (site_id, user_id, role) VALUES ($1, $2, $3)`
		args = []any{*inv.SiteID, userID, inv.Role}
	case inv.ProjectID != nil:
		query = `INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)`
		args = []any{*inv.ProjectID, userID, inv.Role}
	default:
		return fmt.Errorf("invitation %s has no target", inv.ID)
	}
	if tolerateExisting {
		query += ` ON CONFLICT DO NOTHING`
	}
	_, err := tx.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert granted membership: %w", err)
	}
	return nil
}

// RejectInvitation marks a PENDING invitation rejected.
func (s *PostgresStore) RejectInvitation(ctx context.Context, invitationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET rejected=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT accepted AND NOT rejected
	`, invitationID)
	if err != nil {
		return fmt.Errorf("reject invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reject invitation rows: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

// ResetInvitation re-opens a REJECTED invitation: flags cleared, fresh token,
// and the role rewritten to what the new inviter may grant.
func (s *PostgresStore) ResetInvitation(ctx context.Context, invitationID, inviterID, role, tokenHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations
		SET accepted=FALSE, rejected=FALSE, inviter_id=$2, role=$3, token_hash=$4, updated_at=NOW()
		WHERE id=$1 AND rejected
	`, invitationID, inviterID, role, tokenHash)
	if err != nil {
		return false, fmt.Errorf("reset invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset invitation rows: %w", err)
	}
	return affected > 0, nil
}
