package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"tracklane/api/internal/config"
	"tracklane/api/internal/rbac"
	"tracklane/api/internal/search"
	"tracklane/api/internal/store"
	"tracklane/api/internal/util"
)

// Site names: up to 30 characters of latin letters, digits, Hangul and
// whitespace. Project keys: 3-10 uppercase letters or digits.
var (
	siteNamePattern   = regexp.MustCompile(`^[0-9A-Za-z\p{Hangul}\s]+$`)
	projectKeyPattern = regexp.MustCompile(`^[A-Z0-9]{3,10}$`)
	statusPattern     = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

const (
	StatusTodo       = "TODO"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
)

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateSite(context.Context, store.Site) error
	GetSite(context.Context, string) (store.Site, error)
	SiteNameTaken(context.Context, string, string) (bool, error)
	DeleteSiteCascade(context.Context, string) (bool, error)
	AddSiteMember(context.Context, store.SiteMember) error
	SiteRoleOf(context.Context, string, string) (string, error)
	ChangeSiteMemberRole(context.Context, string, string, string) (bool, error)
	RemoveSiteMember(context.Context, string, string) (bool, error)
	ListSiteMembers(context.Context, string) ([]store.SiteMember, error)
	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	UpdateProjectName(context.Context, string, string) (bool, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	DeleteProjectCascade(context.Context, string) (bool, error)
	AddProjectMember(context.Context, store.ProjectMember) error
	ProjectRoleOf(context.Context, string, string) (string, error)
	ChangeProjectMemberRole(context.Context, string, string, string) (bool, error)
	RemoveProjectMember(context.Context, string, string) (bool, error)
	ListProjectMembers(context.Context, string) ([]store.ProjectMember, error)
	InsertColumn(context.Context, store.BoardColumn) (store.BoardColumn, error)
	GetColumn(context.Context, string) (store.BoardColumn, error)
	UpdateColumn(context.Context, string, string, string) (bool, error)
	DeactivateColumn(context.Context, string) (bool, error)
	ListColumns(context.Context, string) ([]store.BoardColumn, error)
	InsertIssue(context.Context, store.Issue) (store.Issue, error)
	GetIssue(context.Context, string) (store.Issue, error)
	UpdateIssue(context.Context, store.Issue) (bool, error)
	DeactivateIssue(context.Context, string) (bool, error)
	MoveIssueGlobal(context.Context, string, string, int) (string, error)
	UpdateIssueGlobalOrder(context.Context, string, string, int) (bool, error)
	UpsertUserIssueOrder(context.Context, store.UserIssueOrder) error
	UserOrderFor(context.Context, string, string) (int, bool, error)
	ListColumnIssues(context.Context, string, string) ([]store.BoardIssue, error)
	SweepOrphanedUserOrders(context.Context) (int64, error)
	InsertInvitation(context.Context, store.Invitation) error
	GetInvitation(context.Context, string) (store.Invitation, error)
	GetInvitationByTokenHash(context.Context, string) (store.Invitation, error)
	FindSiteInvitation(context.Context, string, string) (store.Invitation, error)
	FindProjectInvitation(context.Context, string, string) (store.Invitation, error)
	AcceptInvitation(context.Context, store.Invitation, string) error
	AcceptInvitationLegacy(context.Context, store.Invitation, string) error
	RejectInvitation(context.Context, string) error
	ResetInvitation(context.Context, string, string, string, string) (bool, error)
}

// roleCache caches resolved effective roles. Optional; a nil cache sends
// every resolution to the store.
type roleCache interface {
	GetRole(ctx context.Context, projectID, userID string) (string, bool, error)
	SetRole(ctx context.Context, projectID, userID, role string) error
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateProject(ctx context.Context, projectID string) error
}

// mailer sends notification emails. Optional and always fire-and-forget.
type mailer interface {
	IsConfigured() bool
	SendInvitationEmail(to, inviterName, targetName, role, acceptURL string) error
	SendMembershipChangeEmail(to, projectName, newRole string) error
}

// issueSearch pushes issues into the search index. Optional.
type issueSearch interface {
	IndexIssue(issue search.IssueRecord)
	DeleteIssue(id string)
	Search(q search.Query) search.Response
}

type Service struct {
	cfg    config.Config
	store  dataStore
	roles  roleCache
	mail   mailer
	search issueSearch
	now    func() time.Time
}

func New(cfg config.Config, dataStore dataStore) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
		now:   time.Now,
	}
}

// NewWithInfra wires the optional collaborators: role cache, mailer, search.
// Any of them may be nil.
func NewWithInfra(cfg config.Config, dataStore dataStore, roles roleCache, mail mailer, issueSearch issueSearch) *Service {
	service := New(cfg, dataStore)
	service.roles = roles
	service.mail = mail
	service.search = issueSearch
	return service
}

// ---------------------------------------------------------------------------
// Sites

func (s *Service) CreateSite(ctx context.Context, ownerID, name string) (store.Site, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 30 || !siteNamePattern.MatchString(name) {
		return store.Site{}, validationError("site name must be 1-30 alphanumeric, Korean or whitespace characters")
	}

	if _, err := s.store.GetUserByID(ctx, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Site{}, notFoundError("user not found")
		}
		return store.Site{}, internalError("load user", err)
	}

	taken, err := s.store.SiteNameTaken(ctx, ownerID, name)
	if err != nil {
		return store.Site{}, internalError("check site name", err)
	}
	if taken {
		return store.Site{}, conflictError("a site with this name already exists for this owner")
	}

	site := store.Site{
		ID:      util.NewID("site"),
		Name:    name,
		OwnerID: ownerID,
	}
	if err := s.store.CreateSite(ctx, site); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Site{}, conflictError("a site with this name already exists for this owner")
		}
		return store.Site{}, internalError("create site", err)
	}
	return site, nil
}

func (s *Service) DeleteSite(ctx context.Context, actorID, siteID string) error {
	if _, err := s.store.GetSite(ctx, siteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("site not found")
		}
		return internalError("load site", err)
	}

	if err := s.requireSiteAdmin(ctx, actorID, siteID); err != nil {
		return err
	}

	if _, err := s.store.DeleteSiteCascade(ctx, siteID); err != nil {
		return internalError("delete site", err)
	}
	s.invalidateUserRoles(ctx, actorID)
	return nil
}

func (s *Service) requireSiteAdmin(ctx context.Context, userID, siteID string) error {
	role, err := s.store.SiteRoleOf(ctx, userID, siteID)
	if err != nil {
		return internalError("read site role", err)
	}
	if rbac.Normalize(role) != rbac.RoleAdmin {
		return forbiddenError("site admin role required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Site members

func (s *Service) ListSiteMembers(ctx context.Context, actorID, siteID string) ([]store.SiteMember, error) {
	if _, err := s.store.GetSite(ctx, siteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("site not found")
		}
		return nil, internalError("load site", err)
	}
	role, err := s.store.SiteRoleOf(ctx, actorID, siteID)
	if err != nil {
		return nil, internalError("read site role", err)
	}
	if rbac.Normalize(role) == rbac.RoleNone {
		return nil, forbiddenError("site membership required")
	}
	members, err := s.store.ListSiteMembers(ctx, siteID)
	if err != nil {
		return nil, internalError("list site members", err)
	}
	return members, nil
}

func (s *Service) ChangeSiteRole(ctx context.Context, actorID, siteID, targetUserID, newRole string) error {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("site not found")
		}
		return internalError("load site", err)
	}

	if err := s.requireSiteAdmin(ctx, actorID, siteID); err != nil {
		return err
	}

	role := rbac.Normalize(newRole)
	if role == rbac.RoleNone {
		return validationError("role must be one of ADMIN, PM, MEMBER")
	}
	if targetUserID == site.OwnerID {
		return forbiddenError("the site owner's role cannot be changed")
	}

	changed, err := s.store.ChangeSiteMemberRole(ctx, siteID, targetUserID, string(role))
	if err != nil {
		return internalError("change site role", err)
	}
	if !changed {
		return notFoundError("membership not found")
	}
	s.invalidateUserRoles(ctx, targetUserID)
	return nil
}

// RemoveSiteMember drops a user's site membership together with their project
// memberships and per-user orders inside the site. Issues assigned to them
// keep their assignment; reassignment is an explicit separate step.
func (s *Service) RemoveSiteMember(ctx context.Context, actorID, siteID, targetUserID string) error {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("site not found")
		}
		return internalError("load site", err)
	}

	if err := s.requireSiteAdmin(ctx, actorID, siteID); err != nil {
		return err
	}
	if targetUserID == site.OwnerID {
		return forbiddenError("the site owner cannot be removed")
	}

	removed, err := s.store.RemoveSiteMember(ctx, siteID, targetUserID)
	if err != nil {
		return internalError("remove site member", err)
	}
	if !removed {
		return notFoundError("membership not found")
	}
	s.invalidateUserRoles(ctx, targetUserID)
	return nil
}

// ---------------------------------------------------------------------------
// Projects

func (s *Service) CreateProject(ctx context.Context, actorID, siteID, name, key string, isPrivate bool) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 30 {
		return store.Project{}, validationError("project name must be 1-30 characters")
	}
	if !projectKeyPattern.MatchString(key) {
		return store.Project{}, validationError("project key must be 3-10 uppercase letters or digits")
	}

	if _, err := s.store.GetSite(ctx, siteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, notFoundError("site not found")
		}
		return store.Project{}, internalError("load site", err)
	}

	siteRole, err := s.store.SiteRoleOf(ctx, actorID, siteID)
	if err != nil {
		return store.Project{}, internalError("read site role", err)
	}
	switch rbac.Normalize(siteRole) {
	case rbac.RoleAdmin, rbac.RolePM:
	default:
		return store.Project{}, forbiddenError("site admin or pm role required")
	}

	project := store.Project{
		ID:        util.NewID("proj"),
		SiteID:    siteID,
		Name:      name,
		Key:       key,
		IsPrivate: isPrivate,
		CreatedBy: actorID,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Project{}, conflictError("project key already in use")
		}
		return store.Project{}, internalError("create project", err)
	}
	return project, nil
}

func (s *Service) RenameProject(ctx context.Context, actorID, projectID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 30 {
		return validationError("project name must be 1-30 characters")
	}
	if _, err := s.requireAction(ctx, actorID, projectID, rbac.ActionManageProject); err != nil {
		return err
	}
	changed, err := s.store.UpdateProjectName(ctx, projectID, name)
	if err != nil {
		return internalError("rename project", err)
	}
	if !changed {
		return notFoundError("project not found")
	}
	return nil
}

func (s *Service) DeleteProject(ctx context.Context, actorID, projectID string) error {
	if _, err := s.requireAction(ctx, actorID, projectID, rbac.ActionDeleteProject); err != nil {
		return err
	}
	if _, err := s.store.DeleteProjectCascade(ctx, projectID); err != nil {
		return internalError("delete project", err)
	}
	if s.roles != nil {
		if err := s.roles.InvalidateProject(ctx, projectID); err != nil {
			log.Printf("rolecache: invalidate project: %v", err)
		}
	}
	return nil
}

func (s *Service) ListProjects(ctx context.Context, actorID, siteID string) ([]store.Project, error) {
	if _, err := s.store.GetSite(ctx, siteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("site not found")
		}
		return nil, internalError("load site", err)
	}
	role, err := s.store.SiteRoleOf(ctx, actorID, siteID)
	if err != nil {
		return nil, internalError("read site role", err)
	}
	if rbac.Normalize(role) == rbac.RoleNone {
		return nil, forbiddenError("site membership required")
	}
	projects, err := s.store.ListProjects(ctx, siteID)
	if err != nil {
		return nil, internalError("list projects", err)
	}
	return projects, nil
}

// ---------------------------------------------------------------------------
// Project members

// AddProjectMember registers a membership directly, outside the invitation
// flow. Granting PM requires site ADMIN authority; a project PM may add
// MEMBERs only.
func (s *Service) AddProjectMember(ctx context.Context, actorID, projectID, targetUserID, role string) error {
	actorRole, err := s.requireAction(ctx, actorID, projectID, rbac.ActionManageMembers)
	if err != nil {
		return err
	}

	granted := rbac.Normalize(role)
	switch granted {
	case rbac.RolePM, rbac.RoleMember:
	default:
		return validationError("project role must be PM or MEMBER")
	}
	if granted == rbac.RolePM && actorRole != rbac.RoleAdmin {
		return forbiddenError("granting PM requires site admin authority")
	}

	if _, err := s.store.GetUserByID(ctx, targetUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("user not found")
		}
		return internalError("load user", err)
	}

	member := store.ProjectMember{
		ProjectID: projectID,
		UserID:    targetUserID,
		Role:      string(granted),
	}
	if err := s.store.AddProjectMember(ctx, member); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return conflictError("user is already a member of this project")
		}
		return internalError("add project member", err)
	}
	s.invalidateUserRoles(ctx, targetUserID)
	return nil
}

// ChangeProjectRole rewrites a member's project role. Role changes are
// promotions or demotions between PM and MEMBER and require site ADMIN
// authority; a PM's management scope covers removal of MEMBERs only.
func (s *Service) ChangeProjectRole(ctx context.Context, actorID, projectID, targetUserID, newRole string) error {
	actorRole, err := s.EffectiveRole(ctx, actorID, projectID)
	if err != nil {
		return err
	}
	if actorRole != rbac.RoleAdmin {
		return forbiddenError("changing roles requires site admin authority")
	}

	granted := rbac.Normalize(newRole)
	switch granted {
	case rbac.RolePM, rbac.RoleMember:
	default:
		return validationError("project role must be PM or MEMBER")
	}

	changed, err := s.store.ChangeProjectMemberRole(ctx, projectID, targetUserID, string(granted))
	if err != nil {
		return internalError("change project role", err)
	}
	if !changed {
		return notFoundError("membership not found")
	}
	s.invalidateUserRoles(ctx, targetUserID)
	s.notifyRoleChange(ctx, projectID, targetUserID, string(granted))
	return nil
}

// RemoveProjectMember drops the membership row and the member's private
// orders for the project. A PM may remove MEMBER-role rows only; ADMIN and
// other PM rows are out of their reach.
func (s *Service) RemoveProjectMember(ctx context.Context, actorID, projectID, targetUserID string) error {
	actorRole, err := s.requireAction(ctx, actorID, projectID, rbac.ActionManageMembers)
	if err != nil {
		return err
	}

	targetRole, err := s.store.ProjectRoleOf(ctx, targetUserID, projectID)
	if err != nil {
		return internalError("read project role", err)
	}
	if targetRole == "" {
		return notFoundError("membership not found")
	}
	if !rbac.CanManage(actorRole, rbac.Normalize(targetRole)) {
		return forbiddenError("insufficient authority over this member")
	}

	removed, err := s.store.RemoveProjectMember(ctx, projectID, targetUserID)
	if err != nil {
		return internalError("remove project member", err)
	}
	if !removed {
		return notFoundError("membership not found")
	}
	s.invalidateUserRoles(ctx, targetUserID)
	return nil
}

func (s *Service) ListProjectMembers(ctx context.Context, actorID, projectID string) ([]store.ProjectMember, error) {
	if _, err := s.requireAction(ctx, actorID, projectID, rbac.ActionViewBoard); err != nil {
		return nil, err
	}
	members, err := s.store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, internalError("list project members", err)
	}
	return members, nil
}

// ---------------------------------------------------------------------------
// Shared helpers

func (s *Service) invalidateUserRoles(ctx context.Context, userID string) {
	if s.roles == nil {
		return
	}
	if err := s.roles.InvalidateUser(ctx, userID); err != nil {
		log.Printf("rolecache: invalidate user: %v", err)
	}
}

func (s *Service) notifyRoleChange(ctx context.Context, projectID, userID, newRole string) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		log.Printf("notify role change: load user: %v", err)
		return
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		log.Printf("notify role change: load project: %v", err)
		return
	}
	go func() {
		if err := s.mail.SendMembershipChangeEmail(user.Email, project.Name, newRole); err != nil {
			log.Printf("notify role change: send: %v", err)
		}
	}()
}

func validStatus(status string) bool {
	switch status {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return utf8.RuneCountInString(status) <= 30 && statusPattern.MatchString(status)
}
