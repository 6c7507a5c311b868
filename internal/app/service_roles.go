package app

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"tracklane/api/internal/rbac"
)

// EffectiveRole resolves a user's authority over one project by combining the
// site-level and project-level memberships. A site ADMIN is ADMIN everywhere
// inside the site regardless of project rows; otherwise the project row wins.
// A missing project is NotFound; a user with no membership on either level
// resolves to NONE without error so callers decide how to phrase the refusal.
func (s *Service) EffectiveRole(ctx context.Context, userID, projectID string) (rbac.Role, error) {
	if s.roles != nil {
		cached, ok, err := s.roles.GetRole(ctx, projectID, userID)
		if err != nil {
			log.Printf("rolecache: get: %v", err)
		} else if ok {
			return rbac.Normalize(cached), nil
		}
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.RoleNone, notFoundError("project not found")
		}
		return rbac.RoleNone, internalError("load project", err)
	}

	siteRole, err := s.store.SiteRoleOf(ctx, userID, project.SiteID)
	if err != nil {
		return rbac.RoleNone, internalError("read site role", err)
	}

	// A site ADMIN never needs the project row looked up.
	projectRole := ""
	if rbac.Normalize(siteRole) != rbac.RoleAdmin {
		projectRole, err = s.store.ProjectRoleOf(ctx, userID, projectID)
		if err != nil {
			return rbac.RoleNone, internalError("read project role", err)
		}
	}

	effective := rbac.Effective(rbac.Normalize(siteRole), rbac.Normalize(projectRole))
	if s.roles != nil {
		if err := s.roles.SetRole(ctx, projectID, userID, string(effective)); err != nil {
			log.Printf("rolecache: set: %v", err)
		}
	}
	return effective, nil
}

// CanPerform reports whether the user's effective role permits the action.
func (s *Service) CanPerform(ctx context.Context, userID, projectID string, action rbac.Action) (bool, error) {
	role, err := s.EffectiveRole(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return rbac.Can(role, action), nil
}

// requireAction resolves the effective role and refuses with Forbidden when
// the role does not permit the action. The project's existence is checked
// first, so an absent project reads as NotFound rather than Forbidden.
func (s *Service) requireAction(ctx context.Context, userID, projectID string, action rbac.Action) (rbac.Role, error) {
	role, err := s.EffectiveRole(ctx, userID, projectID)
	if err != nil {
		return rbac.RoleNone, err
	}
	if !rbac.Can(role, action) {
		return role, forbiddenError("insufficient role for this operation")
	}
	return role, nil
}
