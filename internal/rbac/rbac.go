// Package rbac models the two-level role hierarchy: a site-scoped role
// (ADMIN, PM, MEMBER) combined with a project-scoped role (PM, MEMBER)
// collapses into one effective role per (user, project).
package rbac

type Role string
type Action string

const (
	RoleAdmin  Role = "ADMIN"
	RolePM     Role = "PM"
	RoleMember Role = "MEMBER"
	RoleNone   Role = "NONE"
)

const (
	ActionViewBoard     Action = "board.view"
	ActionManageColumns Action = "columns.manage"
	ActionEditIssues    Action = "issues.edit"
	ActionReorderGlobal Action = "issues.reorder"
	ActionInvitePM      Action = "invite.pm"
	ActionInviteMember  Action = "invite.member"
	ActionManageMembers Action = "members.manage"
	ActionManageProject Action = "project.manage"
	ActionDeleteProject Action = "project.delete"
)

// precedence gives roles a total order for comparisons. Higher outranks lower.
var precedence = map[Role]int{
	RoleAdmin:  3,
	RolePM:     2,
	RoleMember: 1,
	RoleNone:   0,
}

func Outranks(a, b Role) bool {
	return precedence[a] > precedence[b]
}

// Effective collapses a site-level and a project-level role into the role that
// governs a project-scoped request. A site ADMIN wins unconditionally; any
// project row the same user also holds is bookkeeping and is never consulted.
func Effective(siteRole, projectRole Role) Role {
	if siteRole == RoleAdmin {
		return RoleAdmin
	}
	switch projectRole {
	case RolePM, RoleMember:
		return projectRole
	}
	return RoleNone
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePM:
		switch action {
		case ActionViewBoard, ActionManageColumns, ActionEditIssues,
			ActionReorderGlobal, ActionInviteMember, ActionManageMembers,
			ActionManageProject:
			return true
		}
		return false
	case RoleMember:
		return action == ActionViewBoard
	default:
		return false
	}
}

// Grantable returns the role an inviter hands out: an ADMIN invites PMs, a PM
// invites MEMBERs. Nobody grants at or above their own scope of authority.
func Grantable(inviter Role) Role {
	switch inviter {
	case RoleAdmin:
		return RolePM
	case RolePM:
		return RoleMember
	}
	return RoleNone
}

// CanManage reports whether actor may change or remove target's membership
// row. PMs may only touch MEMBER rows; ADMIN and other PM rows are off limits
// to them.
func CanManage(actor, target Role) bool {
	switch actor {
	case RoleAdmin:
		return true
	case RolePM:
		return target == RoleMember
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RolePM, RoleMember:
		return Role(role)
	default:
		return RoleNone
	}
}
