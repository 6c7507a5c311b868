package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Site struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// SiteMember holds one (user, site, role) fact. The site owner's ADMIN row is
// materialized at site creation so role resolution never special-cases
// ownership.
type SiteMember struct {
	SiteID    string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type Project struct {
	ID        string
	SiteID    string
	Name      string
	Key       string
	IsPrivate bool
	CreatedBy string
	CreatedAt time.Time
}

// ProjectMember holds one (user, project, role) fact. ADMIN is never a
// project-scoped role; site ADMINs inherit authority without a row here.
type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type BoardColumn struct {
	ID         string
	ProjectID  string
	Title      string
	Icon       string
	OrderIndex int
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Issue struct {
	ID          string
	ProjectID   string
	ColumnID    string
	Title       string
	Description string
	Status      string
	AssigneeID  *string
	ReporterID  *string
	DueDate     time.Time
	OrderIndex  int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserIssueOrder is a user's private override of an issue's position inside
// one column. Absence of a row means "use the issue's global order". A row
// whose column no longer matches the issue's current column is orphaned and
// must never be surfaced by reads.
type UserIssueOrder struct {
	UserID     string
	IssueID    string
	ColumnID   string
	ProjectID  string
	OrderIndex int
	UpdatedAt  time.Time
}

// BoardIssue is an issue with its position resolved for one viewer:
// the per-user override when one exists for the current column, else the
// global order.
type BoardIssue struct {
	Issue
	ResolvedOrder int
}

// Invitation targets exactly one of SiteID or ProjectID. PENDING is modeled
// as neither flag set; the lifecycle is PENDING -> ACCEPTED (terminal) or
// PENDING -> REJECTED -> (re-invite resets to PENDING with a fresh token).
type Invitation struct {
	ID           string
	InviterID    string
	InviteeEmail string
	SiteID       *string
	ProjectID    *string
	Role         string
	TokenHash    string
	Accepted     bool
	Rejected     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
