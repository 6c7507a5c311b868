package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"

	"tracklane/api/internal/invite"
	"tracklane/api/internal/rbac"
	"tracklane/api/internal/store"
	"tracklane/api/internal/util"
)

// MembershipRecord describes the membership an accepted invitation granted.
type MembershipRecord struct {
	SiteID    string
	ProjectID string
	UserID    string
	Role      string
}

// InvitationIssued is returned to the inviter. Token is the raw signed token;
// it is never stored and cannot be recovered later.
type InvitationIssued struct {
	Invitation store.Invitation
	Token      string
	AcceptURL  string
}

// InviteToSite issues a site-level invitation. Only a site ADMIN may invite,
// and the granted role is PM or MEMBER; ADMIN is never granted by invitation.
func (s *Service) InviteToSite(ctx context.Context, actorID, siteID, email, role string) (InvitationIssued, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return InvitationIssued{}, validationError("a valid email address is required")
	}
	granted := rbac.Normalize(role)
	if granted != rbac.RolePM && granted != rbac.RoleMember {
		return InvitationIssued{}, validationError("invitation role must be PM or MEMBER")
	}

	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InvitationIssued{}, notFoundError("site not found")
		}
		return InvitationIssued{}, internalError("load site", err)
	}
	if err := s.requireSiteAdmin(ctx, actorID, siteID); err != nil {
		return InvitationIssued{}, err
	}

	// An existing member never needs an invitation.
	if invitee, err := s.store.GetUserByEmail(ctx, email); err == nil {
		memberRole, err := s.store.SiteRoleOf(ctx, invitee.ID, siteID)
		if err != nil {
			return InvitationIssued{}, internalError("read site role", err)
		}
		if memberRole != "" {
			return InvitationIssued{}, conflictError("this user is already a site member")
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return InvitationIssued{}, internalError("load invitee", err)
	}

	prior, err := s.store.FindSiteInvitation(ctx, siteID, email)
	switch {
	case err == nil:
		return s.reissueOrConflict(ctx, prior, actorID, email, site.Name, string(granted))
	case errors.Is(err, sql.ErrNoRows):
	default:
		return InvitationIssued{}, internalError("find invitation", err)
	}

	inv := store.Invitation{
		ID:           util.NewID("inv"),
		InviterID:    actorID,
		InviteeEmail: email,
		SiteID:       &siteID,
		Role:         string(granted),
	}
	return s.issueInvitation(ctx, inv, site.Name)
}

// InviteToProject issues a project-level invitation. The granted role is
// derived from the inviter's effective role: ADMIN grants PM, PM grants
// MEMBER, everyone else is refused.
func (s *Service) InviteToProject(ctx context.Context, actorID, projectID, email string) (InvitationIssued, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return InvitationIssued{}, validationError("a valid email address is required")
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InvitationIssued{}, notFoundError("project not found")
		}
		return InvitationIssued{}, internalError("load project", err)
	}

	actorRole, err := s.EffectiveRole(ctx, actorID, projectID)
	if err != nil {
		return InvitationIssued{}, err
	}
	granted := rbac.Grantable(actorRole)
	if granted == rbac.RoleNone {
		return InvitationIssued{}, forbiddenError("insufficient role to invite")
	}

	if invitee, err := s.store.GetUserByEmail(ctx, email); err == nil {
		memberRole, err := s.store.ProjectRoleOf(ctx, invitee.ID, projectID)
		if err != nil {
			return InvitationIssued{}, internalError("read project role", err)
		}
		if memberRole != "" {
			return InvitationIssued{}, conflictError("this user is already a project member")
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return InvitationIssued{}, internalError("load invitee", err)
	}

	prior, err := s.store.FindProjectInvitation(ctx, projectID, email)
	switch {
	case err == nil:
		return s.reissueOrConflict(ctx, prior, actorID, email, project.Name, string(granted))
	case errors.Is(err, sql.ErrNoRows):
	default:
		return InvitationIssued{}, internalError("find invitation", err)
	}

	inv := store.Invitation{
		ID:           util.NewID("inv"),
		InviterID:    actorID,
		InviteeEmail: email,
		ProjectID:    &projectID,
		Role:         string(granted),
	}
	return s.issueInvitation(ctx, inv, project.Name)
}

// reissueOrConflict handles the re-invite path: a PENDING duplicate is a
// Conflict; a REJECTED invitation resets to PENDING with a fresh token and
// the new inviter and role; an ACCEPTED one means the user is already in.
func (s *Service) reissueOrConflict(ctx context.Context, prior store.Invitation, actorID, email, targetName, role string) (InvitationIssued, error) {
	switch {
	case prior.Accepted:
		return InvitationIssued{}, conflictError("this invitation was already accepted")
	case !prior.Rejected:
		return InvitationIssued{}, conflictError("an invitation for this email is already pending")
	}

	token, hash, err := s.mintToken(prior.ID, email)
	if err != nil {
		return InvitationIssued{}, internalError("issue token", err)
	}
	reset, err := s.store.ResetInvitation(ctx, prior.ID, actorID, role, hash)
	if err != nil {
		return InvitationIssued{}, internalError("reset invitation", err)
	}
	if !reset {
		return InvitationIssued{}, conflictError("an invitation for this email is already pending")
	}

	prior.InviterID = actorID
	prior.Role = role
	prior.Accepted = false
	prior.Rejected = false
	prior.TokenHash = hash
	issued := InvitationIssued{
		Invitation: prior,
		Token:      token,
		AcceptURL:  s.acceptURL(token),
	}
	s.sendInviteEmail(ctx, actorID, email, targetName, role, issued.AcceptURL)
	return issued, nil
}

func (s *Service) issueInvitation(ctx context.Context, inv store.Invitation, targetName string) (InvitationIssued, error) {
	token, hash, err := s.mintToken(inv.ID, inv.InviteeEmail)
	if err != nil {
		return InvitationIssued{}, internalError("issue token", err)
	}
	inv.TokenHash = hash
	if err := s.store.InsertInvitation(ctx, inv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return InvitationIssued{}, conflictError("an invitation for this email is already pending")
		}
		return InvitationIssued{}, internalError("insert invitation", err)
	}

	issued := InvitationIssued{
		Invitation: inv,
		Token:      token,
		AcceptURL:  s.acceptURL(token),
	}
	s.sendInviteEmail(ctx, inv.InviterID, inv.InviteeEmail, targetName, inv.Role, issued.AcceptURL)
	return issued, nil
}

func (s *Service) mintToken(invitationID, email string) (token, hash string, err error) {
	token, err = invite.IssueToken([]byte(s.cfg.InviteSecret), invite.Claims{
		InvitationID: invitationID,
		Email:        email,
		Exp:          s.now().Add(s.cfg.InviteTTL).Unix(),
	})
	if err != nil {
		return "", "", err
	}
	return token, invite.HashToken(token), nil
}

func (s *Service) acceptURL(token string) string {
	return fmt.Sprintf("%s/invitations/accept?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), token)
}

func (s *Service) sendInviteEmail(ctx context.Context, inviterID, to, targetName, role, acceptURL string) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	inviterName := "A teammate"
	if inviter, err := s.store.GetUserByID(ctx, inviterID); err == nil {
		inviterName = inviter.DisplayName
	}
	go func() {
		if err := s.mail.SendInvitationEmail(to, inviterName, targetName, role, acceptURL); err != nil {
			log.Printf("invite: send email to %s: %v", to, err)
		}
	}()
}

// AcceptInvitationByToken is the token flow: the caller proves control of the
// invited email by presenting the signed token. Accepting an ACCEPTED
// invitation again is idempotent and reports the granted membership.
func (s *Service) AcceptInvitationByToken(ctx context.Context, userID, token string) (MembershipRecord, error) {
	claims, err := invite.ParseToken([]byte(s.cfg.InviteSecret), token)
	if err != nil {
		if errors.Is(err, invite.ErrExpiredToken) {
			return MembershipRecord{}, forbiddenError("invitation token has expired")
		}
		return MembershipRecord{}, validationError("invitation token is invalid")
	}

	inv, err := s.store.GetInvitationByTokenHash(ctx, invite.HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MembershipRecord{}, notFoundError("invitation not found")
		}
		return MembershipRecord{}, internalError("load invitation", err)
	}
	if inv.ID != claims.InvitationID {
		return MembershipRecord{}, validationError("invitation token is invalid")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MembershipRecord{}, notFoundError("user not found")
		}
		return MembershipRecord{}, internalError("load user", err)
	}
	if !strings.EqualFold(user.Email, inv.InviteeEmail) {
		return MembershipRecord{}, forbiddenError("this invitation was issued to a different email")
	}

	switch {
	case inv.Accepted:
		return membershipFromInvitation(inv, userID), nil
	case inv.Rejected:
		return MembershipRecord{}, conflictError("this invitation was rejected")
	}

	if err := s.store.AcceptInvitation(ctx, inv, userID); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			// Lost a race with another accept or a reject; re-read and report.
			current, rerr := s.store.GetInvitation(ctx, inv.ID)
			if rerr == nil && current.Accepted {
				return membershipFromInvitation(current, userID), nil
			}
			return MembershipRecord{}, conflictError("this invitation is no longer pending")
		}
		return MembershipRecord{}, internalError("accept invitation", err)
	}

	s.invalidateUserRoles(ctx, userID)
	return membershipFromInvitation(inv, userID), nil
}

// AcceptInvitationByID is the id flow kept for callers that never held a
// token. It does not guard against repeat accepts, so a duplicate membership
// surfaces as a Conflict instead of an idempotent success.
func (s *Service) AcceptInvitationByID(ctx context.Context, userID, invitationID string) (MembershipRecord, error) {
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MembershipRecord{}, notFoundError("invitation not found")
		}
		return MembershipRecord{}, internalError("load invitation", err)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MembershipRecord{}, notFoundError("user not found")
		}
		return MembershipRecord{}, internalError("load user", err)
	}
	if !strings.EqualFold(user.Email, inv.InviteeEmail) {
		return MembershipRecord{}, forbiddenError("this invitation was issued to a different email")
	}
	if inv.Rejected {
		return MembershipRecord{}, conflictError("this invitation was rejected")
	}

	if err := s.store.AcceptInvitationLegacy(ctx, inv, userID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return MembershipRecord{}, conflictError("membership already exists")
		}
		return MembershipRecord{}, internalError("accept invitation", err)
	}

	s.invalidateUserRoles(ctx, userID)
	return membershipFromInvitation(inv, userID), nil
}

// RejectInvitation marks a PENDING invitation REJECTED. Rejection is
// recoverable: a later re-invite resets it to PENDING.
func (s *Service) RejectInvitation(ctx context.Context, userID, invitationID string) error {
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("invitation not found")
		}
		return internalError("load invitation", err)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("user not found")
		}
		return internalError("load user", err)
	}
	if !strings.EqualFold(user.Email, inv.InviteeEmail) {
		return forbiddenError("this invitation was issued to a different email")
	}
	if inv.Accepted {
		return conflictError("this invitation was already accepted")
	}
	if inv.Rejected {
		return nil
	}

	if err := s.store.RejectInvitation(ctx, invitationID); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			return conflictError("this invitation is no longer pending")
		}
		return internalError("reject invitation", err)
	}
	return nil
}

func membershipFromInvitation(inv store.Invitation, userID string) MembershipRecord {
	record := MembershipRecord{UserID: userID, Role: inv.Role}
	if inv.SiteID != nil {
		record.SiteID = *inv.SiteID
	}
	if inv.ProjectID != nil {
		record.ProjectID = *inv.ProjectID
	}
	return record
}
