package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tollgate.dev/internal/audit"
	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/tenant"
)

// ErrAlreadyMember rejects organization creation by a principal that already
// belongs to one.
var ErrAlreadyMember = errors.New("gate: principal already belongs to an organization")

// CreateOrganization creates an organization on planID and makes the creator
// its first member with the creator's current role.
func (g *Gate) CreateOrganization(ctx context.Context, creator *auth.Principal, name string, planID plan.ID) (tenant.Organization, error) {
	if g.tenants == nil {
		return tenant.Organization{}, errors.New("gate: organizations need a tenant store")
	}
	if !creator.Authenticated() {
		return tenant.Organization{}, ErrAuthenticationRequired
	}
	acting, err := g.Effective(ctx, *creator)
	if err != nil {
		return tenant.Organization{}, err
	}
	if !g.resolver.HasPermission(acting.Role, auth.PermEditOrganization) {
		return tenant.Organization{}, &PermissionDeniedError{Permission: auth.PermEditOrganization, Role: acting.Role}
	}
	if acting.OrganizationID != "" {
		return tenant.Organization{}, ErrAlreadyMember
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return tenant.Organization{}, fmt.Errorf("%w: organization name is required", tenant.ErrInvalidOrganization)
	}
	policy, err := g.ledger.Plans().Resolve(planID)
	if err != nil {
		return tenant.Organization{}, fmt.Errorf("%w: %v", tenant.ErrInvalidOrganization, err)
	}

	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	org, err := g.tenants.CreateOrganization(tctx, tenant.Organization{Name: name, PlanID: policy.ID})
	if err != nil {
		return tenant.Organization{}, err
	}
	if _, err := g.tenants.PutAccount(tctx, tenant.Account{
		PrincipalID:    acting.ID,
		OrganizationID: org.ID,
		Role:           acting.Role,
		PlanID:         org.PlanID,
	}); err != nil {
		obs.Error("organization_owner_failed", map[string]any{"organization_id": org.ID, "principal_id": acting.ID, "err": err})
		return tenant.Organization{}, err
	}
	_ = audit.LogEvent(ctx, audit.EventOrganizationCreated, map[string]any{
		"organization_id": org.ID,
		"plan_id":         string(org.PlanID),
	})
	return org, nil
}

// Organization returns the organization with id to one of its members.
func (g *Gate) Organization(ctx context.Context, viewer *auth.Principal, id string) (tenant.Organization, error) {
	if g.tenants == nil {
		return tenant.Organization{}, errors.New("gate: organizations need a tenant store")
	}
	if !viewer.Authenticated() {
		return tenant.Organization{}, ErrAuthenticationRequired
	}
	acting, err := g.Effective(ctx, *viewer)
	if err != nil {
		return tenant.Organization{}, err
	}
	if !g.resolver.HasPermission(acting.Role, auth.PermViewOrganization) || acting.OrganizationID != id {
		return tenant.Organization{}, &PermissionDeniedError{Permission: auth.PermViewOrganization, Role: acting.Role}
	}
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.tenants.GetOrganization(tctx, id)
}

// InspectInvitation reports an invitation's organization, role and state
// without consuming it.
func (g *Gate) InspectInvitation(ctx context.Context, principal *auth.Principal, token string) (tenant.Invitation, tenant.InvitationState, error) {
	if g.tenants == nil {
		return tenant.Invitation{}, "", errors.New("gate: invitations need a tenant store")
	}
	if !principal.Authenticated() {
		return tenant.Invitation{}, "", ErrAuthenticationRequired
	}
	if strings.TrimSpace(token) == "" {
		return tenant.Invitation{}, "", tenant.ErrNotFound
	}
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	inv, err := g.tenants.InvitationByTokenHash(tctx, tenant.HashToken(token))
	if err != nil {
		return tenant.Invitation{}, "", err
	}
	return inv, inv.State(g.now().UTC()), nil
}
