package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/tenant"
)

func TestCreateOrganizationMakesCreatorMember(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	founder := principal("founder", auth.RoleAdmin, plan.Starter)

	org, err := f.gate.CreateOrganization(ctx, founder, "  Acme  ", plan.Standard)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if org.ID == "" || org.Name != "Acme" || org.PlanID != plan.Standard {
		t.Fatalf("org: %+v", org)
	}
	acct, err := f.tenants.GetAccount(ctx, "founder")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.OrganizationID != org.ID || acct.Role != auth.RoleAdmin || acct.PlanID != plan.Standard {
		t.Fatalf("account: %+v", acct)
	}

	got, err := f.gate.Organization(ctx, founder, org.ID)
	if err != nil || got.ID != org.ID {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	if _, err := f.gate.CreateOrganization(ctx, founder, "Second", plan.Standard); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("second org: %v", err)
	}

	if _, _, err := f.gate.Invite(ctx, founder, org.ID, auth.RoleAnalyst, time.Hour); err != nil {
		t.Fatalf("founder invite: %v", err)
	}
}

func TestCreateOrganizationRejects(t *testing.T) {
	cases := []struct {
		name    string
		creator *auth.Principal
		orgName string
		plan    plan.ID
		want    error
	}{
		{"anonymous", nil, "Acme", plan.Standard, ErrAuthenticationRequired},
		{"manager lacks organization.edit", principal("m", auth.RoleManager, plan.Starter), "Acme", plan.Standard, ErrPermissionDenied},
		{"blank name", principal("a", auth.RoleAdmin, plan.Starter), " ", plan.Standard, tenant.ErrInvalidOrganization},
		{"unknown plan", principal("a", auth.RoleAdmin, plan.Starter), "Acme", "platinum", tenant.ErrInvalidOrganization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if _, err := f.gate.CreateOrganization(context.Background(), tc.creator, tc.orgName, tc.plan); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestOrganizationVisibleToMembersOnly(t *testing.T) {
	f := newFixture(t, nil)
	org, boss := seedOrg(t, f)
	if _, err := f.gate.Organization(context.Background(), boss, org.ID); err != nil {
		t.Fatalf("member lookup: %v", err)
	}
	outsider := principal("outsider", auth.RoleAdmin, plan.Premium)
	if _, err := f.gate.Organization(context.Background(), outsider, org.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("outsider lookup: %v", err)
	}
}

func TestInviteUnknownOrganization(t *testing.T) {
	f := newFixture(t, nil)
	claimed := &auth.Principal{ID: "ghost", Role: auth.RoleAdmin, PlanID: plan.Premium, OrganizationID: "org-missing", EmailVerified: true}
	if _, _, err := f.gate.Invite(context.Background(), claimed, "", auth.RoleViewer, time.Hour); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestInspectInvitationStates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	org, boss := seedOrg(t, f)
	_, token, err := f.gate.Invite(ctx, boss, org.ID, auth.RoleAnalyst, time.Hour)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	guest := principal("guest", auth.RoleViewer, plan.Starter)

	inv, state, err := f.gate.InspectInvitation(ctx, guest, token)
	if err != nil || state != tenant.InvitationPending || inv.OrganizationID != org.ID || inv.Role != auth.RoleAnalyst {
		t.Fatalf("pending: %+v %s %v", inv, state, err)
	}

	f.now = testNow.Add(2 * time.Hour)
	if _, state, _ := f.gate.InspectInvitation(ctx, guest, token); state != tenant.InvitationExpired {
		t.Fatalf("state after expiry=%s", state)
	}
	if _, _, err := f.gate.InspectInvitation(ctx, guest, "bogus"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("unknown token: %v", err)
	}
	if _, _, err := f.gate.InspectInvitation(ctx, nil, token); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("anonymous: %v", err)
	}
}
