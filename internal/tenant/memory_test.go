package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/plan"
)

func seedInvitation(t *testing.T, s *MemoryStore, expires time.Time) (Organization, string) {
	t.Helper()
	ctx := context.Background()
	org, err := s.CreateOrganization(ctx, Organization{Name: "Acme", PlanID: plan.Premium})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	hash := HashToken("raw-token")
	if _, err := s.CreateInvitation(ctx, Invitation{
		OrganizationID: org.ID,
		Role:           auth.RoleManager,
		TokenHash:      hash,
		InvitedBy:      "admin-1",
		ExpiresAt:      expires,
	}); err != nil {
		t.Fatalf("create invitation: %v", err)
	}
	return org, hash
}

func TestAcceptInvitationGrantsRoleAndPlan(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	org, hash := seedInvitation(t, s, now.Add(time.Hour))

	m, err := s.AcceptInvitation(context.Background(), hash, "u-9", now)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.OrganizationID != org.ID || m.Role != auth.RoleManager || m.PlanID != plan.Premium {
		t.Fatalf("membership: %+v", m)
	}
	acct, err := s.GetAccount(context.Background(), "u-9")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Role != auth.RoleManager || acct.PlanID != plan.Premium || acct.Version != 1 {
		t.Fatalf("account: %+v", acct)
	}
	inv, _ := s.InvitationByTokenHash(context.Background(), hash)
	if inv.State(now) != InvitationConsumed || inv.ConsumedBy != "u-9" {
		t.Fatalf("invitation not consumed: %+v", inv)
	}
}

func TestConcurrentAcceptIsSingleUse(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for trial := 0; trial < 20; trial++ {
		s := NewMemoryStore()
		_, hash := seedInvitation(t, s, now.Add(time.Hour))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			granted  int
			consumed int
		)
		for _, who := range []string{"a", "b"} {
			wg.Add(1)
			go func(principal string) {
				defer wg.Done()
				_, err := s.AcceptInvitation(context.Background(), hash, principal, now)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					granted++
				case errors.Is(err, ErrInvitationAlreadyConsumed):
					consumed++
				default:
					t.Errorf("unexpected: %v", err)
				}
			}(who)
		}
		wg.Wait()
		if granted != 1 || consumed != 1 {
			t.Fatalf("trial %d: granted=%d consumed=%d", trial, granted, consumed)
		}
	}
}

func TestAcceptAfterExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	_, hash := seedInvitation(t, s, now)

	if _, err := s.AcceptInvitation(context.Background(), hash, "u-1", now); !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("want expired, got %v", err)
	}
	if _, err := s.GetAccount(context.Background(), "u-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired acceptance granted membership: %v", err)
	}
}

func TestReplayAfterExpiryStillConsumed(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	_, hash := seedInvitation(t, s, now.Add(time.Minute))
	if _, err := s.AcceptInvitation(context.Background(), hash, "u-1", now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := s.AcceptInvitation(context.Background(), hash, "u-1", now.Add(time.Hour)); !errors.Is(err, ErrInvitationAlreadyConsumed) {
		t.Fatalf("want consumed, got %v", err)
	}
}

func TestUnknownToken(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.AcceptInvitation(context.Background(), HashToken("nope"), "u", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestApplyPlanChangeIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()
	org, _ := s.CreateOrganization(ctx, Organization{Name: "Acme", PlanID: plan.Standard})
	if _, err := s.PutAccount(ctx, Account{PrincipalID: "m1", OrganizationID: org.ID, Role: auth.RoleAnalyst, PlanID: plan.Standard}); err != nil {
		t.Fatalf("put: %v", err)
	}

	change := PlanChange{EventID: "evt-1", OrganizationID: org.ID, NewPlanID: plan.Enterprise}
	if err := s.ApplyPlanChange(ctx, change, now); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.ApplyPlanChange(ctx, change, now); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("want duplicate, got %v", err)
	}
	acct, _ := s.GetAccount(ctx, "m1")
	if acct.PlanID != plan.Enterprise || acct.Version != 2 {
		t.Fatalf("member not moved: %+v", acct)
	}
	got, _ := s.GetOrganization(ctx, org.ID)
	if got.PlanID != plan.Enterprise {
		t.Fatalf("org plan=%s", got.PlanID)
	}
}

func TestApplyPlanChangeCreatesAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.ApplyPlanChange(ctx, PlanChange{EventID: "e", PrincipalID: "solo", NewPlanID: plan.Premium}, time.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	acct, err := s.GetAccount(ctx, "solo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acct.PlanID != plan.Premium || acct.Role != "" {
		t.Fatalf("account: %+v", acct)
	}
}

func TestInvitationState(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	consumed := now.Add(-time.Minute)
	cases := []struct {
		name string
		inv  Invitation
		want InvitationState
	}{
		{"pending", Invitation{ExpiresAt: now.Add(time.Second)}, InvitationPending},
		{"expired at boundary", Invitation{ExpiresAt: now}, InvitationExpired},
		{"consumed before expiry", Invitation{ExpiresAt: now.Add(-time.Hour), ConsumedAt: &consumed}, InvitationConsumed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.inv.State(now); got != tc.want {
				t.Fatalf("state=%s want %s", got, tc.want)
			}
		})
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken(" abc\n") {
		t.Fatal("hash should ignore surrounding whitespace")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatal("expected hex sha256")
	}
}
