package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
	"tollgate.dev/internal/stream"
	"tollgate.dev/internal/tenant"
)

var testNow = time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Publish(e stream.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Outcome)
	}
	return out
}

type fixture struct {
	gate     *Gate
	counters *quota.MemoryStore
	tenants  *tenant.MemoryStore
	events   *recorder
	now      time.Time
}

func newFixture(t *testing.T, counters quota.Store) *fixture {
	t.Helper()
	f := &fixture{tenants: tenant.NewMemoryStore(), events: &recorder{}, now: testNow}
	if counters == nil {
		f.counters = quota.NewMemoryStore()
		counters = f.counters
	}
	clock := func() time.Time { return f.now }
	ledger, err := quota.NewLedger(counters, plan.MustDefault(),
		quota.WithClock(clock),
		quota.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	g, err := New(auth.NewResolver(nil), ledger, f.tenants, WithPublisher(f.events), WithClock(clock))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	f.gate = g
	return f
}

func principal(id string, role auth.Role, p plan.ID) *auth.Principal {
	return &auth.Principal{ID: id, Role: role, PlanID: p, EmailVerified: true}
}

func TestAuthenticationRequired(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]*auth.Principal{
		"nil":        nil,
		"empty id":   {Role: auth.RoleAdmin, EmailVerified: true},
		"unverified": {ID: "u1", Role: auth.RoleAdmin, PlanID: plan.Premium},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			d := f.gate.Authorize(context.Background(), p, auth.PermViewAnalysis, false)
			if d.Outcome != OutcomeAuthenticationRequired || !errors.Is(d.Err, ErrAuthenticationRequired) {
				t.Fatalf("decision: %+v", d)
			}
		})
	}
}

func TestPermissionDeniedNamesPermission(t *testing.T) {
	f := newFixture(t, nil)
	d := f.gate.Authorize(context.Background(), principal("u1", auth.RoleViewer, plan.Premium), auth.PermManageBilling, true)
	if d.Outcome != OutcomePermissionDenied {
		t.Fatalf("outcome=%s", d.Outcome)
	}
	var denied *PermissionDeniedError
	if !errors.As(d.Err, &denied) || denied.Permission != auth.PermManageBilling {
		t.Fatalf("err=%v", d.Err)
	}
	if !errors.Is(d.Err, ErrPermissionDenied) {
		t.Fatal("should match ErrPermissionDenied")
	}
	if _, err := f.counters.Get(context.Background(), "u1"); !errors.Is(err, quota.ErrCounterNotFound) {
		t.Fatal("denied request must not consume quota")
	}
	if got := f.events.outcomes(); len(got) != 1 || got[0] != string(OutcomePermissionDenied) {
		t.Fatalf("events=%v", got)
	}
}

func TestUnknownRoleDeniedEverything(t *testing.T) {
	f := newFixture(t, nil)
	for _, perm := range auth.AllPermissions {
		d := f.gate.Authorize(context.Background(), principal("u1", "superuser", plan.Premium), perm, false)
		if d.Allowed() {
			t.Fatalf("unknown role allowed %s", perm)
		}
	}
}

func TestMeteredEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.counters.Seed(quota.Counter{PrincipalID: "u1", PlanID: plan.Standard, Used: 39, PeriodStart: quota.MonthStart(testNow)})
	p := principal("u1", auth.RoleAnalyst, plan.Standard)

	d := f.gate.Authorize(context.Background(), p, auth.PermCreateAnalysis, true)
	if !d.Allowed() || d.Usage == nil {
		t.Fatalf("first: %+v", d)
	}
	if rem, _ := d.Usage.Remaining.Value(); d.Usage.Used != 40 || rem != 0 {
		t.Fatalf("usage: %+v", d.Usage)
	}

	d = f.gate.Authorize(context.Background(), p, auth.PermCreateAnalysis, true)
	if d.Outcome != OutcomeQuotaExceeded {
		t.Fatalf("second: %+v", d)
	}
	if n, _ := d.Limit.Value(); n != 40 {
		t.Fatalf("limit=%s", d.Limit)
	}
	if want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC); !d.ResetAt.Equal(want) {
		t.Fatalf("resetAt=%s", d.ResetAt)
	}
	if !errors.Is(d.Err, quota.ErrQuotaExceeded) {
		t.Fatalf("err=%v", d.Err)
	}
	if d.RetryAfter(testNow) <= 0 {
		t.Fatal("expected positive retry-after")
	}
	got := f.events.outcomes()
	if len(got) != 2 || got[0] != "quota_exhausted" || got[1] != string(OutcomeQuotaExceeded) {
		t.Fatalf("events=%v", got)
	}
}

type downStore struct{ *quota.MemoryStore }

func (downStore) Get(context.Context, string) (quota.Counter, error) {
	return quota.Counter{}, errors.New("dial tcp: connection refused")
}

func TestStorageFailureDenies(t *testing.T) {
	f := newFixture(t, downStore{quota.NewMemoryStore()})
	d := f.gate.Authorize(context.Background(), principal("u1", auth.RoleAdmin, plan.Premium), auth.PermCreateAnalysis, true)
	if d.Outcome != OutcomeStorageUnavailable || d.Allowed() {
		t.Fatalf("decision: %+v", d)
	}
	if !errors.Is(d.Err, quota.ErrStorageUnavailable) {
		t.Fatalf("err=%v", d.Err)
	}
}

func TestUnknownPlanMisconfigured(t *testing.T) {
	f := newFixture(t, nil)
	d := f.gate.Authorize(context.Background(), principal("u1", auth.RoleAdmin, "gold"), auth.PermCreateAnalysis, true)
	if d.Outcome != OutcomeMisconfigured || !errors.Is(d.Err, plan.ErrInvalidPlan) {
		t.Fatalf("decision: %+v", d)
	}
	if d := f.gate.Authorize(context.Background(), principal("u1", auth.RoleAdmin, "gold"), auth.PermViewAnalysis, false); !d.Allowed() {
		t.Fatalf("unmetered request should not need a plan: %+v", d)
	}
}

func seedOrg(t *testing.T, f *fixture) (tenant.Organization, *auth.Principal) {
	t.Helper()
	ctx := context.Background()
	org, err := f.tenants.CreateOrganization(ctx, tenant.Organization{Name: "Acme", PlanID: plan.Premium})
	if err != nil {
		t.Fatalf("org: %v", err)
	}
	if _, err := f.tenants.PutAccount(ctx, tenant.Account{PrincipalID: "boss", OrganizationID: org.ID, Role: auth.RoleManager, PlanID: plan.Premium}); err != nil {
		t.Fatalf("account: %v", err)
	}
	return org, principal("boss", auth.RoleViewer, plan.Starter)
}

func TestInviteAndAcceptEscalates(t *testing.T) {
	f := newFixture(t, nil)
	org, boss := seedOrg(t, f)

	inv, token, err := f.gate.Invite(context.Background(), boss, org.ID, auth.RoleAnalyst, time.Hour)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if token == "" || inv.TokenHash == token || !inv.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("invitation: %+v", inv)
	}

	newbie := principal("newbie", auth.RoleViewer, plan.Starter)
	if d := f.gate.Authorize(context.Background(), newbie, auth.PermCreateAnalysis, true); d.Outcome != OutcomePermissionDenied {
		t.Fatalf("before accept: %+v", d)
	}
	m, err := f.gate.AcceptInvitation(context.Background(), token, newbie)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.Role != auth.RoleAnalyst || m.PlanID != plan.Premium || m.OrganizationID != org.ID {
		t.Fatalf("membership: %+v", m)
	}

	d := f.gate.Authorize(context.Background(), newbie, auth.PermCreateAnalysis, true)
	if !d.Allowed() {
		t.Fatalf("after accept: %+v", d)
	}
	if n, _ := d.Usage.Limit.Value(); n != 150 {
		t.Fatalf("plan not escalated: limit=%s", d.Usage.Limit)
	}

	if _, err := f.gate.AcceptInvitation(context.Background(), token, newbie); !errors.Is(err, tenant.ErrInvitationAlreadyConsumed) {
		t.Fatalf("replay: %v", err)
	}
}

func TestConcurrentAcceptance(t *testing.T) {
	f := newFixture(t, nil)
	org, boss := seedOrg(t, f)
	_, token, err := f.gate.Invite(context.Background(), boss, org.ID, auth.RoleViewer, time.Hour)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}

	results := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func(id string) {
			_, err := f.gate.AcceptInvitation(context.Background(), token, principal(id, auth.RoleViewer, plan.Starter))
			results <- err
		}(id)
	}
	var ok, consumed int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case errors.Is(err, tenant.ErrInvitationAlreadyConsumed):
			consumed++
		default:
			t.Fatalf("unexpected: %v", err)
		}
	}
	if ok != 1 || consumed != 1 {
		t.Fatalf("ok=%d consumed=%d", ok, consumed)
	}
}

func TestAcceptExpiredInvitation(t *testing.T) {
	f := newFixture(t, nil)
	org, boss := seedOrg(t, f)
	_, token, err := f.gate.Invite(context.Background(), boss, org.ID, auth.RoleViewer, time.Hour)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.gate.AcceptInvitation(context.Background(), token, principal("late", auth.RoleViewer, plan.Starter)); !errors.Is(err, tenant.ErrInvitationExpired) {
		t.Fatalf("want expired, got %v", err)
	}
}

func TestInviteGuards(t *testing.T) {
	f := newFixture(t, nil)
	org, boss := seedOrg(t, f)
	ctx := context.Background()

	if _, _, err := f.gate.Invite(ctx, boss, org.ID, auth.RoleAdmin, time.Hour); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("manager granting admin: %v", err)
	}
	if _, _, err := f.gate.Invite(ctx, boss, "other-org", auth.RoleViewer, time.Hour); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("foreign org: %v", err)
	}
	if _, _, err := f.gate.Invite(ctx, boss, org.ID, "overlord", time.Hour); !errors.Is(err, auth.ErrInvalidRole) {
		t.Fatalf("invalid role: %v", err)
	}
	analyst := principal("ana", auth.RoleAnalyst, plan.Standard)
	analyst.OrganizationID = org.ID
	if _, _, err := f.gate.Invite(ctx, analyst, org.ID, auth.RoleViewer, time.Hour); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("analyst inviting: %v", err)
	}
	if _, _, err := f.gate.Invite(ctx, nil, org.ID, auth.RoleViewer, time.Hour); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("anonymous: %v", err)
	}
}

func TestEffectiveOverlaysStoredState(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.tenants.PutAccount(context.Background(), tenant.Account{PrincipalID: "u1", PlanID: plan.Enterprise}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := f.gate.Effective(context.Background(), *principal("u1", auth.RoleAnalyst, plan.Starter))
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if got.Role != auth.RoleAnalyst || got.PlanID != plan.Enterprise {
		t.Fatalf("effective: %+v", got)
	}
}
