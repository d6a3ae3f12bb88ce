package httpapi

import (
	"net/http"
	"testing"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/gate"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
)

func TestOrganizationBootstrapEnablesInvitations(t *testing.T) {
	c := newTestAPI(t, quota.NewMemoryStore())
	founder := bearerHeader(c.token("founder", auth.RoleAdmin, plan.Starter, ""))

	// no organization yet
	expectStatus(t, c.post("/v1/invitations", map[string]any{"role": "analyst"}, founder), http.StatusForbidden)

	org := expectStatus(t, c.post("/v1/organizations", map[string]any{"name": "Acme", "plan_id": "premium"}, founder), http.StatusCreated)
	orgID, _ := org["id"].(string)
	if orgID == "" || org["plan_id"] != string(plan.Premium) {
		t.Fatalf("org=%v", org)
	}
	got := expectStatus(t, c.get("/v1/organizations/"+orgID, founder), http.StatusOK)
	if got["name"] != "Acme" {
		t.Fatalf("lookup=%v", got)
	}

	created := expectStatus(t, c.post("/v1/invitations", map[string]any{"role": "analyst"}, founder), http.StatusCreated)
	raw, _ := created["token"].(string)

	guest := bearerHeader(c.token("guest", auth.RoleViewer, plan.Starter, ""))
	inspected := expectStatus(t, c.post("/v1/invitations/inspect", map[string]any{"token": raw}, guest), http.StatusOK)
	if inspected["state"] != "pending" {
		t.Fatalf("inspect=%v", inspected)
	}
	expectStatus(t, c.post("/v1/invitations/accept", map[string]any{"token": raw}, guest), http.StatusOK)
	inspected = expectStatus(t, c.post("/v1/invitations/inspect", map[string]any{"token": raw}, guest), http.StatusOK)
	if inspected["state"] != "consumed" {
		t.Fatalf("inspect after accept=%v", inspected)
	}
	expectStatus(t, c.get("/v1/organizations/"+orgID, guest), http.StatusOK)

	expectStatus(t, c.post("/v1/organizations", map[string]any{"name": "Again", "plan_id": "premium"}, founder), http.StatusConflict)
}

func TestCreateOrganizationErrors(t *testing.T) {
	c := newTestAPI(t, quota.NewMemoryStore())
	admin := bearerHeader(c.token("admin-9", auth.RoleAdmin, plan.Starter, ""))
	manager := bearerHeader(c.token("mgr-9", auth.RoleManager, plan.Starter, ""))

	expectStatus(t, c.post("/v1/organizations", map[string]any{"name": "Acme", "plan_id": "premium"}, nil), http.StatusUnauthorized)
	expectStatus(t, c.post("/v1/organizations", map[string]any{"name": "Acme", "plan_id": "premium"}, manager), http.StatusForbidden)
	expectStatus(t, c.post("/v1/organizations", map[string]any{"name": "Acme", "plan_id": "platinum"}, admin), http.StatusBadRequest)
	expectStatus(t, c.post("/v1/organizations", map[string]any{"name": "", "plan_id": "premium"}, admin), http.StatusBadRequest)
	expectStatus(t, c.get("/v1/organizations/does-not-exist", admin), http.StatusForbidden)
}

func TestInvitationTTLIsCapped(t *testing.T) {
	c := newTestAPI(t, quota.NewMemoryStore())
	seedOrgAdmin(t, c, "admin-ttl", auth.RoleAdmin)
	tok := bearerHeader(c.token("admin-ttl", auth.RoleAdmin, plan.Premium, ""))

	for _, ttl := range []int64{10_000_000_000, 1 << 62} {
		created := expectStatus(t, c.post("/v1/invitations", map[string]any{"role": "viewer", "ttl_seconds": ttl}, tok), http.StatusCreated)
		inv, _ := created["invitation"].(map[string]any)
		createdAt, err := time.Parse(time.RFC3339Nano, inv["created_at"].(string))
		if err != nil {
			t.Fatalf("created_at: %v", err)
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, inv["expires_at"].(string))
		if err != nil {
			t.Fatalf("expires_at: %v", err)
		}
		if got := expiresAt.Sub(createdAt); got != gate.MaxInviteTTL {
			t.Fatalf("ttl_seconds=%d: lifetime=%s want %s", ttl, got, gate.MaxInviteTTL)
		}
	}
}
