package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/billing"
	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/tenant"
)

const billingSecretHeader = "X-Billing-Secret"

type billingEventRequest struct {
	EventID        string `json:"event_id"`
	PrincipalID    string `json:"principal_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	PlanID         string `json:"plan_id"`
}

func (a *API) handleQuotaBreakdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.analytics == nil {
		writeError(w, r, http.StatusServiceUnavailable, "analytics disabled")
		return
	}
	if !a.requireDecision(w, r, auth.PermViewAdvancedAnalytics) {
		return
	}
	b, err := a.analytics.QuotaBreakdown(r.Context())
	if err != nil {
		obs.Error("quota_breakdown_failed", map[string]any{"err": err})
		a.writeGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleBillingEvent is the provider webhook. It authenticates with a shared
// secret rather than a bearer token.
func (a *API) handleBillingEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.billing == nil || a.billingSecret == "" {
		writeError(w, r, http.StatusServiceUnavailable, "billing webhook disabled")
		return
	}
	got := strings.TrimSpace(r.Header.Get(billingSecretHeader))
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.billingSecret)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "invalid billing secret")
		return
	}
	var req billingEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.billing.Apply(r.Context(), tenant.PlanChange{
		EventID:        req.EventID,
		PrincipalID:    req.PrincipalID,
		OrganizationID: req.OrganizationID,
		NewPlanID:      plan.ID(req.PlanID),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, billing.ErrInvalidChange):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, "billing store unavailable")
	}
}
