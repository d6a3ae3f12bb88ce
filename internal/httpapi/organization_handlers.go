package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tollgate.dev/internal/gate"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/tenant"
)

type createOrganizationRequest struct {
	Name   string `json:"name"`
	PlanID string `json:"plan_id"`
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.gate.CreateOrganization(r.Context(), principalFrom(r), req.Name, plan.ID(req.PlanID))
	if err != nil {
		a.writeOrganizationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/organizations/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	org, err := a.gate.Organization(r.Context(), principalFrom(r), id)
	if err != nil {
		a.writeOrganizationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) writeOrganizationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrInvalidOrganization):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, gate.ErrAlreadyMember):
		writeError(w, r, http.StatusConflict, "principal already belongs to an organization")
	case errors.Is(err, tenant.ErrConflict):
		writeError(w, r, http.StatusConflict, "organization already exists")
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "organization not found")
	default:
		a.writeGateError(w, r, err)
	}
}
