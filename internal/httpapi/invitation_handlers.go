package httpapi

import (
	"errors"
	"net/http"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/gate"
	"tollgate.dev/internal/tenant"
)

type createInvitationRequest struct {
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	TTLSeconds     int64  `json:"ttl_seconds"`
}

type createInvitationResponse struct {
	Invitation tenant.Invitation `json:"invitation"`
	// Token is shown once. Only its hash is stored.
	Token string `json:"token"`
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

type inspectInvitationResponse struct {
	Invitation tenant.Invitation      `json:"invitation"`
	State      tenant.InvitationState `json:"state"`
}

func (a *API) handleInvitations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createInvitationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must be >= 0")
		return
	}
	if limit := int64(gate.MaxInviteTTL / time.Second); req.TTLSeconds > limit {
		req.TTLSeconds = limit
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl == 0 {
		ttl = a.inviteTTL
	}

	inv, token, err := a.gate.Invite(r.Context(), principalFrom(r), req.OrganizationID, auth.Role(req.Role), ttl)
	if err != nil {
		a.writeInvitationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createInvitationResponse{Invitation: inv, Token: token})
}

func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req acceptInvitationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.gate.AcceptInvitation(r.Context(), req.Token, principalFrom(r))
	if err != nil {
		a.writeInvitationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleInspectInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req acceptInvitationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, state, err := a.gate.InspectInvitation(r.Context(), principalFrom(r), req.Token)
	if err != nil {
		a.writeInvitationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inspectInvitationResponse{Invitation: inv, State: state})
}

func (a *API) writeInvitationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "invitation or organization not found")
	case errors.Is(err, tenant.ErrInvitationAlreadyConsumed):
		writeError(w, r, http.StatusConflict, "invitation already used")
	case errors.Is(err, tenant.ErrInvitationExpired):
		writeError(w, r, http.StatusGone, "invitation expired")
	case errors.Is(err, tenant.ErrConflict):
		writeError(w, r, http.StatusConflict, "invitation conflict")
	default:
		a.writeGateError(w, r, err)
	}
}
