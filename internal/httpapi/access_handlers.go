package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tollgate.dev/internal/audit"
	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/gate"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
)

type authorizeRequest struct {
	Permission string `json:"permission"`
	Metered    bool   `json:"metered"`
}

type decisionResponse struct {
	Outcome    gate.Outcome    `json:"outcome"`
	Allowed    bool            `json:"allowed"`
	Permission auth.Permission `json:"permission,omitempty"`
	Usage      *quota.Usage    `json:"usage,omitempty"`
	Limit      *plan.Limit     `json:"limit,omitempty"`
	ResetAt    *time.Time      `json:"reset_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, ok := auth.ParsePermission(strings.TrimSpace(req.Permission))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown permission")
		return
	}
	d := a.gate.Authorize(r.Context(), principalFrom(r), perm, req.Metered)
	a.writeDecision(w, r, d)
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	usage, err := a.gate.Usage(r.Context(), principalFrom(r))
	if err != nil {
		a.writeGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// requireDecision authorizes an unmetered admin capability and writes the
// denial when it fails.
func (a *API) requireDecision(w http.ResponseWriter, r *http.Request, perm auth.Permission) bool {
	d := a.gate.Authorize(r.Context(), principalFrom(r), perm, false)
	if d.Allowed() {
		return true
	}
	a.writeDecision(w, r, d)
	return false
}

// writeDecision maps a decision onto the HTTP contract: 200 allow, 401
// authentication required, 403 permission denied, 429 quota exceeded, 503
// storage unavailable, 500 misconfigured.
func (a *API) writeDecision(w http.ResponseWriter, r *http.Request, d gate.Decision) {
	resp := decisionResponse{
		Outcome:    d.Outcome,
		Allowed:    d.Allowed(),
		Permission: d.Permission,
		Usage:      d.Usage,
		Limit:      d.Limit,
		RequestID:  audit.RequestID(r.Context()),
	}
	if !d.ResetAt.IsZero() {
		reset := d.ResetAt.UTC()
		resp.ResetAt = &reset
	}

	code := http.StatusOK
	switch d.Outcome {
	case gate.OutcomeAllow:
	case gate.OutcomeAuthenticationRequired:
		code = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", challenge)
		resp.Error = "authentication required"
	case gate.OutcomePermissionDenied:
		code = http.StatusForbidden
		resp.Error = "permission denied"
	case gate.OutcomeQuotaExceeded:
		code = http.StatusTooManyRequests
		resp.Error = "monthly quota exceeded"
	case gate.OutcomeStorageUnavailable:
		code = http.StatusServiceUnavailable
		resp.Error = "quota storage unavailable"
	default:
		code = http.StatusInternalServerError
		resp.Error = "access configuration error"
	}
	if wait := d.RetryAfter(a.now()); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	}
	writeJSON(w, code, resp)
}

func (a *API) writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gate.ErrAuthenticationRequired):
		unauthorized(w, r, "authentication required")
	case errors.Is(err, gate.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, auth.ErrInvalidRole):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, quota.ErrStorageUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, plan.ErrInvalidPlan):
		writeError(w, r, http.StatusInternalServerError, "access configuration error")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
