// Package httpapi is the HTTP transport over the access gate.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tollgate.dev/internal/analytics"
	"tollgate.dev/internal/audit"
	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/billing"
	"tollgate.dev/internal/gate"
	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/stream"
)

const (
	serviceName       = "tollgate"
	defaultMaxBody    = 1 << 20
	defaultRateBurst  = 50
	defaultRatePerSec = 25
)

// Pinger is any backend that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backends the API depends on.
type ReadyProbe struct {
	DB       *sql.DB
	Counters Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Counters != nil {
		if err := rp.Counters.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the core services the handlers front. Gate is required; the rest
// disable their endpoints when nil.
type Deps struct {
	Verifier      *auth.Verifier
	Gate          *gate.Gate
	Analytics     *analytics.Aggregator
	Billing       *billing.Applier
	BillingSecret string
	Stream        *stream.Hub
	InviteTTL     time.Duration
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	verifier      *auth.Verifier
	gate          *gate.Gate
	analytics     *analytics.Aggregator
	billing       *billing.Applier
	billingSecret string
	stream        *stream.Hub
	inviteTTL     time.Duration

	rateBurst  int
	ratePerSec int
	maxBody    int64
	now        func() time.Time
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       version,
		verifier:      deps.Verifier,
		gate:          deps.Gate,
		analytics:     deps.Analytics,
		billing:       deps.Billing,
		billingSecret: strings.TrimSpace(deps.BillingSecret),
		stream:        deps.Stream,
		inviteTTL:     deps.InviteTTL,
		rateBurst:     defaultRateBurst,
		ratePerSec:    defaultRatePerSec,
		maxBody:       defaultMaxBody,
		now:           time.Now,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/access/authorize", a.handleAuthorize)
	a.mux.HandleFunc("/v1/usage", a.handleUsage)
	a.mux.HandleFunc("/v1/invitations", a.handleInvitations)
	a.mux.HandleFunc("/v1/invitations/accept", a.handleAcceptInvitation)
	a.mux.HandleFunc("/v1/invitations/inspect", a.handleInspectInvitation)
	a.mux.HandleFunc("/v1/organizations", a.handleCreateOrganization)
	a.mux.HandleFunc("/v1/organizations/", a.handleGetOrganization)
	a.mux.HandleFunc("/v1/admin/quota-breakdown", a.handleQuotaBreakdown)
	a.mux.HandleFunc("/v1/admin/decisions/stream", a.Stream)
	a.mux.HandleFunc("/v1/billing/events", a.handleBillingEvent)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// SetRateLimit overrides the per-client token bucket. Non-positive values
// keep the defaults.
func (a *API) SetRateLimit(burst, perSecond int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
}

// Handler returns the mux wrapped in the middleware chain and metrics.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func principalFrom(r *http.Request) *auth.Principal {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil
	}
	return &p
}
