// Package gate is the per-request access decision point. It combines role
// capabilities, stored account state and quota metering into one Decision.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tollgate.dev/internal/audit"
	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/ids"
	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
	"tollgate.dev/internal/stream"
	"tollgate.dev/internal/tenant"
)

const (
	defaultTenantTimeout = 2 * time.Second
	defaultInviteTTL     = 72 * time.Hour
	MaxInviteTTL         = 30 * 24 * time.Hour
)

// Publisher receives denial and exhaustion events.
type Publisher interface {
	Publish(stream.Event)
}

// Gate answers "may this principal do this now".
type Gate struct {
	resolver *auth.Resolver
	ledger   *quota.Ledger
	tenants  tenant.Store
	events   Publisher
	now      func() time.Time
	timeout  time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithPublisher streams denials to p.
func WithPublisher(p Publisher) Option {
	return func(g *Gate) { g.events = p }
}

// WithClock overrides the time source used for invitations.
func WithClock(fn func() time.Time) Option {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithTenantTimeout bounds each tenant store call.
func WithTenantTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// New builds a gate. tenants may be nil, in which case token claims are
// taken as-is and invitations are unavailable.
func New(resolver *auth.Resolver, ledger *quota.Ledger, tenants tenant.Store, opts ...Option) (*Gate, error) {
	if resolver == nil {
		return nil, errors.New("gate: resolver is required")
	}
	if ledger == nil {
		return nil, errors.New("gate: ledger is required")
	}
	g := &Gate{
		resolver: resolver,
		ledger:   ledger,
		tenants:  tenants,
		now:      time.Now,
		timeout:  defaultTenantTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Resolver returns the capability resolver the gate checks against.
func (g *Gate) Resolver() *auth.Resolver { return g.resolver }

// Authorize decides whether principal may exercise perm. When metered is
// true an allow also consumes one unit of the principal's monthly quota.
func (g *Gate) Authorize(ctx context.Context, principal *auth.Principal, perm auth.Permission, metered bool) Decision {
	d := g.authorize(ctx, principal, perm, metered)
	g.observe(ctx, d)
	return d
}

func (g *Gate) authorize(ctx context.Context, principal *auth.Principal, perm auth.Permission, metered bool) Decision {
	d := Decision{Permission: perm, Metered: metered}
	if !principal.Authenticated() {
		d.Outcome = OutcomeAuthenticationRequired
		d.Err = ErrAuthenticationRequired
		return d
	}

	effective, err := g.Effective(ctx, *principal)
	d.Principal = effective
	if err != nil {
		d.Outcome = OutcomeStorageUnavailable
		d.Err = err
		return d
	}

	if _, err := auth.ParseRole(string(effective.Role)); err != nil {
		configError("role", err, map[string]any{"principal_id": effective.ID, "role": string(effective.Role)})
	}
	if !g.resolver.HasPermission(effective.Role, perm) {
		d.Outcome = OutcomePermissionDenied
		d.Err = &PermissionDeniedError{Permission: perm, Role: effective.Role}
		return d
	}
	if !metered {
		d.Outcome = OutcomeAllow
		return d
	}

	usage, err := g.ledger.TryConsume(ctx, quota.Subject{ID: effective.ID, PlanID: effective.PlanID}, 1)
	var exceeded *quota.ExceededError
	switch {
	case err == nil:
		d.Outcome = OutcomeAllow
		d.Usage = &usage
	case errors.As(err, &exceeded):
		d.Outcome = OutcomeQuotaExceeded
		limit := exceeded.Limit
		d.Limit = &limit
		d.ResetAt = exceeded.ResetAt
		d.Err = err
	case errors.Is(err, plan.ErrInvalidPlan):
		d.Outcome = OutcomeMisconfigured
		d.Err = err
	default:
		// Anything else, including caller cancellation, is denied.
		d.Outcome = OutcomeStorageUnavailable
		if !errors.Is(err, quota.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %v", quota.ErrStorageUnavailable, err)
		}
		d.Err = err
	}
	return d
}

// Usage reports the principal's quota in the current period.
func (g *Gate) Usage(ctx context.Context, principal *auth.Principal) (quota.Usage, error) {
	if !principal.Authenticated() {
		return quota.Usage{}, ErrAuthenticationRequired
	}
	effective, err := g.Effective(ctx, *principal)
	if err != nil {
		return quota.Usage{}, err
	}
	return g.ledger.GetUsage(ctx, quota.Subject{ID: effective.ID, PlanID: effective.PlanID})
}

// Effective overlays stored account state onto the token's claims so that
// role and plan changes apply without reissuing tokens.
func (g *Gate) Effective(ctx context.Context, p auth.Principal) (auth.Principal, error) {
	if g.tenants == nil {
		return p, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	acct, err := g.tenants.GetAccount(ctx, p.ID)
	if errors.Is(err, tenant.ErrNotFound) {
		return p, nil
	}
	if err != nil {
		obs.Error("account_lookup_failed", map[string]any{"principal_id": p.ID, "err": err})
		return p, fmt.Errorf("%w: account lookup: %v", quota.ErrStorageUnavailable, err)
	}
	if acct.Role != "" {
		p.Role = acct.Role
	}
	if acct.PlanID != "" {
		p.PlanID = acct.PlanID
	}
	if acct.OrganizationID != "" {
		p.OrganizationID = acct.OrganizationID
	}
	return p, nil
}

func (g *Gate) observe(ctx context.Context, d Decision) {
	obs.ObserveDecision(string(d.Outcome))

	exhausted := d.Outcome == OutcomeAllow && d.Usage != nil && isZero(d.Usage.Remaining)
	if d.Outcome == OutcomeAllow && !exhausted {
		return
	}

	evt := stream.Event{
		Outcome:        string(d.Outcome),
		PrincipalID:    d.Principal.ID,
		OrganizationID: d.Principal.OrganizationID,
		Permission:     string(d.Permission),
		PlanID:         string(d.Principal.PlanID),
		ResetAt:        d.ResetAt,
		RequestID:      audit.RequestID(ctx),
		Timestamp:      g.now().UTC(),
	}
	if d.Limit != nil {
		evt.Limit = d.Limit.String()
	}

	switch {
	case exhausted:
		evt.Outcome = "quota_exhausted"
		evt.Limit = d.Usage.Limit.String()
		evt.ResetAt = d.Usage.ResetAt
		_ = audit.LogEvent(ctx, audit.EventQuotaExhausted, map[string]any{
			"principal_id": d.Principal.ID,
			"plan_id":      string(d.Principal.PlanID),
			"reset_at":     d.Usage.ResetAt,
		})
	case d.Outcome == OutcomePermissionDenied:
		_ = audit.LogEvent(ctx, audit.EventAccessDenied, map[string]any{
			"principal_id": d.Principal.ID,
			"role":         string(d.Principal.Role),
			"permission":   string(d.Permission),
		})
	case d.Outcome == OutcomeStorageUnavailable, d.Outcome == OutcomeMisconfigured:
		obs.Warn("access_denied", map[string]any{
			"outcome":      string(d.Outcome),
			"principal_id": d.Principal.ID,
			"err":          d.Err,
		})
	}
	if g.events != nil && d.Outcome != OutcomeAuthenticationRequired {
		g.events.Publish(evt)
	}
}

// Invite creates a pending invitation into organizationID granting role.
// The raw token is returned once; only its hash is stored.
func (g *Gate) Invite(ctx context.Context, inviter *auth.Principal, organizationID string, role auth.Role, ttl time.Duration) (tenant.Invitation, string, error) {
	if g.tenants == nil {
		return tenant.Invitation{}, "", errors.New("gate: invitations need a tenant store")
	}
	if !inviter.Authenticated() {
		return tenant.Invitation{}, "", ErrAuthenticationRequired
	}
	granted, err := auth.ParseRole(string(role))
	if err != nil {
		return tenant.Invitation{}, "", err
	}
	acting, err := g.Effective(ctx, *inviter)
	if err != nil {
		return tenant.Invitation{}, "", err
	}
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		organizationID = acting.OrganizationID
	}
	if !g.resolver.HasPermission(acting.Role, auth.PermInviteUsers) {
		return tenant.Invitation{}, "", &PermissionDeniedError{Permission: auth.PermInviteUsers, Role: acting.Role}
	}
	if !g.resolver.CanManage(acting.Role, granted) {
		return tenant.Invitation{}, "", &PermissionDeniedError{Permission: auth.PermManageUsers, Role: acting.Role}
	}
	if acting.OrganizationID == "" || acting.OrganizationID != organizationID {
		return tenant.Invitation{}, "", &PermissionDeniedError{Permission: auth.PermInviteUsers, Role: acting.Role}
	}
	octx, ocancel := context.WithTimeout(ctx, g.timeout)
	_, err = g.tenants.GetOrganization(octx, organizationID)
	ocancel()
	if err != nil {
		return tenant.Invitation{}, "", err
	}
	switch {
	case ttl <= 0:
		ttl = defaultInviteTTL
	case ttl > MaxInviteTTL:
		ttl = MaxInviteTTL
	}

	token := ids.NewToken()
	now := g.now().UTC()
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	inv, err := g.tenants.CreateInvitation(tctx, tenant.Invitation{
		OrganizationID: organizationID,
		Role:           granted,
		TokenHash:      tenant.HashToken(token),
		InvitedBy:      acting.ID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	})
	if err != nil {
		return tenant.Invitation{}, "", err
	}
	_ = audit.LogEvent(ctx, audit.EventInvitationCreated, map[string]any{
		"invitation_id":   inv.ID,
		"organization_id": organizationID,
		"role":            string(granted),
		"expires_at":      inv.ExpiresAt,
	})
	return inv, token, nil
}

// AcceptInvitation consumes token on behalf of principal. A token succeeds
// at most once; every later attempt fails with
// tenant.ErrInvitationAlreadyConsumed.
func (g *Gate) AcceptInvitation(ctx context.Context, token string, principal *auth.Principal) (tenant.Membership, error) {
	if g.tenants == nil {
		return tenant.Membership{}, errors.New("gate: invitations need a tenant store")
	}
	if !principal.Authenticated() {
		return tenant.Membership{}, ErrAuthenticationRequired
	}
	if strings.TrimSpace(token) == "" {
		return tenant.Membership{}, tenant.ErrNotFound
	}

	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	m, err := g.tenants.AcceptInvitation(tctx, tenant.HashToken(token), principal.ID, g.now().UTC())
	result := invitationResult(err)
	obs.ObserveInvitation(result)
	if err != nil {
		_ = audit.LogEvent(ctx, audit.EventInvitationRejected, map[string]any{
			"principal_id": principal.ID,
			"result":       result,
		})
		return tenant.Membership{}, err
	}
	_ = audit.LogEvent(ctx, audit.EventInvitationAccepted, map[string]any{
		"principal_id":    m.PrincipalID,
		"organization_id": m.OrganizationID,
		"role":            string(m.Role),
		"plan_id":         string(m.PlanID),
	})
	return m, nil
}

func invitationResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, tenant.ErrInvitationAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, tenant.ErrInvitationExpired):
		return "expired"
	case errors.Is(err, tenant.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func configError(kind string, err error, fields map[string]any) {
	obs.ObserveConfigError(kind)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["err"] = err
	obs.Error("invalid_"+kind, fields)
}

func isZero(l plan.Limit) bool {
	n, finite := l.Value()
	return finite && n == 0
}
