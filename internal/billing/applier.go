// Package billing applies subscription plan changes reported by the billing
// provider. Changes arrive over AMQP or the webhook endpoint and are applied
// at most once per event id.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tollgate.dev/internal/audit"
	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/tenant"
)

// ErrInvalidChange rejects malformed events. They are never retried.
var ErrInvalidChange = errors.New("billing: invalid plan change")

// Store is the slice of tenant.Store the applier needs.
type Store interface {
	ApplyPlanChange(ctx context.Context, change tenant.PlanChange, now time.Time) error
}

// Result reports what Apply did.
type Result struct {
	EventID   string  `json:"event_id"`
	PlanID    plan.ID `json:"plan_id"`
	Duplicate bool    `json:"duplicate"`
}

// Applier validates and persists plan changes.
type Applier struct {
	store Store
	plans *plan.Engine
	now   func() time.Time
}

func NewApplier(store Store, plans *plan.Engine) *Applier {
	return &Applier{store: store, plans: plans, now: time.Now}
}

// Apply persists change once. Replays of an applied event id succeed with
// Result.Duplicate set.
func (a *Applier) Apply(ctx context.Context, change tenant.PlanChange) (Result, error) {
	change.EventID = strings.TrimSpace(change.EventID)
	change.PrincipalID = strings.TrimSpace(change.PrincipalID)
	change.OrganizationID = strings.TrimSpace(change.OrganizationID)

	if err := a.validate(&change); err != nil {
		obs.ObserveBillingEvent("invalid")
		obs.Warn("billing_event_rejected", map[string]any{"event_id": change.EventID, "err": err})
		return Result{}, err
	}

	res := Result{EventID: change.EventID, PlanID: change.NewPlanID}
	err := a.store.ApplyPlanChange(ctx, change, a.now().UTC())
	switch {
	case errors.Is(err, tenant.ErrDuplicateEvent):
		obs.ObserveBillingEvent("duplicate")
		res.Duplicate = true
		return res, nil
	case errors.Is(err, tenant.ErrNotFound):
		obs.ObserveBillingEvent("invalid")
		return Result{}, fmt.Errorf("%w: unknown organization %q", ErrInvalidChange, change.OrganizationID)
	case err != nil:
		obs.ObserveBillingEvent("error")
		obs.Error("billing_event_failed", map[string]any{"event_id": change.EventID, "err": err})
		return Result{}, err
	}

	obs.ObserveBillingEvent("applied")
	_ = audit.LogEvent(ctx, audit.EventPlanChanged, map[string]any{
		"event_id":        change.EventID,
		"principal_id":    change.PrincipalID,
		"organization_id": change.OrganizationID,
		"plan_id":         string(change.NewPlanID),
	})
	return res, nil
}

func (a *Applier) validate(change *tenant.PlanChange) error {
	if change.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidChange)
	}
	if (change.PrincipalID == "") == (change.OrganizationID == "") {
		return fmt.Errorf("%w: exactly one of principal_id and organization_id is required", ErrInvalidChange)
	}
	policy, err := a.plans.Resolve(change.NewPlanID)
	if err != nil {
		obs.ObserveConfigError("plan")
		return fmt.Errorf("%w: %w", ErrInvalidChange, err)
	}
	change.NewPlanID = policy.ID
	return nil
}
