package quota

import (
	"context"
	"time"

	"tollgate.dev/internal/plan"
)

// Counter is the stored usage of one principal in one billing period.
type Counter struct {
	PrincipalID string    `json:"principal_id"`
	PlanID      plan.ID   `json:"plan_id"`
	Used        int64     `json:"used"`
	PeriodStart time.Time `json:"period_start"`
}

// AddRequest asks the store to consume Amount units in Period.
type AddRequest struct {
	PrincipalID string
	PlanID      plan.ID
	Period      time.Time
	Amount      int64
	Ceiling     plan.Limit
}

// Store is the persistence primitive behind the ledger. Every method is
// atomic with respect to concurrent callers on the same principal, across
// processes sharing the store.
type Store interface {
	// Get returns ErrCounterNotFound for principals that never consumed.
	Get(ctx context.Context, principalID string) (Counter, error)

	// Add creates the counter if missing, resets it when the stored period is
	// older than req.Period, then adds req.Amount if the ceiling allows.
	// It reports applied=false, leaving used unchanged, when the ceiling would
	// be crossed or the stored period is newer than req.Period. The returned
	// counter reflects the stored state after the call.
	Add(ctx context.Context, req AddRequest) (Counter, bool, error)

	// Rollover resets used to zero and moves the period to period when the
	// stored period is older. Otherwise it is a no-op.
	Rollover(ctx context.Context, principalID string, period time.Time) (Counter, error)

	// List returns every counter, for read-only reporting.
	List(ctx context.Context) ([]Counter, error)
}
