// Package quota meters per-principal usage against monthly plan limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/plan"
)

const (
	defaultStoreTimeout = 2 * time.Second
	defaultMaxAttempts  = 3
	// stale period reads are retried at most this many times per consume
	maxPeriodRaces = 3
)

// Subject identifies whose counter is charged and which plan bounds it.
type Subject struct {
	ID     string
	PlanID plan.ID
}

// Usage is a counter as seen by callers: rollover applied, limit derived
// from the current plan.
type Usage struct {
	PrincipalID string     `json:"principal_id"`
	PlanID      plan.ID    `json:"plan_id"`
	Used        int64      `json:"used"`
	Limit       plan.Limit `json:"limit"`
	Remaining   plan.Limit `json:"remaining"`
	PeriodStart time.Time  `json:"period_start"`
	ResetAt     time.Time  `json:"reset_at"`
}

// Ledger applies plan limits to a Store.
type Ledger struct {
	store        Store
	plans        *plan.Engine
	now          func() time.Time
	timeout      time.Duration
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithStoreTimeout bounds each individual store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithMaxAttempts bounds how often a failing store call is tried.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = uint(n)
		}
	}
}

// WithBackoff sets the exponential backoff window between attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(l *Ledger) {
		if initial > 0 {
			l.initialDelay = initial
		}
		if max >= initial && max > 0 {
			l.maxDelay = max
		}
	}
}

// NewLedger wires a store to a plan engine.
func NewLedger(store Store, plans *plan.Engine, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("quota: store is required")
	}
	if plans == nil {
		return nil, errors.New("quota: plan engine is required")
	}
	l := &Ledger{
		store:        store,
		plans:        plans,
		now:          time.Now,
		timeout:      defaultStoreTimeout,
		maxAttempts:  defaultMaxAttempts,
		initialDelay: 25 * time.Millisecond,
		maxDelay:     250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Plans exposes the engine the ledger resolves limits with.
func (l *Ledger) Plans() *plan.Engine { return l.plans }

// GetUsage returns the subject's usage in the current period, persisting a
// rollover first if the stored period has elapsed.
func (l *Ledger) GetUsage(ctx context.Context, subj Subject) (Usage, error) {
	policy, err := l.policy(subj.PlanID)
	if err != nil {
		return Usage{}, err
	}
	now := l.now()
	c, err := l.resetIfExpired(ctx, subj.ID, now)
	if errors.Is(err, ErrCounterNotFound) {
		return usageOf(Counter{PrincipalID: subj.ID, PlanID: subj.PlanID, PeriodStart: MonthStart(now)}, policy), nil
	}
	if err != nil {
		return Usage{}, err
	}
	c.PlanID = subj.PlanID
	return usageOf(c, policy), nil
}

// ResetIfExpired starts a new period for principalID when the stored one has
// elapsed. It reports whether a reset happened.
func (l *Ledger) ResetIfExpired(ctx context.Context, principalID string) (bool, error) {
	now := l.now()
	before, err := l.get(ctx, principalID)
	if err != nil {
		return false, err
	}
	if !Expired(before.PeriodStart, now) {
		return false, nil
	}
	if _, err := l.rollover(ctx, principalID, Current(before.PeriodStart, now)); err != nil {
		return false, err
	}
	return true, nil
}

// TryConsume atomically charges amount units. It returns *ExceededError when
// the plan limit would be crossed and ErrStorageUnavailable when the store
// fails; neither leaves a partial charge behind.
func (l *Ledger) TryConsume(ctx context.Context, subj Subject, amount int64) (Usage, error) {
	if amount <= 0 {
		return Usage{}, ErrInvalidAmount
	}
	policy, err := l.policy(subj.PlanID)
	if err != nil {
		return Usage{}, err
	}
	now := l.now()

	for race := 0; race < maxPeriodRaces; race++ {
		period, err := l.currentPeriod(ctx, subj.ID, now)
		if err != nil {
			obs.ObserveConsume("storage_unavailable")
			return Usage{}, err
		}
		if !policy.QuotaLimit.Allows(0, amount) {
			obs.ObserveConsume("exceeded")
			return Usage{}, &ExceededError{Limit: policy.QuotaLimit, ResetAt: NextPeriod(period)}
		}
		res, err := retry(ctx, l, "add", func(ctx context.Context) (addResult, error) {
			c, applied, err := l.store.Add(ctx, AddRequest{
				PrincipalID: subj.ID,
				PlanID:      subj.PlanID,
				Period:      period,
				Amount:      amount,
				Ceiling:     policy.QuotaLimit,
			})
			return addResult{counter: c, applied: applied}, err
		})
		if err != nil {
			obs.ObserveConsume("storage_unavailable")
			return Usage{}, err
		}
		if res.applied {
			obs.ObserveConsume("consumed")
			return usageOf(res.counter, policy), nil
		}
		if res.counter.PeriodStart.After(period) {
			// another instance already moved to a later period
			continue
		}
		obs.ObserveConsume("exceeded")
		used := res.counter.Used
		if res.counter.PeriodStart.Before(period) {
			used = 0
		}
		return Usage{}, &ExceededError{Limit: policy.QuotaLimit, Used: used, ResetAt: NextPeriod(period)}
	}
	obs.ObserveConsume("storage_unavailable")
	return Usage{}, fmt.Errorf("%w: period kept moving for %s", ErrStorageUnavailable, subj.ID)
}

// Snapshots returns every counter with rollover applied in memory only.
// Counters on plans missing from the engine are skipped and logged.
func (l *Ledger) Snapshots(ctx context.Context) ([]Usage, error) {
	counters, err := retry(ctx, l, "list", func(ctx context.Context) ([]Counter, error) {
		return l.store.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := make([]Usage, 0, len(counters))
	for _, c := range counters {
		policy, err := l.policy(c.PlanID)
		if err != nil {
			continue
		}
		if cur := Current(c.PeriodStart, now); cur.After(c.PeriodStart) {
			c.Used = 0
			c.PeriodStart = cur
		}
		out = append(out, usageOf(c, policy))
	}
	return out, nil
}

func (l *Ledger) policy(id plan.ID) (plan.Policy, error) {
	p, err := l.plans.Resolve(id)
	if err != nil {
		obs.ObserveConfigError("plan")
		obs.Error("invalid_plan", map[string]any{"plan_id": string(id), "err": err})
		return plan.Policy{}, err
	}
	return p, nil
}

func (l *Ledger) currentPeriod(ctx context.Context, principalID string, now time.Time) (time.Time, error) {
	c, err := l.get(ctx, principalID)
	if errors.Is(err, ErrCounterNotFound) {
		return MonthStart(now), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return Current(c.PeriodStart, now), nil
}

func (l *Ledger) resetIfExpired(ctx context.Context, principalID string, now time.Time) (Counter, error) {
	c, err := l.get(ctx, principalID)
	if err != nil {
		return Counter{}, err
	}
	if !Expired(c.PeriodStart, now) {
		return c, nil
	}
	return l.rollover(ctx, principalID, Current(c.PeriodStart, now))
}

func (l *Ledger) get(ctx context.Context, principalID string) (Counter, error) {
	return retry(ctx, l, "get", func(ctx context.Context) (Counter, error) {
		return l.store.Get(ctx, principalID)
	})
}

func (l *Ledger) rollover(ctx context.Context, principalID string, period time.Time) (Counter, error) {
	return retry(ctx, l, "rollover", func(ctx context.Context) (Counter, error) {
		return l.store.Rollover(ctx, principalID, period)
	})
}

type addResult struct {
	counter Counter
	applied bool
}

// retry runs fn with a per-call timeout and bounded exponential backoff.
// ErrCounterNotFound is returned as is; every other failure that survives
// the attempts becomes ErrStorageUnavailable.
func retry[T any](ctx context.Context, l *Ledger, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialDelay
	b.MaxInterval = l.maxDelay

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 {
			obs.ObserveStoreRetry()
		}
		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrCounterNotFound) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(l.maxAttempts))
	if err == nil || errors.Is(err, ErrCounterNotFound) {
		return res, err
	}
	obs.Error("quota_store_failed", map[string]any{"op": op, "attempts": attempt, "err": err})
	var zero T
	return zero, fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func usageOf(c Counter, p plan.Policy) Usage {
	return Usage{
		PrincipalID: c.PrincipalID,
		PlanID:      p.ID,
		Used:        c.Used,
		Limit:       p.QuotaLimit,
		Remaining:   p.QuotaLimit.Remaining(c.Used),
		PeriodStart: c.PeriodStart,
		ResetAt:     NextPeriod(c.PeriodStart),
	}
}
