package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
)

var _ quota.Store = (*Store)(nil)

const counterColumns = `principal_id, plan_id, used, period_start`

// addCounterSQL is the whole consume primitive in one statement: create,
// roll over, check the ceiling and increment. A null ceiling means unlimited.
// The row is returned only when the increment happened.
const addCounterSQL = `
	insert into usage_counters (principal_id, plan_id, used, period_start)
	values ($1, $2, $3, $4)
	on conflict (principal_id) do update
	set used = (case when usage_counters.period_start < excluded.period_start then 0 else usage_counters.used end) + excluded.used,
	    period_start = excluded.period_start,
	    plan_id = excluded.plan_id,
	    updated_at = now()
	where usage_counters.period_start <= excluded.period_start
	  and ($5::bigint is null
	       or (case when usage_counters.period_start < excluded.period_start then 0 else usage_counters.used end) + excluded.used <= $5::bigint)
	returning ` + counterColumns

func (s *Store) Get(ctx context.Context, principalID string) (quota.Counter, error) {
	if s.db == nil {
		return quota.Counter{}, errNoDB
	}
	c, err := scanCounter(s.db.QueryRowContext(ctx,
		`select `+counterColumns+` from usage_counters where principal_id = $1`, principalID))
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Counter{}, quota.ErrCounterNotFound
	}
	return c, err
}

func (s *Store) Add(ctx context.Context, req quota.AddRequest) (quota.Counter, bool, error) {
	if s.db == nil {
		return quota.Counter{}, false, errNoDB
	}
	if !req.Ceiling.Allows(0, req.Amount) {
		c, err := s.Get(ctx, req.PrincipalID)
		if errors.Is(err, quota.ErrCounterNotFound) {
			return quota.Counter{PrincipalID: req.PrincipalID, PlanID: req.PlanID, PeriodStart: req.Period}, false, nil
		}
		return c, false, err
	}

	c, err := scanCounter(s.db.QueryRowContext(ctx, addCounterSQL,
		req.PrincipalID, string(req.PlanID), req.Amount, req.Period.UTC(), ceilingArg(req.Ceiling)))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return quota.Counter{}, false, err
	}
	// The conflict guard rejected the update; report the row as it stands.
	c, err = s.Get(ctx, req.PrincipalID)
	if err != nil {
		return quota.Counter{}, false, err
	}
	return c, false, nil
}

func (s *Store) Rollover(ctx context.Context, principalID string, period time.Time) (quota.Counter, error) {
	if s.db == nil {
		return quota.Counter{}, errNoDB
	}
	c, err := scanCounter(s.db.QueryRowContext(ctx, `
		update usage_counters
		set used = 0, period_start = $2, updated_at = now()
		where principal_id = $1 and period_start < $2
		returning `+counterColumns, principalID, period.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return s.Get(ctx, principalID)
	}
	return c, err
}

func (s *Store) List(ctx context.Context) ([]quota.Counter, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+counterColumns+` from usage_counters order by principal_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.Counter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCounter(row scanner) (quota.Counter, error) {
	var (
		c      quota.Counter
		planID string
	)
	if err := row.Scan(&c.PrincipalID, &planID, &c.Used, &c.PeriodStart); err != nil {
		return quota.Counter{}, err
	}
	c.PlanID = plan.ID(planID)
	c.PeriodStart = c.PeriodStart.UTC()
	return c, nil
}

func ceilingArg(l plan.Limit) any {
	n, finite := l.Value()
	if !finite {
		return nil
	}
	return n
}
