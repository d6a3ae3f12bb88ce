// Package analytics builds read-only quota rollups for admin dashboards.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
)

// DefaultNearLimit is the utilization at which a principal is reported.
const DefaultNearLimit = 0.8

// Snapshotter is satisfied by *quota.Ledger.
type Snapshotter interface {
	Snapshots(ctx context.Context) ([]quota.Usage, error)
}

// PlanStats summarizes one plan. AverageUtilization is only meaningful for
// finite plans; unlimited plans report TotalUsed only.
type PlanStats struct {
	PlanID             plan.ID    `json:"plan_id"`
	Limit              plan.Limit `json:"limit"`
	Principals         int        `json:"principals"`
	TotalUsed          int64      `json:"total_used"`
	AverageUtilization float64    `json:"average_utilization"`
	NearLimit          int        `json:"near_limit"`
	AtLimit            int        `json:"at_limit"`
}

// NearLimitEntry is a principal at or above the threshold.
type NearLimitEntry struct {
	PrincipalID string     `json:"principal_id"`
	PlanID      plan.ID    `json:"plan_id"`
	Used        int64      `json:"used"`
	Limit       plan.Limit `json:"limit"`
	Utilization float64    `json:"utilization"`
	ResetAt     time.Time  `json:"reset_at"`
}

// Recommendation is advisory text derived from PlanStats.
type Recommendation struct {
	PlanID  plan.ID `json:"plan_id"`
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
}

// Breakdown is the full dashboard payload.
type Breakdown struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Threshold       float64          `json:"threshold"`
	PerPlan         []PlanStats      `json:"per_plan"`
	UsersNearLimit  []NearLimitEntry `json:"users_near_limit"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Aggregator computes breakdowns from ledger snapshots.
type Aggregator struct {
	source    Snapshotter
	plans     *plan.Engine
	threshold float64
	now       func() time.Time
}

// NewAggregator uses DefaultNearLimit when threshold is outside (0, 1].
func NewAggregator(source Snapshotter, plans *plan.Engine, threshold float64) (*Aggregator, error) {
	if source == nil || plans == nil {
		return nil, errors.New("analytics: snapshot source and plan engine are required")
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultNearLimit
	}
	return &Aggregator{source: source, plans: plans, threshold: threshold, now: time.Now}, nil
}

// QuotaBreakdown aggregates every counter. Plans with no principals are
// listed with zero values so dashboards keep a stable shape.
func (a *Aggregator) QuotaBreakdown(ctx context.Context) (Breakdown, error) {
	snaps, err := a.source.Snapshots(ctx)
	if err != nil {
		return Breakdown{}, err
	}

	type acc struct {
		stats      PlanStats
		utilSum    float64
		utilCounts int
	}
	byPlan := make(map[plan.ID]*acc)
	order := make([]plan.ID, 0)
	for _, p := range a.plans.Policies() {
		byPlan[p.ID] = &acc{stats: PlanStats{PlanID: p.ID, Limit: p.QuotaLimit}}
		order = append(order, p.ID)
	}

	var near []NearLimitEntry
	for _, u := range snaps {
		entry, ok := byPlan[u.PlanID]
		if !ok {
			continue
		}
		entry.stats.Principals++
		entry.stats.TotalUsed += u.Used

		util, finite := u.Limit.Utilization(u.Used)
		if !finite {
			continue
		}
		entry.utilSum += util
		entry.utilCounts++
		if !u.Limit.Allows(u.Used, 1) {
			entry.stats.AtLimit++
		}
		if util >= a.threshold {
			entry.stats.NearLimit++
			near = append(near, NearLimitEntry{
				PrincipalID: u.PrincipalID,
				PlanID:      u.PlanID,
				Used:        u.Used,
				Limit:       u.Limit,
				Utilization: util,
				ResetAt:     u.ResetAt,
			})
		}
	}

	out := Breakdown{GeneratedAt: a.now().UTC(), Threshold: a.threshold}
	for _, id := range order {
		entry := byPlan[id]
		if entry.utilCounts > 0 {
			entry.stats.AverageUtilization = entry.utilSum / float64(entry.utilCounts)
		}
		out.PerPlan = append(out.PerPlan, entry.stats)
	}
	sort.Slice(near, func(i, j int) bool {
		if near[i].Utilization != near[j].Utilization {
			return near[i].Utilization > near[j].Utilization
		}
		return near[i].PrincipalID < near[j].PrincipalID
	})
	out.UsersNearLimit = near
	if out.UsersNearLimit == nil {
		out.UsersNearLimit = []NearLimitEntry{}
	}
	out.Recommendations = Recommend(out.PerPlan)
	return out, nil
}

// Recommend derives advice from per-plan stats. It has no side effects.
func Recommend(stats []PlanStats) []Recommendation {
	recs := []Recommendation{}
	for _, s := range stats {
		if s.Principals == 0 || s.Limit.IsUnlimited() {
			continue
		}
		atLimitShare := float64(s.AtLimit) / float64(s.Principals)
		switch {
		case s.AverageUtilization > 0.9:
			recs = append(recs, Recommendation{
				PlanID:  s.PlanID,
				Kind:    "raise_limit",
				Message: fmt.Sprintf("plan %s has average utilization %.0f%%, consider default-upgrading its users", s.PlanID, s.AverageUtilization*100),
			})
		case atLimitShare >= 0.5:
			recs = append(recs, Recommendation{
				PlanID:  s.PlanID,
				Kind:    "upsell",
				Message: fmt.Sprintf("%d of %d users on plan %s exhausted their quota, offer an upgrade", s.AtLimit, s.Principals, s.PlanID),
			})
		case s.AverageUtilization < 0.1 && s.Principals >= 10:
			recs = append(recs, Recommendation{
				PlanID:  s.PlanID,
				Kind:    "underused",
				Message: fmt.Sprintf("plan %s averages %.0f%% utilization, its quota may be oversized", s.PlanID, s.AverageUtilization*100),
			})
		}
	}
	return recs
}
