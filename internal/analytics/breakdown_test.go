package analytics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
)

type staticSource []quota.Usage

func (s staticSource) Snapshots(context.Context) ([]quota.Usage, error) { return s, nil }

type failingSource struct{}

func (failingSource) Snapshots(context.Context) ([]quota.Usage, error) {
	return nil, quota.ErrStorageUnavailable
}

func usage(id string, p plan.ID, used int64, limit plan.Limit) quota.Usage {
	return quota.Usage{PrincipalID: id, PlanID: p, Used: used, Limit: limit, Remaining: limit.Remaining(used), ResetAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func statsFor(t *testing.T, b Breakdown, id plan.ID) PlanStats {
	t.Helper()
	for _, s := range b.PerPlan {
		if s.PlanID == id {
			return s
		}
	}
	t.Fatalf("plan %s missing", id)
	return PlanStats{}
}

func TestQuotaBreakdown(t *testing.T) {
	src := staticSource{
		usage("a", plan.Starter, 10, plan.Finite(10)),
		usage("b", plan.Starter, 9, plan.Finite(10)),
		usage("c", plan.Standard, 4, plan.Finite(40)),
		usage("d", plan.Enterprise, 100000, plan.Unlimited()),
		usage("e", "legacy", 5, plan.Finite(5)),
	}
	agg, err := NewAggregator(src, plan.MustDefault(), 0)
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}
	b, err := agg.QuotaBreakdown(context.Background())
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if b.Threshold != DefaultNearLimit {
		t.Fatalf("threshold=%v", b.Threshold)
	}
	if len(b.PerPlan) != 4 {
		t.Fatalf("per plan: %+v", b.PerPlan)
	}

	starter := statsFor(t, b, plan.Starter)
	if starter.Principals != 2 || starter.AtLimit != 1 || starter.NearLimit != 2 {
		t.Fatalf("starter: %+v", starter)
	}
	if math.Abs(starter.AverageUtilization-0.95) > 1e-9 {
		t.Fatalf("starter avg=%v", starter.AverageUtilization)
	}

	ent := statsFor(t, b, plan.Enterprise)
	if ent.TotalUsed != 100000 || ent.AverageUtilization != 0 || ent.NearLimit != 0 {
		t.Fatalf("unlimited plan leaked into utilization: %+v", ent)
	}

	if prem := statsFor(t, b, plan.Premium); prem.Principals != 0 {
		t.Fatalf("premium: %+v", prem)
	}

	if len(b.UsersNearLimit) != 2 || b.UsersNearLimit[0].PrincipalID != "a" {
		t.Fatalf("near limit: %+v", b.UsersNearLimit)
	}
	if len(b.Recommendations) != 1 || b.Recommendations[0].PlanID != plan.Starter || b.Recommendations[0].Kind != "raise_limit" {
		t.Fatalf("recommendations: %+v", b.Recommendations)
	}
}

func TestRecommendIsPure(t *testing.T) {
	stats := []PlanStats{
		{PlanID: plan.Standard, Limit: plan.Finite(40), Principals: 4, AtLimit: 2, AverageUtilization: 0.6},
		{PlanID: plan.Premium, Limit: plan.Finite(150), Principals: 12, AverageUtilization: 0.05},
		{PlanID: plan.Enterprise, Limit: plan.Unlimited(), Principals: 3},
	}
	first := Recommend(stats)
	second := Recommend(stats)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("recommendations: %+v", first)
	}
	if first[0].Kind != "upsell" || first[1].Kind != "underused" {
		t.Fatalf("kinds: %+v", first)
	}
	if stats[0].AtLimit != 2 {
		t.Fatal("input mutated")
	}
}

func TestBreakdownPropagatesStoreFailure(t *testing.T) {
	agg, _ := NewAggregator(failingSource{}, plan.MustDefault(), 0.9)
	if _, err := agg.QuotaBreakdown(context.Background()); !errors.Is(err, quota.ErrStorageUnavailable) {
		t.Fatalf("err=%v", err)
	}
}
