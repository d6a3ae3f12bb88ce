// Package plan resolves subscription plans to their quota limits and features.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPlan marks an unknown plan identifier. Callers treat it as a
// deployment or data defect and never fall back to another plan.
var ErrInvalidPlan = errors.New("plan: invalid plan")

// ID identifies a subscription plan.
type ID string

const (
	Starter    ID = "starter"
	Standard   ID = "standard"
	Premium    ID = "premium"
	Enterprise ID = "enterprise"
)

// Features are the non-quota capabilities a plan unlocks.
type Features struct {
	Export            bool `json:"export" yaml:"export"`
	AdvancedAnalytics bool `json:"advanced_analytics" yaml:"advanced_analytics"`
	Collaboration     bool `json:"collaboration" yaml:"collaboration"`
	Seats             int  `json:"seats" yaml:"seats"`
}

// Policy is the resolved configuration of a plan.
type Policy struct {
	ID         ID       `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	QuotaLimit Limit    `json:"monthly_quota" yaml:"monthly_quota"`
	Features   Features `json:"features" yaml:"features"`
}

// DefaultPolicies returns the built-in plan table.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			ID: Starter, Name: "Starter", QuotaLimit: Finite(10),
			Features: Features{Seats: 1},
		},
		{
			ID: Standard, Name: "Standard", QuotaLimit: Finite(40),
			Features: Features{Export: true, Collaboration: true, Seats: 1},
		},
		{
			ID: Premium, Name: "Premium", QuotaLimit: Finite(150),
			Features: Features{Export: true, AdvancedAnalytics: true, Collaboration: true, Seats: 5},
		},
		{
			ID: Enterprise, Name: "Enterprise", QuotaLimit: Unlimited(),
			Features: Features{Export: true, AdvancedAnalytics: true, Collaboration: true, Seats: 50},
		},
	}
}

// Engine is an immutable plan table.
type Engine struct {
	policies map[ID]Policy
	order    []ID
}

// NewEngine copies policies into a new table. Empty or duplicate ids are rejected.
func NewEngine(policies []Policy) (*Engine, error) {
	if len(policies) == 0 {
		return nil, errors.New("plan: at least one plan is required")
	}
	e := &Engine{policies: make(map[ID]Policy, len(policies))}
	for _, p := range policies {
		p.ID = normalize(string(p.ID))
		if p.ID == "" {
			return nil, errors.New("plan: plan id is required")
		}
		if _, dup := e.policies[p.ID]; dup {
			return nil, fmt.Errorf("plan: duplicate plan %q", p.ID)
		}
		if p.Features.Seats < 0 {
			return nil, fmt.Errorf("plan: %q has negative seats", p.ID)
		}
		if p.Name == "" {
			p.Name = string(p.ID)
		}
		e.policies[p.ID] = p
		e.order = append(e.order, p.ID)
	}
	return e, nil
}

// MustDefault builds the engine over DefaultPolicies.
func MustDefault() *Engine {
	e, err := NewEngine(DefaultPolicies())
	if err != nil {
		panic(err)
	}
	return e
}

// Resolve returns the policy for id or ErrInvalidPlan.
func (e *Engine) Resolve(id ID) (Policy, error) {
	p, ok := e.policies[normalize(string(id))]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidPlan, id)
	}
	return p, nil
}

// IsUnlimited reports whether limit is the unlimited tag.
func (e *Engine) IsUnlimited(limit Limit) bool { return limit.IsUnlimited() }

// Policies lists plans sorted by quota, unlimited last.
func (e *Engine) Policies() []Policy {
	out := make([]Policy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.policies[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := out[i].QuotaLimit.Value()
		b, bok := out[j].QuotaLimit.Value()
		if aok != bok {
			return aok
		}
		return a < b
	})
	return out
}

func normalize(s string) ID {
	return ID(strings.TrimSpace(strings.ToLower(s)))
}
