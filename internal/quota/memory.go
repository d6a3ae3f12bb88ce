package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps counters in process. Suitable for a single instance and
// for tests; multi-instance deployments use the Postgres or Redis stores.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*Counter)}
}

// Seed overwrites a counter. Intended for tests and fixtures.
func (s *MemoryStore) Seed(c Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.counters[c.PrincipalID] = &cp
}

func (s *MemoryStore) Get(ctx context.Context, principalID string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[principalID]
	if !ok {
		return Counter{}, ErrCounterNotFound
	}
	return *c, nil
}

func (s *MemoryStore) Add(ctx context.Context, req AddRequest) (Counter, bool, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[req.PrincipalID]
	if !ok {
		c = &Counter{PrincipalID: req.PrincipalID, PlanID: req.PlanID, PeriodStart: req.Period}
		s.counters[req.PrincipalID] = c
	}
	if c.PeriodStart.After(req.Period) {
		return *c, false, nil
	}
	used := c.Used
	if c.PeriodStart.Before(req.Period) {
		used = 0
	}
	if !req.Ceiling.Allows(used, req.Amount) {
		return *c, false, nil
	}
	c.Used = used + req.Amount
	c.PeriodStart = req.Period
	c.PlanID = req.PlanID
	return *c, true, nil
}

func (s *MemoryStore) Rollover(ctx context.Context, principalID string, period time.Time) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[principalID]
	if !ok {
		return Counter{}, ErrCounterNotFound
	}
	if c.PeriodStart.Before(period) {
		c.Used = 0
		c.PeriodStart = period
	}
	return *c, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Counter, 0, len(s.counters))
	for _, c := range s.counters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out, nil
}
