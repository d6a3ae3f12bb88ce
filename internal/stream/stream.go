// Package stream fans access decisions out to live admin subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one non-allow decision, or an allow that exhausted the quota.
type Event struct {
	Outcome        string    `json:"outcome"`
	PrincipalID    string    `json:"principal_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Permission     string    `json:"permission,omitempty"`
	PlanID         string    `json:"plan_id,omitempty"`
	Limit          string    `json:"limit,omitempty"`
	ResetAt        time.Time `json:"reset_at,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Hub fan-outs events to all active subscribers (SSE clients).
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Int64
}

// New returns an empty hub whose subscribers buffer up to buffer events.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish never blocks; events for slow subscribers are dropped and counted.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
