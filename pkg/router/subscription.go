package router

import (
	"log/slog"
	"path"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/models"
)

// Subscription is one subscriber's interest in a slice of the event stream.
// Delivery is FIFO through a bounded queue; when the queue is full the
// oldest event is dropped and a monitor:lag event is emitted, so the router
// never blocks on a slow subscriber.
type Subscription struct {
	ID           string
	SubscriberID string
	Patterns     []string
	Scope        models.SubscriptionScope

	queue  chan *models.Event
	done   chan struct{}
	closed atomic.Bool
	drops  atomic.Uint64
}

// Events is the subscriber's read side. The transport writer drains it,
// selecting against Done to notice teardown. The queue channel itself is
// never closed: the dispatch goroutine may still be sending to it.
func (s *Subscription) Events() <-chan *models.Event { return s.queue }

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close marks the subscription dead. The router reaps it on next delivery.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Drops returns how many events have been discarded for this subscriber.
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

// matches reports whether the event falls inside the subscription's
// patterns and scope.
func (s *Subscription) matches(ev *models.Event) bool {
	matched := false
	for _, p := range s.Patterns {
		if ok, err := path.Match(p, ev.Name); err == nil && ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	ctx := ev.Context
	switch s.Scope.Kind {
	case models.ScopeAgent:
		return ctx != nil && ctx.AgentID == s.Scope.AgentID
	case models.ScopeOrchestration:
		if ctx == nil {
			return false
		}
		if ctx.OrchestrationID == s.Scope.OrchestrationID {
			return true
		}
		if ctx.RootOrchestrationID != s.Scope.OrchestrationID {
			return false
		}
		return s.Scope.MaxDepth < 0 || ctx.OrchestrationDepth <= s.Scope.MaxDepth
	default: // global
		return true
	}
}

// subscriptions owns the live subscription set. Fan-out runs on the dispatch
// goroutine; Add/Remove may run on any goroutine.
type subscriptions struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
}

func newSubscriptions(queueSize int) *subscriptions {
	return &subscriptions{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
	}
}

// Add creates a subscription with a fresh id.
func (m *subscriptions) Add(subscriberID string, patterns []string, scope models.SubscriptionScope) *Subscription {
	sub := &Subscription{
		ID:           uuid.New().String(),
		SubscriberID: subscriberID,
		Patterns:     patterns,
		Scope:        scope,
		queue:        make(chan *models.Event, m.queueSize),
		done:         make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()
	return sub
}

// Remove closes and forgets a subscription. Removing an unknown id is a
// no-op so transport disconnect and explicit unsubscribe can race safely.
func (m *subscriptions) Remove(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// RemoveSubscriber drops every subscription belonging to one subscriber
// (used when a transport connection closes or an agent terminates).
func (m *subscriptions) RemoveSubscriber(subscriberID string) {
	m.mu.Lock()
	var victims []*Subscription
	for id, sub := range m.subs {
		if sub.SubscriberID == subscriberID {
			victims = append(victims, sub)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()
	for _, sub := range victims {
		sub.Close()
	}
}

// Get returns a live subscription by id.
func (m *subscriptions) Get(id string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	return sub, ok
}

// Count returns the number of live subscriptions.
func (m *subscriptions) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// fanOut delivers ev to every matching subscription. Returns lag events to
// emit for subscribers that overflowed. Closed subscriptions are reaped.
func (m *subscriptions) fanOut(ev *models.Event) []*models.Event {
	m.mu.RLock()
	matched := make([]*Subscription, 0, 4)
	for _, sub := range m.subs {
		if !sub.closed.Load() && sub.matches(ev) {
			matched = append(matched, sub)
		}
	}
	m.mu.RUnlock()

	var lags []*models.Event
	for _, sub := range matched {
		if sub.closed.Load() {
			m.Remove(sub.ID)
			continue
		}
		select {
		case sub.queue <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest so the subscriber lags rather than
		// the router blocking. monitor:lag drops are never re-announced.
		select {
		case <-sub.queue:
		default:
		}
		select {
		case sub.queue <- ev:
		default:
		}
		dropped := sub.drops.Add(1)
		if ev.Name == "monitor:lag" {
			continue
		}
		slog.Warn("Subscriber lagging, dropped oldest event",
			"subscription_id", sub.ID,
			"subscriber_id", sub.SubscriberID,
			"total_drops", dropped)
		lags = append(lags, &models.Event{
			Name: "monitor:lag",
			Data: map[string]any{
				"subscription_id": sub.ID,
				"subscriber_id":   sub.SubscriberID,
				"dropped":         1,
				"total_drops":     dropped,
			},
		})
	}
	return lags
}
