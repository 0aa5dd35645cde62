// Package monitor manages client-facing event subscriptions: pattern
// subscriptions streamed over the transport, agent observation, drop
// accounting, and the active-conversation view.
package monitor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
)

// Events served and emitted by the monitor service.
const (
	EventSubscribe   = "monitor:subscribe"
	EventUnsubscribe = "monitor:unsubscribe"
	EventStatus      = "monitor:status"

	EventObserve   = "observation:subscribe"
	EventUnobserve = "observation:unsubscribe"

	EventActive = "conversation:active"

	// EventLag is emitted by the router when a slow subscriber drops an
	// event; named here for subscribers.
	EventLag = "monitor:lag"
)

// Streams attaches a subscription's event flow to a connected client.
// Implemented by the transport server.
type Streams interface {
	Attach(clientID string, sub *router.Subscription) error
}

// Sessions is the slice of the session tracker the monitor reads.
type Sessions interface {
	ActiveSessions(limit int) ([]*models.SessionMeta, error)
}

// watch is one monitor-managed subscription.
type watch struct {
	sub       *router.Subscription
	owner     string
	patterns  []string
	scope     models.SubscriptionScope
	createdAt time.Time
}

// Service owns monitor subscriptions. Lag announcements come from the
// router itself, which emits monitor:lag whenever a slow subscriber
// drops an event; the monitor only has to account for them in status.
type Service struct {
	router   *router.Router
	streams  Streams
	sessions Sessions

	mu      sync.Mutex
	watches map[string]*watch
}

// NewService wires the monitor.
func NewService(r *router.Router, streams Streams, sessions Sessions) *Service {
	return &Service{
		router:   r,
		streams:  streams,
		sessions: sessions,
		watches:  make(map[string]*watch),
	}
}

// Register installs the monitor handlers.
func (s *Service) Register() {
	s.router.MustRegister(EventSubscribe, router.HandlerSpec{
		Summary: "Stream matching events to the calling client.",
		Params: []router.ParamSpec{
			{Name: "patterns", Type: "array", Required: true,
				Description: "Glob patterns over event names."},
			{Name: "scope", Type: "object",
				Description: "Optional scope: kind, agent_id, orchestration_id, max_depth."},
		},
	}, s.handleSubscribe)

	s.router.MustRegister(EventUnsubscribe, router.HandlerSpec{
		Summary: "Tear down a monitor subscription.",
		Params: []router.ParamSpec{
			{Name: "subscription_id", Type: "string", Required: true},
		},
	}, s.handleUnsubscribe)

	s.router.MustRegister(EventStatus, router.HandlerSpec{
		Summary: "List live monitor subscriptions and their drop counts.",
	}, s.handleStatus)

	s.router.MustRegister(EventObserve, router.HandlerSpec{
		Summary: "Observe every event touching one agent.",
		Params: []router.ParamSpec{
			{Name: "agent_id", Type: "string", Required: true},
			{Name: "patterns", Type: "array", Description: "Defaults to all events."},
		},
	}, s.handleObserve)

	s.router.MustRegister(EventUnobserve, router.HandlerSpec{
		Summary: "Stop observing an agent.",
		Params: []router.ParamSpec{
			{Name: "subscription_id", Type: "string", Required: true},
		},
	}, s.handleUnobserve)

	s.router.MustRegister(EventActive, router.HandlerSpec{
		Summary: "List active conversation sessions.",
		Params: []router.ParamSpec{
			{Name: "limit", Type: "integer"},
		},
	}, s.handleActive)
}

func (s *Service) handleSubscribe(ctx context.Context, inv *router.Invocation) (any, error) {
	patterns := stringList(inv.Data["patterns"])
	if len(patterns) == 0 {
		return nil, models.NewError(models.KindInvalidArgument, "patterns must be a non-empty list")
	}
	scope := decodeScope(inv.Data["scope"])

	return s.subscribe(inv, patterns, scope)
}

func (s *Service) handleObserve(ctx context.Context, inv *router.Invocation) (any, error) {
	agentID, _ := inv.Data["agent_id"].(string)
	patterns := stringList(inv.Data["patterns"])
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	scope := models.SubscriptionScope{Kind: models.ScopeAgent, AgentID: agentID}

	return s.subscribe(inv, patterns, scope)
}

// subscribe creates the router subscription and, for connected clients,
// attaches it to the transport stream.
func (s *Service) subscribe(inv *router.Invocation, patterns []string, scope models.SubscriptionScope) (any, error) {
	owner := inv.Context.ClientID
	if owner == "" {
		owner = inv.Context.AgentID
	}
	if owner == "" {
		return nil, models.NewError(models.KindInvalidArgument, "subscriptions need an owner")
	}

	sub := s.router.Subscribe(owner, patterns, scope)
	if inv.Context.ClientID != "" && s.streams != nil {
		if err := s.streams.Attach(inv.Context.ClientID, sub); err != nil {
			s.router.Unsubscribe(sub.ID)
			return nil, err
		}
	}

	s.mu.Lock()
	s.watches[sub.ID] = &watch{
		sub:       sub,
		owner:     owner,
		patterns:  patterns,
		scope:     scope,
		createdAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	slog.Debug("Subscription created",
		"subscription_id", sub.ID, "owner", owner, "patterns", patterns)
	return map[string]any{"subscription_id": sub.ID}, nil
}

func (s *Service) handleUnsubscribe(ctx context.Context, inv *router.Invocation) (any, error) {
	return s.unsubscribe(inv)
}

func (s *Service) handleUnobserve(ctx context.Context, inv *router.Invocation) (any, error) {
	return s.unsubscribe(inv)
}

func (s *Service) unsubscribe(inv *router.Invocation) (any, error) {
	subID, _ := inv.Data["subscription_id"].(string)

	s.mu.Lock()
	w, ok := s.watches[subID]
	if ok {
		delete(s.watches, subID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, models.NewError(models.KindNotFound, "subscription %s not found", subID)
	}

	// Only the owner may tear a subscription down.
	caller := inv.Context.ClientID
	if caller == "" {
		caller = inv.Context.AgentID
	}
	if caller != w.owner {
		s.mu.Lock()
		s.watches[subID] = w
		s.mu.Unlock()
		return nil, models.NewError(models.KindPermissionDenied,
			"subscription %s belongs to another owner", subID)
	}

	s.router.Unsubscribe(subID)
	return map[string]any{"subscription_id": subID, "unsubscribed": true}, nil
}

func (s *Service) handleStatus(ctx context.Context, inv *router.Invocation) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]map[string]any, 0, len(s.watches))
	for id, w := range s.watches {
		select {
		case <-w.sub.Done():
			// The client disconnected; the router already reaped the
			// subscription.
			delete(s.watches, id)
			continue
		default:
		}
		subs = append(subs, map[string]any{
			"subscription_id": id,
			"owner":           w.owner,
			"patterns":        w.patterns,
			"scope":           w.scope,
			"drops":           w.sub.Drops(),
			"created_at":      w.createdAt,
		})
	}
	slices.SortFunc(subs, func(a, b map[string]any) int {
		if a["subscription_id"].(string) < b["subscription_id"].(string) {
			return -1
		}
		return 1
	})
	return map[string]any{"subscriptions": subs, "count": len(subs)}, nil
}

func (s *Service) handleActive(ctx context.Context, inv *router.Invocation) (any, error) {
	limit := 0
	if v, ok := inv.Data["limit"].(float64); ok {
		limit = int(v)
	}
	sessions, err := s.sessions.ActiveSessions(limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func decodeScope(v any) models.SubscriptionScope {
	m, ok := v.(map[string]any)
	if !ok {
		return models.SubscriptionScope{Kind: models.ScopeGlobal}
	}
	scope := models.SubscriptionScope{Kind: models.ScopeGlobal}
	if kind, ok := m["kind"].(string); ok && kind != "" {
		scope.Kind = models.ScopeKind(kind)
	}
	scope.AgentID, _ = m["agent_id"].(string)
	scope.OrchestrationID, _ = m["orchestration_id"].(string)
	scope.MaxDepth = -1
	switch d := m["max_depth"].(type) {
	case float64:
		scope.MaxDepth = int(d)
	case int:
		scope.MaxDepth = d
	}
	return scope
}
