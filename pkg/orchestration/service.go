// Package orchestration manages trees of agents spawned from declarative
// patterns, and delivers bubbled events up the orchestration hierarchy.
package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/agent"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/store"
)

// Events served and emitted by the orchestration service.
const (
	EventStart              = "orchestration:start"
	EventStatus             = "orchestration:status"
	EventTerminate          = "orchestration:terminate"
	EventRequestTermination = "orchestration:request_termination"

	EventTerminated           = "orchestration:terminated"
	EventTerminationRequested = "orchestration:termination_requested"
)

// AgentManager is the slice of the agent service the orchestrator needs.
type AgentManager interface {
	Spawn(spec agent.SpawnSpec) (string, error)
	Terminate(agentID string, cascade bool) ([]string, error)
	SendMessage(agentID, message, from string) error
	AgentOrchestration(agentID string) (string, bool)
}

// record is the in-memory state of one live orchestration.
type record struct {
	id         string
	pattern    string
	status     string
	parentID   string
	rootID     string
	depth      int
	eventLevel int
	errorLevel int

	// orchestrator receives bubbled events; the remaining agents are its
	// children in the entity graph.
	orchestrator string
	agents       []string
}

// Service owns orchestration lifecycles and implements router.Bubbler.
type Service struct {
	router *router.Router
	store  *store.Store
	loader *composition.Loader
	agents AgentManager

	mu    sync.RWMutex
	orchs map[string]*record
}

// NewService wires the orchestration service.
func NewService(r *router.Router, st *store.Store, loader *composition.Loader, agents AgentManager) *Service {
	return &Service{
		router: r,
		store:  st,
		loader: loader,
		agents: agents,
		orchs:  make(map[string]*record),
	}
}

// Register installs the orchestration event handlers.
func (s *Service) Register() {
	s.router.MustRegister(EventStart, router.HandlerSpec{
		Summary:    "Start an orchestration from a pattern, spawning its agents.",
		Capability: models.CapOrchestrate,
		Params: []router.ParamSpec{
			{Name: "pattern", Type: "string", Required: true},
			{Name: "variables", Type: "object"},
			{Name: "parent", Type: "string", Description: "Parent orchestration id."},
		},
	}, s.handleStart)

	s.router.MustRegister(EventStatus, router.HandlerSpec{
		Summary: "Report one orchestration, or summarize all of them.",
		Params: []router.ParamSpec{
			{Name: "orchestration_id", Type: "string"},
		},
	}, s.handleStatus)

	s.router.MustRegister(EventTerminate, router.HandlerSpec{
		Summary:    "Terminate an orchestration and its subtree, descendants first.",
		Capability: models.CapOrchestrate,
		Params: []router.ParamSpec{
			{Name: "orchestration_id", Type: "string", Required: true},
		},
		Emits: []string{EventTerminated},
	}, s.handleTerminate)

	s.router.MustRegister(EventRequestTermination, router.HandlerSpec{
		Summary: "Member agent asks its orchestration to wind down.",
		Params: []router.ParamSpec{
			{Name: "orchestration_id", Type: "string", Required: true},
			{Name: "reason", Type: "string"},
		},
		Emits: []string{EventTerminationRequested},
	}, s.handleRequestTermination)
}

func (s *Service) handleStart(ctx context.Context, inv *router.Invocation) (any, error) {
	patternName, _ := inv.Data["pattern"].(string)
	vars, _ := inv.Data["variables"].(map[string]any)
	parentID, _ := inv.Data["parent"].(string)

	component, err := s.loader.Load(patternName, "", vars)
	if err != nil {
		return nil, err
	}
	pattern, err := component.AsPattern()
	if err != nil {
		return nil, err
	}

	depth, rootID := 0, ""
	if parentID != "" {
		s.mu.RLock()
		parent, ok := s.orchs[parentID]
		s.mu.RUnlock()
		if !ok {
			return nil, models.NewError(models.KindNotFound, "orchestration %s not found", parentID)
		}
		depth = parent.depth + 1
		rootID = parent.rootID
	}

	orchID := uuid.New().String()
	if rootID == "" {
		rootID = orchID
	}

	rec := &record{
		id:         orchID,
		pattern:    component.Name,
		status:     "running",
		parentID:   parentID,
		rootID:     rootID,
		depth:      depth,
		eventLevel: pattern.EventSubscriptionLevel,
		errorLevel: pattern.ErrorSubscriptionLevel,
	}

	// The first agent in the pattern is the orchestrator; the rest are its
	// children so the agent tree mirrors the pattern.
	for i, pa := range pattern.Agents {
		spec := agent.SpawnSpec{
			AgentID:       fmt.Sprintf("%s-%s", shortID(orchID), pa.Name),
			Profile:       pa.Profile,
			OrchID:        orchID,
			OrchDepth:     depth,
			RootOrchID:    rootID,
			InitialPrompt: pa.InitialPrompt,
			ExtraCaps:     pa.Capabilities,
		}
		if i > 0 {
			spec.ParentAgentID = rec.orchestrator
		}
		agentID, err := s.agents.Spawn(spec)
		if err != nil {
			s.rollback(rec)
			return nil, models.WrapError(models.KindOf(err), err,
				"spawning agent %s for pattern %s", pa.Name, component.Name)
		}
		if i == 0 {
			rec.orchestrator = agentID
		}
		rec.agents = append(rec.agents, agentID)
	}

	entity := &models.Entity{
		Type: models.TypeOrchestration,
		ID:   orchID,
		Properties: map[string]any{
			"pattern":                  rec.pattern,
			"status":                   rec.status,
			"parent_orchestration_id":  rec.parentID,
			"root_orchestration_id":    rec.rootID,
			"depth":                    rec.depth,
			"event_subscription_level": rec.eventLevel,
			"error_subscription_level": rec.errorLevel,
			"orchestrator_agent_id":    rec.orchestrator,
			"agents":                   rec.agents,
		},
	}
	if err := s.store.CreateEntity(entity); err != nil {
		s.rollback(rec)
		return nil, models.WrapError(models.KindIO, err, "persisting orchestration %s", orchID)
	}
	if parentID != "" {
		if err := s.store.CreateRelationship(&models.Relationship{
			From: models.EntityRef{Type: models.TypeOrchestration, ID: parentID},
			Kind: models.KindParentOf,
			To:   entity.Ref(),
		}); err != nil {
			slog.Warn("Recording orchestration parent edge failed",
				"orchestration_id", orchID, "parent", parentID, "error", err)
		}
	}

	s.mu.Lock()
	s.orchs[orchID] = rec
	s.mu.Unlock()

	slog.Info("Orchestration started",
		"orchestration_id", orchID, "pattern", component.Name,
		"agents", len(rec.agents), "depth", depth)
	return s.describe(rec), nil
}

// rollback tears down agents spawned before a start failed.
func (s *Service) rollback(rec *record) {
	for i := len(rec.agents) - 1; i >= 0; i-- {
		if _, err := s.agents.Terminate(rec.agents[i], true); err != nil {
			slog.Warn("Rollback termination failed", "agent_id", rec.agents[i], "error", err)
		}
	}
}

func (s *Service) handleStatus(ctx context.Context, inv *router.Invocation) (any, error) {
	orchID, _ := inv.Data["orchestration_id"].(string)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if orchID != "" {
		rec, ok := s.orchs[orchID]
		if !ok {
			return nil, models.NewError(models.KindNotFound, "orchestration %s not found", orchID)
		}
		return s.describe(rec), nil
	}

	all := make([]map[string]any, 0, len(s.orchs))
	for _, rec := range s.orchs {
		all = append(all, s.describe(rec))
	}
	slices.SortFunc(all, func(a, b map[string]any) int {
		if a["orchestration_id"].(string) < b["orchestration_id"].(string) {
			return -1
		}
		return 1
	})
	return map[string]any{"orchestrations": all, "count": len(all)}, nil
}

func (s *Service) handleTerminate(ctx context.Context, inv *router.Invocation) (any, error) {
	orchID, _ := inv.Data["orchestration_id"].(string)

	terminated, err := s.Terminate(orchID)
	if err != nil {
		return nil, err
	}
	for _, id := range terminated {
		inv.Emit(EventTerminated, map[string]any{"orchestration_id": id})
	}
	return map[string]any{"orchestration_id": orchID, "terminated": terminated}, nil
}

// Terminate winds an orchestration down post-order: descendant
// orchestrations first, then this one's agents, then the entity. Returns
// every terminated orchestration id, deepest first.
func (s *Service) Terminate(orchID string) ([]string, error) {
	s.mu.Lock()
	rec, ok := s.orchs[orchID]
	if ok {
		rec.status = "terminating"
	}
	var children []string
	for id, r := range s.orchs {
		if r.parentID == orchID {
			children = append(children, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil, models.NewError(models.KindNotFound, "orchestration %s not found", orchID)
	}

	slices.Sort(children)
	var terminated []string
	for _, childID := range children {
		sub, err := s.Terminate(childID)
		if err != nil && models.KindOf(err) != models.KindNotFound {
			return nil, err
		}
		terminated = append(terminated, sub...)
	}

	// Terminating the orchestrator cascades over the agent tree; stragglers
	// spawned outside it are swept individually.
	for i := len(rec.agents) - 1; i >= 0; i-- {
		if _, err := s.agents.Terminate(rec.agents[i], true); err != nil && models.KindOf(err) != models.KindNotFound {
			slog.Warn("Agent termination failed",
				"orchestration_id", orchID, "agent_id", rec.agents[i], "error", err)
		}
	}

	if err := s.store.DeleteEntity(models.EntityRef{Type: models.TypeOrchestration, ID: orchID}, true); err != nil && !store.IsNotFound(err) {
		slog.Warn("Orchestration entity deletion failed", "orchestration_id", orchID, "error", err)
	}

	s.mu.Lock()
	delete(s.orchs, orchID)
	s.mu.Unlock()

	slog.Info("Orchestration terminated", "orchestration_id", orchID)
	return append(terminated, orchID), nil
}

func (s *Service) handleRequestTermination(ctx context.Context, inv *router.Invocation) (any, error) {
	orchID, _ := inv.Data["orchestration_id"].(string)
	reason, _ := inv.Data["reason"].(string)

	agentID := inv.Context.AgentID
	if agentID == "" {
		return nil, models.NewError(models.KindPermissionDenied,
			"termination requests must come from a member agent")
	}
	memberOf, ok := s.agents.AgentOrchestration(agentID)
	if !ok || memberOf != orchID {
		return nil, models.NewError(models.KindPermissionDenied,
			"agent %s does not belong to orchestration %s", agentID, orchID)
	}

	s.mu.Lock()
	rec, found := s.orchs[orchID]
	if found {
		rec.status = "termination_requested"
	}
	s.mu.Unlock()
	if !found {
		return nil, models.NewError(models.KindNotFound, "orchestration %s not found", orchID)
	}

	if _, err := s.store.UpdateEntity(
		models.EntityRef{Type: models.TypeOrchestration, ID: orchID},
		map[string]any{"status": "termination_requested"}, true); err != nil {
		slog.Warn("Persisting orchestration status failed", "orchestration_id", orchID, "error", err)
	}

	// The orchestrator decides what to do with the request; the daemon
	// only relays it.
	msg := fmt.Sprintf("Agent %s requested termination of orchestration %s", agentID, orchID)
	if reason != "" {
		msg += ": " + reason
	}
	if err := s.agents.SendMessage(rec.orchestrator, msg, agentID); err != nil {
		slog.Warn("Notifying orchestrator failed", "orchestration_id", orchID, "error", err)
	}

	inv.Emit(EventTerminationRequested, map[string]any{
		"orchestration_id": orchID,
		"agent_id":         agentID,
		"reason":           reason,
	})
	return map[string]any{"orchestration_id": orchID, "status": "termination_requested"}, nil
}

// Recover re-materializes orchestration records after a restart.
func (s *Service) Recover() error {
	entities, err := s.store.ListEntities(models.TypeOrchestration, 0)
	if err != nil {
		return models.WrapError(models.KindIO, err, "listing orchestrations for recovery")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range entities {
		rec := &record{
			id:           entity.ID,
			status:       "running",
			eventLevel:   1,
			errorLevel:   -1,
			orchestrator: stringProp(entity.Properties, "orchestrator_agent_id"),
			pattern:      stringProp(entity.Properties, "pattern"),
			parentID:     stringProp(entity.Properties, "parent_orchestration_id"),
			rootID:       stringProp(entity.Properties, "root_orchestration_id"),
		}
		if st := stringProp(entity.Properties, "status"); st != "" {
			rec.status = st
		}
		rec.depth = intProp(entity.Properties, "depth", 0)
		rec.eventLevel = intProp(entity.Properties, "event_subscription_level", 1)
		rec.errorLevel = intProp(entity.Properties, "error_subscription_level", -1)
		if list, ok := entity.Properties["agents"].([]any); ok {
			for _, v := range list {
				if id, ok := v.(string); ok {
					rec.agents = append(rec.agents, id)
				}
			}
		}
		s.orchs[entity.ID] = rec
	}
	slog.Info("Orchestration service recovered", "orchestrations", len(entities))
	return nil
}

func (s *Service) describe(rec *record) map[string]any {
	return map[string]any{
		"orchestration_id":         rec.id,
		"pattern":                  rec.pattern,
		"status":                   rec.status,
		"parent_orchestration_id":  rec.parentID,
		"root_orchestration_id":    rec.rootID,
		"depth":                    rec.depth,
		"event_subscription_level": rec.eventLevel,
		"error_subscription_level": rec.errorLevel,
		"orchestrator":             rec.orchestrator,
		"agents":                   append([]string(nil), rec.agents...),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func intProp(props map[string]any, key string, def int) int {
	switch v := props[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
