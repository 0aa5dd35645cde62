// Package agent runs the daemon's spawned agents: lifecycle state, one
// inbox worker per agent, a sandbox directory per agent, and the capability
// sets the router enforces on agent-originated events.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/store"
)

// Events served and emitted by the agent service.
const (
	EventSpawn       = "agent:spawn"
	EventSendMessage = "agent:send_message"
	EventTerminate   = "agent:terminate"
	EventList        = "agent:list"
	EventGet         = "agent:get"

	EventReady      = "agent:ready"
	EventTerminated = "agent:terminated"
)

// RequestCanceller is the slice of the completion service used to abort an
// agent's in-flight work at termination.
type RequestCanceller interface {
	CancelAgentRequests(agentID string) int
}

// runtime is the in-memory half of one live agent.
type runtime struct {
	id           string
	profile      string
	status       models.AgentStatus
	capabilities map[string]bool
	sandboxPath  string
	parentID     string
	orchID       string
	orchDepth    int
	rootOrchID   string

	stop     chan struct{}
	stopOnce sync.Once
}

// Service owns agent lifecycles. It implements router.CapabilityChecker
// and the completion service's AgentDirectory.
type Service struct {
	router    *router.Router
	store     *store.Store
	loader    *composition.Loader
	sandboxes *Sandboxes
	limits    config.LimitsConfig

	canceller RequestCanceller

	mu     sync.RWMutex
	agents map[string]*runtime

	runCtx context.Context
}

// NewService wires the agent service. Call Register, then Recover, then
// Start.
func NewService(r *router.Router, st *store.Store, loader *composition.Loader, sandboxes *Sandboxes, limits config.LimitsConfig) *Service {
	return &Service{
		router:    r,
		store:     st,
		loader:    loader,
		sandboxes: sandboxes,
		limits:    limits,
		agents:    make(map[string]*runtime),
		runCtx:    context.Background(),
	}
}

// SetCanceller wires the completion service in.
func (s *Service) SetCanceller(c RequestCanceller) { s.canceller = c }

// Start records the context under which inbox workers run.
func (s *Service) Start(ctx context.Context) { s.runCtx = ctx }

// Stop terminates every inbox worker without touching persisted state.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.agents {
		rt.stopOnce.Do(func() { close(rt.stop) })
	}
}

// HasCapability implements router.CapabilityChecker.
func (s *Service) HasCapability(agentID, capability string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.agents[agentID]
	return ok && rt.capabilities[capability]
}

// AgentExists reports whether an agent is live.
func (s *Service) AgentExists(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[agentID]
	return ok
}

// ResolveSandboxPath maps an agent-relative path into the agent's sandbox,
// rejecting escapes.
func (s *Service) ResolveSandboxPath(agentID, rel string) (string, error) {
	s.mu.RLock()
	rt, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return "", models.NewError(models.KindNotFound, "agent %s not found", agentID)
	}
	return s.sandboxes.Resolve(rt.sandboxPath, rel)
}

// Register installs the agent event handlers.
func (s *Service) Register() {
	s.router.MustRegister(EventSpawn, router.HandlerSpec{
		Summary:    "Spawn an agent from a composition profile.",
		Capability: models.CapSpawnAgents,
		Params: []router.ParamSpec{
			{Name: "profile", Type: "string", Required: true},
			{Name: "agent_id", Type: "string", Description: "Caller-chosen id; duplicates conflict."},
			{Name: "parent_agent_id", Type: "string"},
			{Name: "orchestration_id", Type: "string"},
			{Name: "initial_prompt", Type: "string"},
			{Name: "capabilities", Type: "array", Description: "Extra grants from the spawner."},
			{Name: "variables", Type: "object"},
		},
		Emits: []string{EventReady},
	}, s.handleSpawn)

	s.router.MustRegister(EventSendMessage, router.HandlerSpec{
		Summary: "Enqueue a message on an agent's inbox.",
		Params: []router.ParamSpec{
			{Name: "agent_id", Type: "string", Required: true},
			{Name: "message", Type: "string", Required: true},
		},
	}, s.handleSendMessage)

	s.router.MustRegister(EventTerminate, router.HandlerSpec{
		Summary: "Terminate an agent, optionally cascading to its children.",
		Params: []router.ParamSpec{
			{Name: "agent_id", Type: "string", Required: true},
			{Name: "cascade", Type: "boolean"},
		},
		Emits: []string{EventTerminated},
	}, s.handleTerminate)

	s.router.MustRegister(EventList, router.HandlerSpec{
		Summary: "List agents.",
		Params: []router.ParamSpec{
			{Name: "status", Type: "string"},
		},
	}, s.handleList)

	s.router.MustRegister(EventGet, router.HandlerSpec{
		Summary: "Fetch one agent's state.",
		Params: []router.ParamSpec{
			{Name: "agent_id", Type: "string", Required: true},
		},
	}, s.handleGet)
}

// Spawn creates an agent outside of event dispatch; the orchestration
// service uses it while materializing a pattern. Returns the agent id.
func (s *Service) Spawn(spec SpawnSpec) (string, error) {
	rt, err := s.spawn(spec)
	if err != nil {
		return "", err
	}
	return rt.id, nil
}

// SpawnSpec carries everything needed to create one agent.
type SpawnSpec struct {
	AgentID       string
	Profile       string
	Variables     map[string]any
	ParentAgentID string
	OrchID        string
	OrchDepth     int
	RootOrchID    string
	InitialPrompt string
	ExtraCaps     []string

	// SpawnerAgentID restricts capability grants: an agent can only grant
	// capabilities it holds itself. Empty means a trusted caller.
	SpawnerAgentID string
}

func (s *Service) handleSpawn(ctx context.Context, inv *router.Invocation) (any, error) {
	spec := SpawnSpec{
		SpawnerAgentID: inv.Context.AgentID,
		OrchID:         inv.Context.OrchestrationID,
		OrchDepth:      inv.Context.OrchestrationDepth,
		RootOrchID:     inv.Context.RootOrchestrationID,
	}
	spec.Profile, _ = inv.Data["profile"].(string)
	spec.AgentID, _ = inv.Data["agent_id"].(string)
	spec.ParentAgentID, _ = inv.Data["parent_agent_id"].(string)
	spec.InitialPrompt, _ = inv.Data["initial_prompt"].(string)
	spec.Variables, _ = inv.Data["variables"].(map[string]any)
	if oid, ok := inv.Data["orchestration_id"].(string); ok && oid != "" {
		spec.OrchID = oid
	}
	if caps, ok := inv.Data["capabilities"].([]any); ok {
		for _, cap := range caps {
			if str, ok := cap.(string); ok {
				spec.ExtraCaps = append(spec.ExtraCaps, str)
			}
		}
	}
	// A spawning agent is the implicit parent of its children.
	if spec.ParentAgentID == "" {
		spec.ParentAgentID = inv.Context.AgentID
	}

	rt, err := s.spawn(spec)
	if err != nil {
		return nil, err
	}

	inv.Emit(EventReady, map[string]any{
		"agent_id": rt.id,
		"profile":  rt.profile,
	})
	return s.describe(rt), nil
}

func (s *Service) spawn(spec SpawnSpec) (*runtime, error) {
	// Grant check: an agent cannot hand out rights it does not hold.
	if spec.SpawnerAgentID != "" {
		for _, cap := range spec.ExtraCaps {
			if !s.HasCapability(spec.SpawnerAgentID, cap) {
				return nil, models.NewError(models.KindPermissionDenied,
					"agent %s cannot grant capability %s it does not hold",
					spec.SpawnerAgentID, cap)
			}
		}
	}
	if err := s.checkSpawnCaps(spec.ParentAgentID, spec.OrchID); err != nil {
		return nil, err
	}

	profile, err := s.loader.Load(spec.Profile, "", spec.Variables)
	if err != nil {
		return nil, err
	}

	agentID := spec.AgentID
	if agentID == "" {
		agentID = uuid.New().String()
	}

	sandboxPath, err := s.sandboxes.Create()
	if err != nil {
		return nil, models.WrapError(models.KindIO, err, "allocating sandbox for %s", agentID)
	}

	caps := make(map[string]bool, len(profile.Capabilities)+len(spec.ExtraCaps))
	for _, cap := range profile.Capabilities {
		caps[cap] = true
	}
	for _, cap := range spec.ExtraCaps {
		caps[cap] = true
	}

	entity := &models.Entity{
		Type: models.TypeAgent,
		ID:   agentID,
		Properties: map[string]any{
			"profile":               profile.Name,
			"status":                string(models.AgentSpawning),
			"sandbox_path":          sandboxPath,
			"capabilities":          capList(caps),
			"parent_agent_id":       spec.ParentAgentID,
			"orchestration_id":      spec.OrchID,
			"orchestration_depth":   spec.OrchDepth,
			"root_orchestration_id": spec.RootOrchID,
		},
	}
	if err := s.store.CreateEntity(entity); err != nil {
		_ = s.sandboxes.Remove(sandboxPath)
		if store.IsConflict(err) {
			return nil, models.NewError(models.KindConflict, "agent %s already exists", agentID)
		}
		return nil, models.WrapError(models.KindIO, err, "persisting agent %s", agentID)
	}

	// The sandbox is an owned entity so agent deletion cascades to it.
	sandboxEntity := &models.Entity{
		Type:       models.TypeSandbox,
		ID:         agentID,
		Properties: map[string]any{"path": sandboxPath},
	}
	if err := s.store.CreateEntity(sandboxEntity); err == nil {
		_ = s.store.CreateRelationship(&models.Relationship{
			From:   entity.Ref(),
			Kind:   models.KindOwns,
			To:     sandboxEntity.Ref(),
			Owning: true,
		})
	}
	if spec.ParentAgentID != "" {
		if err := s.store.CreateRelationship(&models.Relationship{
			From: models.EntityRef{Type: models.TypeAgent, ID: spec.ParentAgentID},
			Kind: models.KindParentOf,
			To:   entity.Ref(),
		}); err != nil && !store.IsNotFound(err) {
			slog.Warn("Recording parent edge failed",
				"agent_id", agentID, "parent", spec.ParentAgentID, "error", err)
		}
	}

	rt := &runtime{
		id:           agentID,
		profile:      profile.Name,
		status:       models.AgentReady,
		capabilities: caps,
		sandboxPath:  sandboxPath,
		parentID:     spec.ParentAgentID,
		orchID:       spec.OrchID,
		orchDepth:    spec.OrchDepth,
		rootOrchID:   spec.RootOrchID,
		stop:         make(chan struct{}),
	}
	s.mu.Lock()
	s.agents[agentID] = rt
	s.mu.Unlock()
	s.setStatus(agentID, models.AgentReady)

	go s.runInbox(s.runCtx, agentID, rt.stop)

	if spec.InitialPrompt != "" {
		if err := s.store.Push(inboxQueue(agentID), inboxMessage{
			Message:    spec.InitialPrompt,
			EnqueuedAt: time.Now().UTC(),
		}); err != nil {
			slog.Warn("Queueing initial prompt failed", "agent_id", agentID, "error", err)
		}
	}

	slog.Info("Agent spawned",
		"agent_id", agentID, "profile", profile.Name,
		"parent", spec.ParentAgentID, "orchestration_id", spec.OrchID)
	return rt, nil
}

// checkSpawnCaps enforces the per-parent and per-orchestration spawn caps.
func (s *Service) checkSpawnCaps(parentID, orchID string) error {
	if parentID != "" && s.limits.SpawnPerParent > 0 {
		children, err := s.store.Neighbors(
			models.EntityRef{Type: models.TypeAgent, ID: parentID},
			models.KindParentOf, store.DirectionOut, 0)
		if err == nil && len(children) >= s.limits.SpawnPerParent {
			return models.NewError(models.KindCapacity,
				"agent %s reached its spawn cap of %d children", parentID, s.limits.SpawnPerParent)
		}
	}
	if orchID != "" && s.limits.SpawnPerOrchestration > 0 {
		count := 0
		s.mu.RLock()
		for _, rt := range s.agents {
			if rt.orchID == orchID {
				count++
			}
		}
		s.mu.RUnlock()
		if count >= s.limits.SpawnPerOrchestration {
			return models.NewError(models.KindCapacity,
				"orchestration %s reached its spawn cap of %d agents", orchID, s.limits.SpawnPerOrchestration)
		}
	}
	return nil
}

func (s *Service) handleSendMessage(ctx context.Context, inv *router.Invocation) (any, error) {
	agentID, _ := inv.Data["agent_id"].(string)
	message, _ := inv.Data["message"].(string)

	from := inv.Context.AgentID
	if from == "" {
		from = inv.Context.ClientID
	}
	if err := s.SendMessage(agentID, message, from); err != nil {
		return nil, err
	}
	depth, _ := s.store.Length(inboxQueue(agentID))
	return map[string]any{"agent_id": agentID, "status": "enqueued", "inbox_depth": depth}, nil
}

// SendMessage enqueues a message on an agent's durable inbox. Also used by
// the orchestration service to deliver bubbled events to an orchestrator.
func (s *Service) SendMessage(agentID, message, from string) error {
	if !s.AgentExists(agentID) {
		return models.NewError(models.KindNotFound, "agent %s not found", agentID)
	}
	if err := s.store.Push(inboxQueue(agentID), inboxMessage{
		Message:    message,
		From:       from,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, store.ErrCapacity) {
			return models.NewError(models.KindCapacity, "agent %s inbox is full", agentID)
		}
		return models.WrapError(models.KindIO, err, "enqueueing message for %s", agentID)
	}
	return nil
}

// agentOrigin builds the ingress origin for events the agent's inbox
// worker emits, carrying the agent's orchestration context.
func (s *Service) agentOrigin(agentID string) router.Origin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	origin := router.Origin{AgentID: agentID}
	if rt, ok := s.agents[agentID]; ok {
		origin.OrchestrationID = rt.orchID
		origin.OrchestrationDepth = rt.orchDepth
		origin.RootOrchestrationID = rt.rootOrchID
	}
	return origin
}

// AgentOrchestration returns the orchestration an agent belongs to.
func (s *Service) AgentOrchestration(agentID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.agents[agentID]
	if !ok {
		return "", false
	}
	return rt.orchID, rt.orchID != ""
}

func (s *Service) handleTerminate(ctx context.Context, inv *router.Invocation) (any, error) {
	agentID, _ := inv.Data["agent_id"].(string)
	cascade, _ := inv.Data["cascade"].(bool)

	terminated, err := s.Terminate(agentID, cascade)
	if err != nil {
		return nil, err
	}
	for _, id := range terminated {
		inv.Emit(EventTerminated, map[string]any{"agent_id": id})
	}
	return map[string]any{"agent_id": agentID, "terminated": terminated}, nil
}

// Terminate shuts an agent down: children first when cascading, then
// cancel in-flight requests, drop transformer rules, remove the sandbox,
// delete the entity. Returns every terminated agent id, leaves first.
func (s *Service) Terminate(agentID string, cascade bool) ([]string, error) {
	s.mu.RLock()
	rt, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.KindNotFound, "agent %s not found", agentID)
	}

	s.setStatus(agentID, models.AgentTerminating)

	var terminated []string
	if cascade {
		children, err := s.store.Neighbors(
			models.EntityRef{Type: models.TypeAgent, ID: agentID},
			models.KindParentOf, store.DirectionOut, 0)
		if err != nil {
			return nil, models.WrapError(models.KindIO, err, "listing children of %s", agentID)
		}
		for _, edge := range children {
			sub, err := s.Terminate(edge.To.ID, true)
			if err != nil && models.KindOf(err) != models.KindNotFound {
				return nil, err
			}
			terminated = append(terminated, sub...)
		}
	}

	rt.stopOnce.Do(func() { close(rt.stop) })
	if s.canceller != nil {
		if n := s.canceller.CancelAgentRequests(agentID); n > 0 {
			slog.Info("Cancelled in-flight requests", "agent_id", agentID, "count", n)
		}
	}
	if n := s.router.RemoveAgentTransformers(agentID); n > 0 {
		slog.Debug("Removed agent transformer rules", "agent_id", agentID, "count", n)
	}

	// Drain whatever is left in the inbox; the queue is dead.
	var discard inboxMessage
	for {
		found, err := s.store.Pop(inboxQueue(agentID), &discard)
		if err != nil || !found {
			break
		}
	}

	if err := s.sandboxes.Remove(rt.sandboxPath); err != nil {
		slog.Warn("Sandbox removal failed", "agent_id", agentID, "error", err)
	}
	if err := s.store.DeleteEntity(models.EntityRef{Type: models.TypeAgent, ID: agentID}, true); err != nil && !store.IsNotFound(err) {
		slog.Warn("Agent entity deletion failed", "agent_id", agentID, "error", err)
	}

	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()

	slog.Info("Agent terminated", "agent_id", agentID)
	return append(terminated, agentID), nil
}

func (s *Service) handleList(ctx context.Context, inv *router.Invocation) (any, error) {
	statusFilter, _ := inv.Data["status"].(string)

	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]map[string]any, 0, len(s.agents))
	for _, rt := range s.agents {
		if statusFilter != "" && string(rt.status) != statusFilter {
			continue
		}
		agents = append(agents, s.describe(rt))
	}
	slices.SortFunc(agents, func(a, b map[string]any) int {
		return strings.Compare(a["agent_id"].(string), b["agent_id"].(string))
	})
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func (s *Service) handleGet(ctx context.Context, inv *router.Invocation) (any, error) {
	agentID, _ := inv.Data["agent_id"].(string)
	s.mu.RLock()
	rt, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.KindNotFound, "agent %s not found", agentID)
	}
	out := s.describe(rt)
	depth, _ := s.store.Length(inboxQueue(agentID))
	out["inbox_depth"] = depth
	return out, nil
}

// Recover re-materializes live agents from persisted entities after a
// restart and restarts their inbox workers.
func (s *Service) Recover(ctx context.Context) error {
	s.runCtx = ctx
	entities, err := s.store.ListEntities(models.TypeAgent, 0)
	if err != nil {
		return models.WrapError(models.KindIO, err, "listing agents for recovery")
	}

	restored := 0
	for _, entity := range entities {
		status, _ := entity.Properties["status"].(string)
		if status == string(models.AgentTerminated) {
			continue
		}
		caps := map[string]bool{}
		if list, ok := entity.Properties["capabilities"].([]any); ok {
			for _, cap := range list {
				if str, ok := cap.(string); ok {
					caps[str] = true
				}
			}
		}
		sandboxPath, _ := entity.Properties["sandbox_path"].(string)
		profile, _ := entity.Properties["profile"].(string)
		parentID, _ := entity.Properties["parent_agent_id"].(string)
		orchID, _ := entity.Properties["orchestration_id"].(string)
		rootOrchID, _ := entity.Properties["root_orchestration_id"].(string)
		orchDepth := 0
		switch d := entity.Properties["orchestration_depth"].(type) {
		case float64:
			orchDepth = int(d)
		case int:
			orchDepth = d
		}

		rt := &runtime{
			id:           entity.ID,
			profile:      profile,
			status:       models.AgentIdle,
			capabilities: caps,
			sandboxPath:  sandboxPath,
			parentID:     parentID,
			orchID:       orchID,
			orchDepth:    orchDepth,
			rootOrchID:   rootOrchID,
			stop:         make(chan struct{}),
		}
		s.mu.Lock()
		s.agents[entity.ID] = rt
		s.mu.Unlock()
		s.setStatus(entity.ID, models.AgentIdle)
		go s.runInbox(ctx, entity.ID, rt.stop)
		restored++
	}
	slog.Info("Agent service recovered", "agents", restored)
	return nil
}

// setStatus updates the in-memory and persisted status.
func (s *Service) setStatus(agentID string, status models.AgentStatus) {
	s.mu.Lock()
	if rt, ok := s.agents[agentID]; ok {
		rt.status = status
	}
	s.mu.Unlock()
	if _, err := s.store.UpdateEntity(
		models.EntityRef{Type: models.TypeAgent, ID: agentID},
		map[string]any{"status": string(status)}, true); err != nil && !store.IsNotFound(err) {
		slog.Warn("Persisting agent status failed", "agent_id", agentID, "error", err)
	}
}

func (s *Service) describe(rt *runtime) map[string]any {
	return map[string]any{
		"agent_id":         rt.id,
		"profile":          rt.profile,
		"status":           string(rt.status),
		"sandbox_path":     rt.sandboxPath,
		"capabilities":     capList(rt.capabilities),
		"parent_agent_id":  rt.parentID,
		"orchestration_id": rt.orchID,
	}
}

func capList(caps map[string]bool) []string {
	out := make([]string, 0, len(caps))
	for cap := range caps {
		out = append(out, cap)
	}
	slices.Sort(out)
	return out
}
