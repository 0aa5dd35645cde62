// Package completion queues and executes LLM completion requests. Requests
// on the same conversation run strictly in order; independent conversations
// run concurrently up to the configured global, per-provider and per-model
// caps. The service only ever learns session ids from provider results.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/llm"
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/session"
)

// Events served and emitted by the service.
const (
	EventAsync         = "completion:async"
	EventCancel        = "completion:cancel"
	EventStatus        = "completion:status"
	EventSessionStatus = "completion:session_status"

	EventProgress  = "completion:progress"
	EventResult    = "completion:result"
	EventError     = "completion:error"
	EventCancelled = "completion:cancelled"
)

// restartAbandonedReason marks requests that were in flight when the daemon
// died and cannot be safely resumed.
const restartAbandonedReason = "restart_abandoned"

// AgentDirectory is the slice of the agent service the completion service
// consults when a request targets another agent.
type AgentDirectory interface {
	AgentExists(agentID string) bool
	HasCapability(agentID, capability string) bool
}

// Service is the completion front door plus its worker pool.
type Service struct {
	router    *router.Router
	tracker   *session.Tracker
	providers *llm.Registry
	cfg       config.CompletionConfig

	defaultProvider string
	defaultModel    string

	sched       *scheduler
	global      chan struct{}
	perProvider *limiter
	perModel    *limiter

	// Cancel registry: request_id → cancel for in-flight provider calls.
	mu       sync.Mutex
	active   map[string]context.CancelFunc
	contexts map[string]*models.EventContext

	agents AgentDirectory

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewService wires the completion service. Call Register, then Recover, then
// Start.
func NewService(r *router.Router, tracker *session.Tracker, providers *llm.Registry, cfg *config.Config) *Service {
	s := &Service{
		router:          r,
		tracker:         tracker,
		providers:       providers,
		cfg:             cfg.Completion,
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		sched:           newScheduler(0),
		perProvider:     newLimiter(cfg.Completion.PerProviderMax),
		perModel:        newLimiter(cfg.Completion.PerModelMax),
		active:          make(map[string]context.CancelFunc),
		contexts:        make(map[string]*models.EventContext),
		stopCh:          make(chan struct{}),
	}
	if cfg.Completion.MaxConcurrent > 0 {
		s.global = make(chan struct{}, cfg.Completion.MaxConcurrent)
	}
	return s
}

// SetAgents wires the agent directory in. Without it, targeting another
// agent is rejected for agent-originated requests.
func (s *Service) SetAgents(agents AgentDirectory) { s.agents = agents }

// Register installs the service's event handlers.
func (s *Service) Register() {
	s.router.MustRegister(EventAsync, router.HandlerSpec{
		Summary: "Queue an asynchronous completion request.",
		Params: []router.ParamSpec{
			{Name: "prompt", Type: "string", Description: "Prompt text; alternative to messages."},
			{Name: "messages", Type: "array", Description: "Conversation turns ({role, content})."},
			{Name: "model", Type: "string"},
			{Name: "provider", Type: "string"},
			{Name: "agent_id", Type: "string", Description: "Agent whose conversation this continues."},
			{Name: "session_id", Type: "string", Description: "Explicit session to continue."},
			{Name: "request_id", Type: "string", Description: "Caller-chosen id; duplicates conflict."},
			{Name: "options", Type: "object"},
		},
		Emits:       []string{EventProgress, EventResult, EventError, EventCancelled},
		LongRunning: true,
	}, s.handleAsync)

	s.router.MustRegister(EventCancel, router.HandlerSpec{
		Summary: "Cancel a queued or running completion request.",
		Params: []router.ParamSpec{
			{Name: "request_id", Type: "string", Required: true},
		},
		Emits: []string{EventCancelled},
	}, s.handleCancel)

	s.router.MustRegister(EventStatus, router.HandlerSpec{
		Summary: "Report one completion request's state.",
		Params: []router.ParamSpec{
			{Name: "request_id", Type: "string", Required: true},
		},
	}, s.handleStatus)

	s.router.MustRegister(EventSessionStatus, router.HandlerSpec{
		Summary: "Report a conversation's metadata and queue depth.",
		Params: []router.ParamSpec{
			{Name: "session_id", Type: "string", Required: true},
		},
	}, s.handleSessionStatus)
}

// Start spawns the worker pool. Safe to call once.
func (s *Service) Start(ctx context.Context) {
	if s.started {
		slog.Warn("Completion service already started, ignoring duplicate Start call")
		return
	}
	s.started = true

	slog.Info("Starting completion workers", "worker_count", s.cfg.WorkerCount)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("completion-worker-%d", i)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(ctx, workerID)
		}()
	}
}

// Stop signals the workers and waits. Running provider calls are cancelled.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.sched.stop()
		close(s.stopCh)
	})
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	slog.Info("Completion service stopped")
}

// Recover re-queues requests that were pending when the daemon last exited
// and fails the ones that were mid-flight or whose session lock is still
// held from the previous run.
func (s *Service) Recover() error {
	pending, err := s.tracker.PendingRequests()
	if err != nil {
		return err
	}

	requeued, abandoned := 0, 0
	for _, req := range pending {
		resumable := req.Status == models.RequestPending
		if resumable && req.SessionID != "" {
			if holder, held := s.tracker.LockHolder(req.SessionID); held && holder != req.RequestID {
				resumable = false
			}
		}
		if resumable {
			s.sched.enqueue(queueKey(req), req.RequestID)
			requeued++
			continue
		}

		abandoned++
		if err := s.tracker.CompleteRequest(req.RequestID, models.RequestFailed,
			models.KindRestartAbandoned, restartAbandonedReason); err != nil {
			slog.Warn("Failed to abandon request during recovery",
				"request_id", req.RequestID, "error", err)
			continue
		}
		s.announce(req, EventError, map[string]any{
			"request_id": req.RequestID,
			"kind":       string(models.KindRestartAbandoned),
			"message":    restartAbandonedReason,
			"retryable":  false,
		})
	}
	slog.Info("Completion recovery complete", "requeued", requeued, "abandoned", abandoned)
	return nil
}

// queueKey picks the FIFO domain for a request: its session when known, the
// target agent's future conversation otherwise, or the request itself when
// fully standalone.
func queueKey(req *models.Request) string {
	switch {
	case req.SessionID != "":
		return req.SessionID
	case req.AgentID != "":
		return "agent:" + req.AgentID
	default:
		return req.RequestID
	}
}

func (s *Service) handleAsync(ctx context.Context, inv *router.Invocation) (any, error) {
	prompt, _ := inv.Data["prompt"].(string)
	messages := decodeMessages(inv.Data["messages"])
	if prompt == "" && len(messages) == 0 {
		return nil, models.NewError(models.KindInvalidArgument, "prompt or messages is required")
	}

	agentID, _ := inv.Data["agent_id"].(string)
	if agentID == "" {
		agentID = inv.Context.AgentID
	}

	// An agent may only drive its own conversation unless it holds
	// completion.any. Clients are trusted.
	if origin := inv.Context.AgentID; origin != "" {
		foreign := agentID != origin
		unknown := agentID != "" && s.agents != nil && !s.agents.AgentExists(agentID)
		if foreign || unknown {
			if s.agents == nil || !s.agents.HasCapability(origin, models.CapCompletionAny) {
				return nil, models.NewError(models.KindPermissionDenied,
					"agent %s needs %s to request completions for %q", origin, models.CapCompletionAny, agentID)
			}
		}
	}

	provider, _ := inv.Data["provider"].(string)
	if provider == "" {
		provider = s.defaultProvider
	}
	model, _ := inv.Data["model"].(string)
	if model == "" {
		model = s.defaultModel
	}
	if _, err := s.providers.Get(provider, model); err != nil {
		return nil, err
	}

	sessionID, _ := inv.Data["session_id"].(string)
	if sessionID == "" && agentID != "" {
		sid, err := s.tracker.GetAgentSession(agentID)
		if err != nil {
			return nil, err
		}
		sessionID = sid
	}

	requestID, _ := inv.Data["request_id"].(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	options, _ := inv.Data["options"].(map[string]any)
	req := &models.Request{
		RequestID: requestID,
		AgentID:   agentID,
		SessionID: sessionID,
		Provider:  provider,
		Model:     model,
		Prompt:    prompt,
		Messages:  messages,
		Options:   options,
	}
	if err := s.tracker.TrackRequest(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.contexts[requestID] = inv.Context
	s.mu.Unlock()

	key := queueKey(req)
	s.sched.enqueue(key, requestID)
	slog.Debug("Completion queued",
		"request_id", requestID, "agent_id", agentID, "session_id", sessionID,
		"provider", provider, "model", model)

	return map[string]any{"request_id": requestID, "status": "queued"}, nil
}

func (s *Service) handleCancel(ctx context.Context, inv *router.Invocation) (any, error) {
	requestID, _ := inv.Data["request_id"].(string)

	req, err := s.tracker.GetRequest(requestID)
	if err != nil {
		return nil, err
	}

	// In flight: cancel the provider call; the worker records the terminal
	// state and emits completion:cancelled.
	s.mu.Lock()
	cancel, running := s.active[requestID]
	s.mu.Unlock()
	if running {
		cancel()
		return map[string]any{"request_id": requestID, "status": "cancelling"}, nil
	}

	if req.Status.Terminal() {
		return nil, models.NewError(models.KindConflict,
			"request %s already %s", requestID, req.Status)
	}

	// Still queued: mark it terminal now; the worker skips it on pop.
	if err := s.tracker.CompleteRequest(requestID, models.RequestCancelled, models.KindCancelled, "cancelled before dispatch"); err != nil {
		return nil, err
	}
	s.announce(req, EventCancelled, map[string]any{"request_id": requestID})
	return map[string]any{"request_id": requestID, "status": string(models.RequestCancelled)}, nil
}

func (s *Service) handleStatus(ctx context.Context, inv *router.Invocation) (any, error) {
	requestID, _ := inv.Data["request_id"].(string)
	return s.tracker.GetRequest(requestID)
}

func (s *Service) handleSessionStatus(ctx context.Context, inv *router.Invocation) (any, error) {
	sessionID, _ := inv.Data["session_id"].(string)
	meta, err := s.tracker.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"session_id":    meta.SessionID,
		"agent_id":      meta.AgentID,
		"last_activity": meta.LastActivity,
		"queue_depth":   s.sched.depth(sessionID),
	}
	if holder, held := s.tracker.LockHolder(sessionID); held {
		out["lock_holder"] = holder
	}
	return out, nil
}

// announce emits a service event tied to the originating request's causal
// chain when we still have it, or as a fresh ingress event after a restart.
func (s *Service) announce(req *models.Request, name string, data map[string]any) {
	ev := &models.Event{Name: name, Data: data}

	s.mu.Lock()
	parent := s.contexts[req.RequestID]
	s.mu.Unlock()

	if parent != nil {
		s.router.EmitChild(ev, parent)
		return
	}
	s.router.Emit(ev, router.Origin{AgentID: req.AgentID})
}

// forget drops the cached context once a request reaches a terminal state.
// CancelAgentRequests aborts every in-flight request owned by an agent.
// The worker holding each request observes the cancellation and records
// the terminal state, so this only fires the cancel funcs.
func (s *Service) CancelAgentRequests(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for requestID, cancel := range s.active {
		req, err := s.tracker.GetRequest(requestID)
		if err != nil || req.AgentID != agentID {
			continue
		}
		cancel()
		n++
	}
	return n
}

func (s *Service) forget(requestID string) {
	s.mu.Lock()
	delete(s.contexts, requestID)
	s.mu.Unlock()
}

// decodeMessages converts the wire shape into typed messages, dropping
// malformed entries.
func decodeMessages(v any) []models.Message {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]models.Message, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" || content == "" {
			continue
		}
		out = append(out, models.Message{Role: models.MessageRole(role), Content: content})
	}
	return out
}
