package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/store"
)

// maxChainDepth bounds how deep a single causal chain (handlers emitting
// events, transformers feeding transformers) may grow before the router
// drops the event. Prevents runaway transformer cycles.
const maxChainDepth = 32

// ErrorEventName is the event synthesized for every handler failure and
// delivered to subscribers and ancestor orchestrations.
const ErrorEventName = "system:error"

// CapabilityChecker resolves an agent's active capability set. Implemented
// by the agent service; wired in at startup.
type CapabilityChecker interface {
	HasCapability(agentID, capability string) bool
}

// Bubbler performs hierarchical bubble-up delivery to ancestor
// orchestrations. Implemented by the orchestration service.
type Bubbler interface {
	Bubble(ev *models.Event, isError bool)
}

// Masker scrubs secrets from event data before it reaches the durable log.
type Masker interface {
	MaskEventData(data map[string]any) map[string]any
}

// Origin identifies where an ingress event came from. The router trusts
// Origin (set by the transport or a service), never the wire context.
type Origin struct {
	ClientID            string
	AgentID             string
	OrchestrationID     string
	OrchestrationDepth  int
	RootOrchestrationID string
}

// Options tunes the router.
type Options struct {
	// SubscriptionQueue is the per-subscriber outbound queue bound.
	SubscriptionQueue int

	// JobQueue is the dispatch inbox capacity.
	JobQueue int

	// Policy is the event-name → capability mapping; nil means no policy
	// beyond handler-declared capabilities.
	Policy *CapabilityPolicy
}

// Router owns dispatch. Construct with New, register handlers, then Run.
type Router struct {
	log    *eventlog.Writer
	store  *store.Store
	reg    *registry
	engine *transformerEngine
	subs   *subscriptions
	policy *CapabilityPolicy

	capabilities CapabilityChecker
	bubbler      Bubbler
	masker       Masker

	// fatal is invoked when the router cannot continue (log append
	// exhausted its retries). Wired to graceful shutdown in main.
	fatal func(error)

	jobs     chan *job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type job struct {
	event  *models.Event
	parent *models.EventContext
	origin Origin
	reply  chan dispatchReply
}

type dispatchReply struct {
	results []any
	err     *models.Error
}

// New creates a router. The event log writer and store must be open.
func New(log *eventlog.Writer, st *store.Store, opts Options) *Router {
	if opts.SubscriptionQueue <= 0 {
		opts.SubscriptionQueue = 256
	}
	if opts.JobQueue <= 0 {
		opts.JobQueue = 1024
	}
	policy := opts.Policy
	if policy == nil {
		policy = &CapabilityPolicy{}
	}
	return &Router{
		log:    log,
		store:  st,
		reg:    newRegistry(),
		engine: newTransformerEngine(),
		subs:   newSubscriptions(opts.SubscriptionQueue),
		policy: policy,
		fatal:  func(err error) { slog.Error("Router fatal error", "error", err) },
		jobs:   make(chan *job, opts.JobQueue),
		stopCh: make(chan struct{}),
	}
}

// SetCapabilityChecker wires the agent service in. Call before Run.
func (r *Router) SetCapabilityChecker(c CapabilityChecker) { r.capabilities = c }

// SetBubbler wires the orchestration service in. Call before Run.
func (r *Router) SetBubbler(b Bubbler) { r.bubbler = b }

// SetMasker wires the masking service in. Call before Run.
func (r *Router) SetMasker(m Masker) { r.masker = m }

// SetFatalHandler wires the shutdown trigger for unrecoverable failures.
func (r *Router) SetFatalHandler(fn func(error)) { r.fatal = fn }

// Register adds a handler with its declared spec.
func (r *Router) Register(name string, spec HandlerSpec, fn Handler) error {
	return r.reg.register(name, spec, fn)
}

// MustRegister is Register that panics; registration happens at startup
// with static names, so a failure is a programming error.
func (r *Router) MustRegister(name string, spec HandlerSpec, fn Handler) {
	if err := r.Register(name, spec, fn); err != nil {
		panic(err)
	}
}

// Registrations returns a snapshot of the registry for discovery.
func (r *Router) Registrations() map[string][]*Registration { return r.reg.all() }

// Generation is the registry's cache invalidation key.
func (r *Router) Generation() uint64 { return r.reg.Generation() }

// Subscribe creates a subscription with a bounded delivery queue.
func (r *Router) Subscribe(subscriberID string, patterns []string, scope models.SubscriptionScope) *Subscription {
	return r.subs.Add(subscriberID, patterns, scope)
}

// Unsubscribe tears down one subscription.
func (r *Router) Unsubscribe(id string) { r.subs.Remove(id) }

// DropSubscriber tears down every subscription of one subscriber.
func (r *Router) DropSubscriber(subscriberID string) { r.subs.RemoveSubscriber(subscriberID) }

// SubscriptionCount reports the live subscription count.
func (r *Router) SubscriptionCount() int { return r.subs.Count() }

// LoadTransformers loads and atomically swaps the transformer rule set.
func (r *Router) LoadTransformers(dir string) (int, error) { return r.engine.LoadDir(dir) }

// WatchTransformers hot-reloads the transformer directory until stop.
func (r *Router) WatchTransformers(done <-chan struct{}, dir string) error {
	return r.engine.Watch(done, dir)
}

// AddTransformerRule installs a runtime routing rule.
func (r *Router) AddTransformerRule(rule TransformerRule) error { return r.engine.AddAgentRule(rule) }

// RemoveTransformerRule removes a runtime rule, verifying agent ownership.
func (r *Router) RemoveTransformerRule(name, agentID string) error {
	return r.engine.RemoveAgentRule(name, agentID)
}

// RemoveAgentTransformers drops all rules owned by an agent.
func (r *Router) RemoveAgentTransformers(agentID string) int {
	return r.engine.RemoveAgentRules(agentID)
}

// TransformerRules returns the active rule set.
func (r *Router) TransformerRules() []TransformerRule { return r.engine.Rules() }

// Run drives the dispatch loop until ctx is cancelled or Stop is called.
func (r *Router) Run(ctx context.Context) error {
	r.wg.Add(1)
	defer r.wg.Done()

	slog.Info("Router dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Router dispatch loop stopping", "reason", "context cancelled")
			return ctx.Err()
		case <-r.stopCh:
			slog.Info("Router dispatch loop stopping")
			return nil
		case j := <-r.jobs:
			r.process(ctx, j)
		}
	}
}

// Stop signals the dispatch loop to exit and waits for it.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Dispatch submits an ingress event and waits for the handler results. This
// is the transport's request/response path. Must not be called from inside
// a handler; handlers emit through Invocation.Emit.
func (r *Router) Dispatch(ctx context.Context, ev *models.Event, origin Origin) ([]any, error) {
	j := &job{event: ev, origin: origin, reply: make(chan dispatchReply, 1)}
	select {
	case r.jobs <- j:
	case <-ctx.Done():
		return nil, models.NewError(models.KindCapacity, "router busy")
	case <-r.stopCh:
		return nil, models.NewError(models.KindCancelled, "router shutting down")
	}
	select {
	case reply := <-j.reply:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.results, nil
	case <-ctx.Done():
		return nil, models.WrapError(models.KindTimeout, ctx.Err(), "dispatch wait for %s", ev.Name)
	}
}

// Emit submits a fire-and-forget ingress event. Safe from any goroutine
// except the dispatch loop itself.
func (r *Router) Emit(ev *models.Event, origin Origin) {
	select {
	case r.jobs <- &job{event: ev, origin: origin}:
	case <-r.stopCh:
		slog.Warn("Event dropped during shutdown", "event", ev.Name)
	}
}

// EmitChild submits a fire-and-forget event inheriting a parent context
// (correlation chain, orchestration chain, depth+1). This is how services
// report progress for work started by an earlier event.
func (r *Router) EmitChild(ev *models.Event, parent *models.EventContext) {
	select {
	case r.jobs <- &job{event: ev, parent: parent}:
	case <-r.stopCh:
		slog.Warn("Event dropped during shutdown", "event", ev.Name)
	}
}

// process dispatches a job and every event it causes, breadth-first, before
// returning to the inbox. Within one causal chain this gives the ordering
// guarantee: a handler sees everything its caller already emitted.
func (r *Router) process(ctx context.Context, root *job) {
	queue := []*job{root}
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		queue = append(queue, r.dispatchOne(ctx, j)...)
	}
}

// dispatchOne runs the full pipeline for one event: context assignment,
// capability check, handler invocation, log append, transformers, bubble-up,
// subscription fan-out, reply. Returns the follow-up jobs it caused.
func (r *Router) dispatchOne(ctx context.Context, j *job) []*job {
	ev := j.event

	if err := models.ValidateEventName(ev.Name); err != nil {
		j.fail(models.WrapError(models.KindInvalidArgument, err, "bad event name"))
		return nil
	}

	ev.Context = r.assignContext(j)
	ectx := ev.Context

	if ectx.Depth > maxChainDepth {
		slog.Error("Event chain too deep, dropping",
			"event", ev.Name, "depth", ectx.Depth, "correlation_id", ectx.CorrelationID)
		j.fail(models.NewError(models.KindInternal, "event chain exceeds depth %d", maxChainDepth).
			WithCorrelation(ectx.CorrelationID))
		return nil
	}

	regs := r.reg.lookup(ev.Name)

	// Capability gate. Applies to every agent-originated event, including
	// ones synthesized by transformers from agent input: child contexts
	// keep the agent id.
	if ectx.AgentID != "" {
		if err := r.checkCapabilities(ev.Name, ectx.AgentID, regs); err != nil {
			r.logAndAnnounce(ev, nil, err)
			j.fail(err.WithCorrelation(ectx.CorrelationID))
			return nil
		}
	}

	if len(regs) == 0 && j.reply != nil {
		err := models.NewError(models.KindNotFound, "no handler for event %s", ev.Name).
			WithCorrelation(ectx.CorrelationID)
		r.logAndAnnounce(ev, nil, err)
		j.fail(err)
		return nil
	}

	// Run handlers in registration order, collecting outcomes and any
	// events they emit.
	var (
		results  []any
		outcomes []eventlog.HandlerOutcome
		children []*job
		firstErr *models.Error
	)
	for i, reg := range regs {
		started := time.Now()
		inv := &Invocation{Data: ev.Data, Context: ectx}

		var result any
		err := reg.validateData(ev.Data)
		if err == nil {
			result, err = reg.fn(ctx, inv)
		}

		outcome := eventlog.HandlerOutcome{
			Handler:    handlerLabel(ev.Name, i, len(regs)),
			Status:     "ok",
			DurationMS: time.Since(started).Milliseconds(),
		}
		if err != nil {
			typed := models.AsError(err).WithCorrelation(ectx.CorrelationID)
			outcome.Status = "error"
			outcome.Error = typed.Error()
			if firstErr == nil {
				firstErr = typed
			}
		} else {
			results = append(results, result)
		}
		outcomes = append(outcomes, outcome)

		for _, emitted := range inv.emitted {
			children = append(children, &job{event: emitted, parent: ectx})
		}
	}

	// The log entry must be durable before any result frame leaves the
	// daemon. Append failure after retries is fatal.
	loc, err := r.append(ev, outcomes)
	if err != nil {
		r.fatal(err)
		j.fail(models.AsError(err).WithCorrelation(ectx.CorrelationID))
		return nil
	}
	r.index(ev, loc)

	// Declarative transformers synthesize follow-up events.
	for _, synth := range r.engine.apply(ev) {
		children = append(children, &job{event: synth, parent: ectx})
	}

	// Bubble-up to ancestor orchestrations, then subscription fan-out.
	// system:error events bubble under the error subscription level.
	if r.bubbler != nil && ectx.OrchestrationID != "" {
		r.bubbler.Bubble(ev, ev.Name == ErrorEventName)
	}
	for _, lag := range r.subs.fanOut(ev) {
		children = append(children, &job{event: lag})
	}

	// A handler failure produces a system:error event for subscribers and
	// error-level bubble-up, plus a single error frame for the caller.
	if firstErr != nil {
		children = append(children, &job{event: r.errorEvent(ev, firstErr), parent: ectx})
		j.fail(firstErr)
		return children
	}

	if j.reply != nil {
		j.reply <- dispatchReply{results: results}
	}
	return children
}

// assignContext builds the system-managed context: inherited from the
// running parent event, or fresh for ingress.
func (r *Router) assignContext(j *job) *models.EventContext {
	var ectx *models.EventContext
	if j.parent != nil {
		ectx = j.parent.Child()
	} else {
		ectx = &models.EventContext{
			ClientID:            j.origin.ClientID,
			AgentID:             j.origin.AgentID,
			OrchestrationID:     j.origin.OrchestrationID,
			OrchestrationDepth:  j.origin.OrchestrationDepth,
			RootOrchestrationID: j.origin.RootOrchestrationID,
		}
	}
	ectx.EventID = uuid.New().String()
	ectx.Timestamp = time.Now().UTC()
	if ectx.Depth == 0 {
		ectx.RootEventID = ectx.EventID
	}
	if ectx.CorrelationID == "" {
		ectx.CorrelationID = ectx.EventID
	}
	if ectx.RootOrchestrationID == "" && ectx.OrchestrationID != "" {
		ectx.RootOrchestrationID = ectx.OrchestrationID
	}
	return ectx
}

// checkCapabilities enforces the policy file plus handler-declared
// capabilities for agent-originated events.
func (r *Router) checkCapabilities(name, agentID string, regs []*Registration) *models.Error {
	required := r.policy.Required(name)
	for _, reg := range regs {
		if reg.Spec.Capability != "" {
			required = append(required, reg.Spec.Capability)
		}
	}
	if len(required) == 0 {
		return nil
	}
	if r.capabilities == nil {
		return models.NewError(models.KindPermissionDenied,
			"event %s requires capabilities but no checker is wired", name)
	}
	for _, cap := range required {
		if !r.capabilities.HasCapability(agentID, cap) {
			return models.NewError(models.KindPermissionDenied,
				"agent %s lacks capability %s for event %s", agentID, cap, name)
		}
	}
	return nil
}

// append writes the event to the durable log, masking payload secrets first.
func (r *Router) append(ev *models.Event, outcomes []eventlog.HandlerOutcome) (eventlog.Location, error) {
	data := ev.Data
	if r.masker != nil {
		data = r.masker.MaskEventData(data)
	}
	return r.log.Append(&eventlog.Entry{
		Name:     ev.Name,
		Context:  ev.Context,
		Data:     data,
		Outcomes: outcomes,
	})
}

// index records the entry's offsets under correlation, session and agent.
// Index failures degrade queries but never fail dispatch.
func (r *Router) index(ev *models.Event, at eventlog.Location) {
	loc := store.LogOffset{File: at.File, Offset: at.Offset}
	ectx := ev.Context

	record := func(kind store.IndexKind, id string) {
		if id == "" {
			return
		}
		if err := r.store.IndexLogOffset(kind, id, loc); err != nil {
			slog.Warn("Event log index update failed",
				"kind", kind, "id", id, "error", err)
		}
	}
	record(store.IndexCorrelation, ectx.CorrelationID)
	record(store.IndexAgent, ectx.AgentID)
	if sid, ok := ev.Data["session_id"].(string); ok {
		record(store.IndexSession, sid)
	}
}

// errorEvent synthesizes the system:error event for a handler failure.
func (r *Router) errorEvent(src *models.Event, err *models.Error) *models.Event {
	return &models.Event{
		Name: ErrorEventName,
		Data: map[string]any{
			"kind":            string(err.Kind),
			"message":         err.Message,
			"retryable":       err.Retryable,
			"correlation_id":  err.CorrelationID,
			"source_event":    src.Name,
			"source_event_id": src.Context.EventID,
		},
	}
}

// logAndAnnounce records a rejected event (capability or routing failure)
// and fans the rejection out to subscribers.
func (r *Router) logAndAnnounce(ev *models.Event, outcomes []eventlog.HandlerOutcome, err error) {
	typed := models.AsError(err)
	outcomes = append(outcomes, eventlog.HandlerOutcome{
		Handler: "router",
		Status:  "error",
		Error:   typed.Error(),
	})
	loc, aerr := r.append(ev, outcomes)
	if aerr != nil {
		r.fatal(aerr)
		return
	}
	r.index(ev, loc)
	errEv := r.errorEvent(ev, typed.WithCorrelation(ev.Context.CorrelationID))
	errEv.Context = ev.Context.Child()
	errEv.Context.EventID = uuid.New().String()
	errEv.Context.Timestamp = time.Now().UTC()
	if r.bubbler != nil && ev.Context.OrchestrationID != "" {
		r.bubbler.Bubble(errEv, true)
	}
	r.subs.fanOut(errEv)
}

// fail delivers an error reply if the caller is waiting.
func (j *job) fail(err *models.Error) {
	if j.reply != nil {
		j.reply <- dispatchReply{err: err}
	}
}

func handlerLabel(name string, idx, total int) string {
	if total == 1 {
		return name
	}
	return fmt.Sprintf("%s#%d", name, idx)
}
