package completion

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/llm"
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/session"
	"github.com/ksi-project/ksi/pkg/store"
)

type fixture struct {
	router  *router.Router
	tracker *session.Tracker
	service *Service
	stub    *llm.StubProvider
}

func newFixture(t *testing.T, stub *llm.StubProvider, mutate func(*config.Config)) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	w, err := eventlog.NewWriter(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	r := router.New(w, st, router.Options{})
	go func() { _ = r.Run(context.Background()) }()
	t.Cleanup(r.Stop)

	cfg := config.Default()
	cfg.DefaultProvider = "stub"
	cfg.DefaultModel = "test-model"
	cfg.Completion.WorkerCount = 2
	cfg.Completion.MaxAttempts = 1
	cfg.Completion.InitialBackoff = time.Millisecond
	cfg.Completion.MaxBackoff = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	if stub == nil {
		stub = &llm.StubProvider{}
	}
	providers := llm.NewRegistry(nil)
	providers.Register(stub)

	tracker := session.NewTracker(st, cfg.Session.LockTimeout)
	svc := NewService(r, tracker, providers, cfg)
	svc.Register()
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	return &fixture{router: r, tracker: tracker, service: svc, stub: stub}
}

// watch subscribes to completion events and returns a collector.
func (f *fixture) watch(t *testing.T, patterns ...string) *collector {
	t.Helper()
	sub := f.router.Subscribe("test-watcher", patterns,
		models.SubscriptionScope{Kind: models.ScopeGlobal})
	c := &collector{events: make(map[string][]*models.Event)}
	go func() {
		for {
			select {
			case ev := <-sub.Events():
				c.mu.Lock()
				c.events[ev.Name] = append(c.events[ev.Name], ev)
				c.mu.Unlock()
			case <-sub.Done():
				return
			}
		}
	}()
	t.Cleanup(func() { f.router.Unsubscribe(sub.ID) })
	return c
}

type collector struct {
	mu     sync.Mutex
	events map[string][]*models.Event
}

func (c *collector) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events[name])
}

func (c *collector) first(name string) *models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if evs := c.events[name]; len(evs) > 0 {
		return evs[0]
	}
	return nil
}

func (f *fixture) submit(t *testing.T, data map[string]any) string {
	t.Helper()
	results, err := f.router.Dispatch(context.Background(),
		&models.Event{Name: EventAsync, Data: data}, router.Origin{ClientID: "test"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	out := results[0].(map[string]any)
	assert.Equal(t, "queued", out["status"])
	return out["request_id"].(string)
}

func (f *fixture) waitTerminal(t *testing.T, requestID string) *models.Request {
	t.Helper()
	var req *models.Request
	require.Eventually(t, func() bool {
		r, err := f.tracker.GetRequest(requestID)
		if err != nil {
			return false
		}
		req = r
		return r.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return req
}

func TestCompletionEndToEnd(t *testing.T) {
	f := newFixture(t, nil, nil)
	watched := f.watch(t, "completion:*")

	id := f.submit(t, map[string]any{"prompt": "hello", "agent_id": "a1"})
	req := f.waitTerminal(t, id)

	assert.Equal(t, models.RequestCompleted, req.Status)
	assert.NotEmpty(t, req.SessionID, "the provider's session id was adopted")

	// The agent's conversation pointer follows the adopted session.
	sid, err := f.tracker.GetAgentSession("a1")
	require.NoError(t, err)
	assert.Equal(t, req.SessionID, sid)

	require.Eventually(t, func() bool { return watched.count(EventResult) == 1 },
		2*time.Second, 10*time.Millisecond)
	res := watched.first(EventResult)
	assert.Equal(t, "hello", res.Data["result"])
	assert.Equal(t, req.SessionID, res.Data["session_id"])
}

func TestCompletionContinuesAgentConversation(t *testing.T) {
	f := newFixture(t, nil, nil)

	first := f.submit(t, map[string]any{"prompt": "one", "agent_id": "a1"})
	req1 := f.waitTerminal(t, first)
	require.Equal(t, models.RequestCompleted, req1.Status)

	// The second request carries no session id; the service resolves the
	// agent's current conversation.
	second := f.submit(t, map[string]any{"prompt": "two", "agent_id": "a1"})
	req2 := f.waitTerminal(t, second)

	assert.Equal(t, req1.SessionID, req2.SessionID)
}

func TestCompletionDuplicateRequestID(t *testing.T) {
	f := newFixture(t, &llm.StubProvider{Block: true}, nil)

	f.submit(t, map[string]any{"prompt": "x", "request_id": "fixed"})

	_, err := f.router.Dispatch(context.Background(), &models.Event{
		Name: EventAsync,
		Data: map[string]any{"prompt": "x", "request_id": "fixed"},
	}, router.Origin{ClientID: "test"})
	require.Error(t, err)
	assert.Equal(t, models.KindConflict, models.KindOf(err))
}

func TestCompletionRetriesThenSucceeds(t *testing.T) {
	stub := &llm.StubProvider{FailFirst: 2}
	f := newFixture(t, stub, func(cfg *config.Config) {
		cfg.Completion.MaxAttempts = 3
	})

	id := f.submit(t, map[string]any{"prompt": "persist"})
	req := f.waitTerminal(t, id)

	assert.Equal(t, models.RequestCompleted, req.Status)
	assert.Equal(t, 3, req.Attempt)
	assert.EqualValues(t, 3, stub.Calls())
}

func TestCompletionExhaustsAttempts(t *testing.T) {
	stub := &llm.StubProvider{FailFirst: 10}
	f := newFixture(t, stub, func(cfg *config.Config) {
		cfg.Completion.MaxAttempts = 2
	})
	watched := f.watch(t, EventError)

	id := f.submit(t, map[string]any{"prompt": "doomed"})
	req := f.waitTerminal(t, id)

	assert.Equal(t, models.RequestFailed, req.Status)
	assert.Equal(t, models.KindProviderError, req.FailKind)
	assert.EqualValues(t, 2, stub.Calls())

	require.Eventually(t, func() bool { return watched.count(EventError) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestCompletionNonRetryableFailsImmediately(t *testing.T) {
	stub := &llm.StubProvider{Fail: models.NewError(models.KindProviderError, "content policy")}
	f := newFixture(t, stub, func(cfg *config.Config) {
		cfg.Completion.MaxAttempts = 5
	})

	id := f.submit(t, map[string]any{"prompt": "nope"})
	req := f.waitTerminal(t, id)

	assert.Equal(t, models.RequestFailed, req.Status)
	assert.EqualValues(t, 1, stub.Calls())
}

func TestCompletionCancelRunning(t *testing.T) {
	f := newFixture(t, &llm.StubProvider{Block: true}, nil)
	watched := f.watch(t, EventCancelled)

	id := f.submit(t, map[string]any{"prompt": "slow"})

	// Wait for the worker to pick it up.
	require.Eventually(t, func() bool {
		req, err := f.tracker.GetRequest(id)
		return err == nil && req.Status == models.RequestActive
	}, 5*time.Second, 10*time.Millisecond)

	results, err := f.router.Dispatch(context.Background(), &models.Event{
		Name: EventCancel, Data: map[string]any{"request_id": id},
	}, router.Origin{ClientID: "test"})
	require.NoError(t, err)
	assert.Equal(t, "cancelling", results[0].(map[string]any)["status"])

	req := f.waitTerminal(t, id)
	assert.Equal(t, models.RequestCancelled, req.Status)
	require.Eventually(t, func() bool { return watched.count(EventCancelled) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestCompletionCancelQueued(t *testing.T) {
	// One blocked request occupies the agent's queue key; the second stays
	// queued behind it and can be cancelled before dispatch.
	f := newFixture(t, &llm.StubProvider{Block: true}, nil)

	f.submit(t, map[string]any{"prompt": "first", "agent_id": "a1"})
	queued := f.submit(t, map[string]any{"prompt": "second", "agent_id": "a1"})

	results, err := f.router.Dispatch(context.Background(), &models.Event{
		Name: EventCancel, Data: map[string]any{"request_id": queued},
	}, router.Origin{ClientID: "test"})
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestCancelled), results[0].(map[string]any)["status"])

	req, err := f.tracker.GetRequest(queued)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.Status)
}

func TestCompletionPerKeyFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	stub := &llm.StubProvider{Reply: func(req llm.Request) string {
		mu.Lock()
		order = append(order, req.RequestID)
		mu.Unlock()
		return "ok"
	}}
	f := newFixture(t, stub, nil)

	ids := []string{"q-1", "q-2", "q-3"}
	for _, id := range ids {
		f.submit(t, map[string]any{"prompt": "x", "agent_id": "fifo-agent", "request_id": id})
	}
	for _, id := range ids {
		f.waitTerminal(t, id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order, "same-key requests run in submission order")
}

func TestCompletionAgentNeedsCapabilityForForeignAgent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.service.SetAgents(staticAgents{
		exists: map[string]bool{"a1": true, "a2": true},
		caps:   map[string]bool{"a2/" + models.CapCompletionAny: true},
	})

	// a1 targeting a2 without completion.any is denied.
	_, err := f.router.Dispatch(context.Background(), &models.Event{
		Name: EventAsync, Data: map[string]any{"prompt": "x", "agent_id": "a2"},
	}, router.Origin{AgentID: "a1"})
	require.Error(t, err)
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))

	// a2 holds the capability and may target a1.
	results, err := f.router.Dispatch(context.Background(), &models.Event{
		Name: EventAsync, Data: map[string]any{"prompt": "x", "agent_id": "a1"},
	}, router.Origin{AgentID: "a2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestCompletionUnknownProviderRejected(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.router.Dispatch(context.Background(), &models.Event{
		Name: EventAsync, Data: map[string]any{"prompt": "x", "provider": "nope"},
	}, router.Origin{ClientID: "test"})
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))
}

func TestCompletionStatusAndSessionStatus(t *testing.T) {
	f := newFixture(t, nil, nil)

	id := f.submit(t, map[string]any{"prompt": "x", "agent_id": "a1"})
	req := f.waitTerminal(t, id)

	results, err := f.router.Dispatch(context.Background(), &models.Event{
		Name: EventStatus, Data: map[string]any{"request_id": id},
	}, router.Origin{ClientID: "test"})
	require.NoError(t, err)
	got := results[0].(*models.Request)
	assert.Equal(t, models.RequestCompleted, got.Status)

	results, err = f.router.Dispatch(context.Background(), &models.Event{
		Name: EventSessionStatus, Data: map[string]any{"session_id": req.SessionID},
	}, router.Origin{ClientID: "test"})
	require.NoError(t, err)
	status := results[0].(map[string]any)
	assert.Equal(t, "a1", status["agent_id"])
}

func TestRecoverRequeuesPendingAndAbandonsActive(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// Simulate the previous run: one request died mid-flight, one never
	// started.
	st, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	tracker := session.NewTracker(st, time.Minute)
	require.NoError(t, tracker.TrackRequest(&models.Request{RequestID: "was-active", Provider: "stub", Model: "test-model", Prompt: "x"}))
	require.NoError(t, tracker.MarkActive("was-active"))
	require.NoError(t, tracker.TrackRequest(&models.Request{RequestID: "was-pending", Provider: "stub", Model: "test-model", Prompt: "x"}))
	require.NoError(t, st.Close())

	st2, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st2.Close() })

	w, err := eventlog.NewWriter(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	r := router.New(w, st2, router.Options{})
	go func() { _ = r.Run(context.Background()) }()
	t.Cleanup(r.Stop)

	cfg := config.Default()
	cfg.DefaultProvider = "stub"
	cfg.DefaultModel = "test-model"
	cfg.Completion.WorkerCount = 1
	providers := llm.NewRegistry(nil)
	providers.Register(&llm.StubProvider{})

	tracker2 := session.NewTracker(st2, time.Minute)
	svc := NewService(r, tracker2, providers, cfg)
	svc.Register()
	require.NoError(t, svc.Recover())
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	// The in-flight request was abandoned.
	abandoned, err := tracker2.GetRequest("was-active")
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, abandoned.Status)
	assert.Equal(t, models.KindRestartAbandoned, abandoned.FailKind)
	assert.Equal(t, restartAbandonedReason, abandoned.FailReason)

	// The pending one was resurrected and completes.
	require.Eventually(t, func() bool {
		req, err := tracker2.GetRequest("was-pending")
		return err == nil && req.Status == models.RequestCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

// staticAgents is a fixed-answer agent directory.
type staticAgents struct {
	exists map[string]bool
	caps   map[string]bool
}

func (s staticAgents) AgentExists(id string) bool { return s.exists[id] }
func (s staticAgents) HasCapability(id, cap string) bool {
	return s.caps[id+"/"+cap]
}
