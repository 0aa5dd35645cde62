package orchestration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/agent"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/store"
)

// fakeAgents records calls instead of spawning real agents.
type fakeAgents struct {
	mu         sync.Mutex
	spawned    []agent.SpawnSpec
	terminated []string
	messages   map[string][]string
	membership map[string]string
	spawnErr   error
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		messages:   make(map[string][]string),
		membership: make(map[string]string),
	}
}

func (f *fakeAgents) Spawn(spec agent.SpawnSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil && len(f.spawned) > 0 {
		return "", f.spawnErr
	}
	f.spawned = append(f.spawned, spec)
	f.membership[spec.AgentID] = spec.OrchID
	return spec.AgentID, nil
}

func (f *fakeAgents) Terminate(agentID string, cascade bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, agentID)
	delete(f.membership, agentID)
	return []string{agentID}, nil
}

func (f *fakeAgents) SendMessage(agentID, message, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[agentID] = append(f.messages[agentID], message)
	return nil
}

func (f *fakeAgents) AgentOrchestration(agentID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.membership[agentID]
	return id, ok && id != ""
}

func (f *fakeAgents) messagesFor(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[agentID]...)
}

var testComponents = map[string]string{
	"worker.yaml": "name: worker\ntype: profile\nspec: {model: test-model}\n",
	"team.yaml": `
name: team
type: pattern
spec:
  event_subscription_level: 1
  error_subscription_level: -1
  agents:
    - name: lead
      profile: worker
      initial_prompt: "Coordinate the work."
    - name: helper
      profile: worker
`,
	"quiet.yaml": `
name: quiet
type: pattern
spec:
  event_subscription_level: 0
  agents:
    - name: lead
      profile: worker
`,
}

type fixture struct {
	router  *router.Router
	store   *store.Store
	agents  *fakeAgents
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	w, err := eventlog.NewWriter(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	compRoot := t.TempDir()
	for rel, content := range testComponents {
		require.NoError(t, os.WriteFile(filepath.Join(compRoot, rel), []byte(content), 0o644))
	}
	loader := composition.NewLoader(compRoot, st)
	_, err = loader.RebuildIndex()
	require.NoError(t, err)

	agents := newFakeAgents()
	r := router.New(w, st, router.Options{})
	svc := NewService(r, st, loader, agents)
	svc.Register()
	r.SetBubbler(svc)
	go func() { _ = r.Run(context.Background()) }()
	t.Cleanup(r.Stop)

	return &fixture{router: r, store: st, agents: agents, service: svc}
}

func (f *fixture) dispatch(t *testing.T, name string, data map[string]any, origin router.Origin) (map[string]any, error) {
	t.Helper()
	results, err := f.router.Dispatch(context.Background(),
		&models.Event{Name: name, Data: data}, origin)
	if err != nil {
		return nil, err
	}
	require.Len(t, results, 1)
	return results[0].(map[string]any), nil
}

func (f *fixture) start(t *testing.T, pattern string, extra map[string]any) map[string]any {
	t.Helper()
	data := map[string]any{"pattern": pattern}
	for k, v := range extra {
		data[k] = v
	}
	out, err := f.dispatch(t, EventStart, data, router.Origin{ClientID: "test"})
	require.NoError(t, err)
	return out
}

func TestStartSpawnsPatternAgents(t *testing.T) {
	f := newFixture(t)

	out := f.start(t, "team", nil)
	orchID := out["orchestration_id"].(string)
	require.NotEmpty(t, orchID)
	assert.Equal(t, "team", out["pattern"])
	assert.Equal(t, 1, out["event_subscription_level"])
	assert.Equal(t, -1, out["error_subscription_level"])

	require.Len(t, f.agents.spawned, 2)
	lead, helper := f.agents.spawned[0], f.agents.spawned[1]
	assert.Equal(t, "worker", lead.Profile)
	assert.Equal(t, orchID, lead.OrchID)
	assert.Equal(t, "Coordinate the work.", lead.InitialPrompt)
	assert.Empty(t, lead.ParentAgentID, "the orchestrator has no parent")
	assert.Equal(t, lead.AgentID, helper.ParentAgentID)
	assert.Equal(t, lead.AgentID, out["orchestrator"])

	// The orchestration entity is persisted.
	entity, err := f.store.GetEntity(models.EntityRef{Type: models.TypeOrchestration, ID: orchID})
	require.NoError(t, err)
	assert.Equal(t, "running", entity.Properties["status"])
}

func TestStartUnknownPattern(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch(t, EventStart, map[string]any{"pattern": "nope"},
		router.Origin{ClientID: "test"})
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestStartRollsBackOnSpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.agents.spawnErr = models.NewError(models.KindCapacity, "full")

	_, err := f.dispatch(t, EventStart, map[string]any{"pattern": "team"},
		router.Origin{ClientID: "test"})
	require.Error(t, err)
	assert.Equal(t, models.KindCapacity, models.KindOf(err))

	// The lead spawned before the failure is torn back down.
	require.Len(t, f.agents.spawned, 1)
	assert.Equal(t, []string{f.agents.spawned[0].AgentID}, f.agents.terminated)
}

func TestNestedOrchestrationDepth(t *testing.T) {
	f := newFixture(t)

	parent := f.start(t, "team", nil)
	parentID := parent["orchestration_id"].(string)

	child := f.start(t, "quiet", map[string]any{"parent": parentID})
	assert.Equal(t, 1, child["depth"])
	assert.Equal(t, parentID, child["parent_orchestration_id"])
	assert.Equal(t, parentID, child["root_orchestration_id"])

	// Child agents inherit the child orchestration's context.
	last := f.agents.spawned[len(f.agents.spawned)-1]
	assert.Equal(t, child["orchestration_id"], last.OrchID)
	assert.Equal(t, 1, last.OrchDepth)
	assert.Equal(t, parentID, last.RootOrchID)
}

func TestTerminateCascadesPostOrder(t *testing.T) {
	f := newFixture(t)

	parent := f.start(t, "team", nil)
	parentID := parent["orchestration_id"].(string)
	child := f.start(t, "quiet", map[string]any{"parent": parentID})
	childID := child["orchestration_id"].(string)

	out, err := f.dispatch(t, EventTerminate, map[string]any{"orchestration_id": parentID},
		router.Origin{ClientID: "test"})
	require.NoError(t, err)

	// Descendants first.
	terminated := out["terminated"].([]string)
	assert.Equal(t, []string{childID, parentID}, terminated)

	_, err = f.store.GetEntity(models.EntityRef{Type: models.TypeOrchestration, ID: parentID})
	assert.True(t, store.IsNotFound(err))
	_, err = f.store.GetEntity(models.EntityRef{Type: models.TypeOrchestration, ID: childID})
	assert.True(t, store.IsNotFound(err))

	// Status on a terminated orchestration is gone.
	_, err = f.dispatch(t, EventStatus, map[string]any{"orchestration_id": parentID},
		router.Origin{ClientID: "test"})
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestRequestTerminationMembershipCheck(t *testing.T) {
	f := newFixture(t)

	out := f.start(t, "team", nil)
	orchID := out["orchestration_id"].(string)
	orchestrator := out["orchestrator"].(string)
	member := f.agents.spawned[1].AgentID

	// A client cannot file a termination request.
	_, err := f.dispatch(t, EventRequestTermination,
		map[string]any{"orchestration_id": orchID}, router.Origin{ClientID: "test"})
	require.Error(t, err)
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))

	// Neither can an agent from outside the orchestration.
	f.agents.membership["stranger"] = "other-orch"
	_, err = f.dispatch(t, EventRequestTermination,
		map[string]any{"orchestration_id": orchID}, router.Origin{AgentID: "stranger"})
	require.Error(t, err)
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))

	// A member's request reaches the orchestrator.
	res, err := f.dispatch(t, EventRequestTermination,
		map[string]any{"orchestration_id": orchID, "reason": "done"},
		router.Origin{AgentID: member, OrchestrationID: orchID})
	require.NoError(t, err)
	assert.Equal(t, "termination_requested", res["status"])

	var relayed bool
	for _, msg := range f.agents.messagesFor(orchestrator) {
		if strings.Contains(msg, "requested termination") {
			relayed = true
			break
		}
	}
	assert.True(t, relayed, "orchestrator should be told about the request")
}

func TestBubbleRespectsSubscriptionLevel(t *testing.T) {
	f := newFixture(t)

	out := f.start(t, "team", nil)
	orchID := out["orchestration_id"].(string)
	orchestrator := out["orchestrator"].(string)
	member := f.agents.spawned[1].AgentID

	// A member agent's event at relative depth 1 is covered by level 1.
	f.service.Bubble(&models.Event{
		Name: "agent:status",
		Data: map[string]any{"note": "working"},
		Context: &models.EventContext{
			AgentID:             member,
			OrchestrationID:     orchID,
			OrchestrationDepth:  0,
			RootOrchestrationID: orchID,
		},
	}, false)

	msgs := f.agents.messagesFor(orchestrator)
	require.Len(t, msgs, 1)
	var delivered map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &delivered))
	assert.Equal(t, "agent:status", delivered["event"])
	assert.Equal(t, member, delivered["agent_id"])

	// The orchestrator's own emissions do not echo back.
	f.service.Bubble(&models.Event{
		Name: "agent:status",
		Context: &models.EventContext{
			AgentID:            orchestrator,
			OrchestrationID:    orchID,
			OrchestrationDepth: 0,
		},
	}, false)
	assert.Len(t, f.agents.messagesFor(orchestrator), 1)
}

func TestBubbleLevelZeroDropsAgentEvents(t *testing.T) {
	f := newFixture(t)

	out := f.start(t, "quiet", nil)
	orchID := out["orchestration_id"].(string)
	orchestrator := out["orchestrator"].(string)

	f.service.Bubble(&models.Event{
		Name: "agent:status",
		Context: &models.EventContext{
			AgentID:            "someone-else",
			OrchestrationID:    orchID,
			OrchestrationDepth: 0,
		},
	}, false)
	assert.Empty(t, f.agents.messagesFor(orchestrator))

	// Errors use the error level, which defaults to the whole subtree.
	f.service.Bubble(&models.Event{
		Name: "system:error",
		Data: map[string]any{"error": map[string]any{"kind": "internal"}},
		Context: &models.EventContext{
			AgentID:            "someone-else",
			OrchestrationID:    orchID,
			OrchestrationDepth: 0,
		},
	}, true)
	assert.Len(t, f.agents.messagesFor(orchestrator), 1)
}

func TestBubbleCrossesOrchestrationBoundary(t *testing.T) {
	f := newFixture(t)

	parent := f.start(t, "team", nil)
	parentID := parent["orchestration_id"].(string)
	parentOrchestrator := parent["orchestrator"].(string)
	child := f.start(t, "quiet", map[string]any{"parent": parentID})
	childID := child["orchestration_id"].(string)

	// An event in the child sits at relative depth 2 for the parent, which
	// subscribes at level 1: not delivered.
	f.service.Bubble(&models.Event{
		Name: "agent:status",
		Context: &models.EventContext{
			AgentID:             "child-agent",
			OrchestrationID:     childID,
			OrchestrationDepth:  1,
			RootOrchestrationID: parentID,
		},
	}, false)
	assert.Empty(t, f.agents.messagesFor(parentOrchestrator))

	// Errors bubble all the way up under the parent's -1 error level.
	f.service.Bubble(&models.Event{
		Name: "system:error",
		Context: &models.EventContext{
			AgentID:             "child-agent",
			OrchestrationID:     childID,
			OrchestrationDepth:  1,
			RootOrchestrationID: parentID,
		},
	}, true)
	assert.Len(t, f.agents.messagesFor(parentOrchestrator), 1)
}

func TestRecoverRestoresRecords(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	compRoot := t.TempDir()
	for rel, content := range testComponents {
		require.NoError(t, os.WriteFile(filepath.Join(compRoot, rel), []byte(content), 0o644))
	}

	st, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	w, err := eventlog.NewWriter(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	loader := composition.NewLoader(compRoot, st)
	_, err = loader.RebuildIndex()
	require.NoError(t, err)

	agents := newFakeAgents()
	r := router.New(w, st, router.Options{})
	svc := NewService(r, st, loader, agents)
	svc.Register()
	go func() { _ = r.Run(context.Background()) }()

	results, err := r.Dispatch(context.Background(),
		&models.Event{Name: EventStart, Data: map[string]any{"pattern": "team"}},
		router.Origin{ClientID: "test"})
	require.NoError(t, err)
	orchID := results[0].(map[string]any)["orchestration_id"].(string)
	r.Stop()
	require.NoError(t, st.Close())

	st2, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st2.Close() })

	svc2 := NewService(nil, st2, composition.NewLoader(compRoot, st2), agents)
	require.NoError(t, svc2.Recover())

	svc2.mu.RLock()
	rec, ok := svc2.orchs[orchID]
	svc2.mu.RUnlock()
	require.True(t, ok)
	assert.Equal(t, "team", rec.pattern)
	assert.Equal(t, 1, rec.eventLevel)
	assert.Equal(t, -1, rec.errorLevel)
	assert.Len(t, rec.agents, 2)
}
