package monitor

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
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/session"
	"github.com/ksi-project/ksi/pkg/store"
)

// fakeStreams records attachments and forwards events to a channel per
// client, standing in for the unix-socket transport.
type fakeStreams struct {
	mu       sync.Mutex
	attached map[string][]*router.Subscription
	events   chan *models.Event
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		attached: make(map[string][]*router.Subscription),
		events:   make(chan *models.Event, 64),
	}
}

func (f *fakeStreams) Attach(clientID string, sub *router.Subscription) error {
	if clientID == "gone" {
		return models.NewError(models.KindNotFound, "client %s is not connected", clientID)
	}
	f.mu.Lock()
	f.attached[clientID] = append(f.attached[clientID], sub)
	f.mu.Unlock()
	go func() {
		for {
			select {
			case ev := <-sub.Events():
				f.events <- ev
			case <-sub.Done():
				return
			}
		}
	}()
	return nil
}

type fixture struct {
	router  *router.Router
	tracker *session.Tracker
	streams *fakeStreams
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

	r := router.New(w, st, router.Options{})
	tracker := session.NewTracker(st, config.Default().Session.LockTimeout)
	streams := newFakeStreams()
	svc := NewService(r, streams, tracker)
	svc.Register()
	go func() { _ = r.Run(context.Background()) }()
	t.Cleanup(r.Stop)

	return &fixture{router: r, tracker: tracker, streams: streams, service: svc}
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

func client(id string) router.Origin { return router.Origin{ClientID: id} }

func TestSubscribeStreamsMatchingEvents(t *testing.T) {
	f := newFixture(t)

	out, err := f.dispatch(t, EventSubscribe, map[string]any{
		"patterns": []any{"task:*"},
	}, client("c1"))
	require.NoError(t, err)
	subID := out["subscription_id"].(string)
	require.NotEmpty(t, subID)

	f.router.Emit(&models.Event{Name: "task:done", Data: map[string]any{"n": 1}}, router.Origin{ClientID: "c2"})
	f.router.Emit(&models.Event{Name: "other:thing"}, router.Origin{ClientID: "c2"})

	select {
	case ev := <-f.streams.events:
		assert.Equal(t, "task:done", ev.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribed event never arrived")
	}
	select {
	case ev := <-f.streams.events:
		t.Fatalf("unexpected event %s leaked through the pattern filter", ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch(t, EventSubscribe, map[string]any{"patterns": []any{}}, client("c1"))
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))

	// Attach failure tears the subscription back down.
	_, err = f.dispatch(t, EventSubscribe, map[string]any{"patterns": []any{"*"}}, client("gone"))
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
	assert.Equal(t, 0, f.router.SubscriptionCount())
}

func TestUnsubscribeOwnership(t *testing.T) {
	f := newFixture(t)

	out, err := f.dispatch(t, EventSubscribe, map[string]any{"patterns": []any{"*"}}, client("owner"))
	require.NoError(t, err)
	subID := out["subscription_id"].(string)

	// A different client cannot tear it down.
	_, err = f.dispatch(t, EventUnsubscribe, map[string]any{"subscription_id": subID}, client("thief"))
	require.Error(t, err)
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))

	res, err := f.dispatch(t, EventUnsubscribe, map[string]any{"subscription_id": subID}, client("owner"))
	require.NoError(t, err)
	assert.Equal(t, true, res["unsubscribed"])
	assert.Equal(t, 0, f.router.SubscriptionCount())

	_, err = f.dispatch(t, EventUnsubscribe, map[string]any{"subscription_id": subID}, client("owner"))
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestObservationScopesToAgent(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch(t, EventObserve, map[string]any{"agent_id": "a1"}, client("c1"))
	require.NoError(t, err)

	// Only events carrying the observed agent's context are delivered.
	f.router.Emit(&models.Event{Name: "task:step"}, router.Origin{AgentID: "a1"})
	f.router.Emit(&models.Event{Name: "task:step"}, router.Origin{AgentID: "a2"})

	select {
	case ev := <-f.streams.events:
		require.NotNil(t, ev.Context)
		assert.Equal(t, "a1", ev.Context.AgentID)
	case <-time.After(5 * time.Second):
		t.Fatal("observed event never arrived")
	}
	select {
	case <-f.streams.events:
		t.Fatal("event from an unobserved agent leaked through")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatusListsSubscriptions(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch(t, EventSubscribe, map[string]any{"patterns": []any{"a:*"}}, client("c1"))
	require.NoError(t, err)
	_, err = f.dispatch(t, EventObserve, map[string]any{"agent_id": "a1"}, client("c2"))
	require.NoError(t, err)

	out, err := f.dispatch(t, EventStatus, nil, client("c1"))
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])

	subs := out["subscriptions"].([]map[string]any)
	owners := []string{subs[0]["owner"].(string), subs[1]["owner"].(string)}
	assert.ElementsMatch(t, []string{"c1", "c2"}, owners)
	for _, sub := range subs {
		assert.Equal(t, uint64(0), sub["drops"])
	}
}

func TestConversationActive(t *testing.T) {
	f := newFixture(t)

	req := &models.Request{RequestID: "r1", AgentID: "a1", Status: models.RequestPending}
	require.NoError(t, f.tracker.TrackRequest(req))
	require.NoError(t, f.tracker.UpdateRequestSession("r1", "s1"))

	out, err := f.dispatch(t, EventActive, nil, client("c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	sessions := out["sessions"].([]*models.SessionMeta)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, "a1", sessions[0].AgentID)
}
