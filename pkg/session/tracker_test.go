package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/store"
)

func newTestTracker(t *testing.T, lockTimeout time.Duration) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewTracker(st, lockTimeout), st
}

func TestTrackRequestDuplicateConflicts(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)

	req := &models.Request{RequestID: "r1", AgentID: "a1", Model: "m"}
	require.NoError(t, tr.TrackRequest(req))

	err := tr.TrackRequest(&models.Request{RequestID: "r1"})
	require.Error(t, err)
	assert.Equal(t, models.KindConflict, models.KindOf(err))
}

func TestUpdateRequestSessionAdoptsProviderID(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)

	require.NoError(t, tr.TrackRequest(&models.Request{RequestID: "r1", AgentID: "a1"}))

	// No session until the provider returns one.
	sid, err := tr.GetAgentSession("a1")
	require.NoError(t, err)
	assert.Empty(t, sid)

	require.NoError(t, tr.UpdateRequestSession("r1", "S-provider"))

	// Request, session metadata and agent pointer all moved together.
	req, err := tr.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, "S-provider", req.SessionID)

	sid, err = tr.GetAgentSession("a1")
	require.NoError(t, err)
	assert.Equal(t, "S-provider", sid)

	meta, err := tr.GetSession("S-provider")
	require.NoError(t, err)
	assert.Equal(t, "a1", meta.AgentID)

	// A later turn minting a new id replaces the pointer.
	require.NoError(t, tr.TrackRequest(&models.Request{RequestID: "r2", AgentID: "a1", SessionID: "S-provider"}))
	require.NoError(t, tr.UpdateRequestSession("r2", "S-rotated"))
	sid, err = tr.GetAgentSession("a1")
	require.NoError(t, err)
	assert.Equal(t, "S-rotated", sid)
}

func TestUpdateRequestSessionRejectsEmptyID(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)
	require.NoError(t, tr.TrackRequest(&models.Request{RequestID: "r1"}))

	err := tr.UpdateRequestSession("r1", "")
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))
}

func TestLockSerializesFIFO(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, tr.AcquireLock(ctx, "S", "r1"))

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	acquire := func(id string) {
		defer wg.Done()
		require.NoError(t, tr.AcquireLock(ctx, "S", id))
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, tr.ReleaseLock("S", id))
	}

	wg.Add(1)
	go acquire("r2")
	time.Sleep(50 * time.Millisecond) // r2 queues first
	wg.Add(1)
	go acquire("r3")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, tr.ReleaseLock("S", "r1"))
	wg.Wait()

	assert.Equal(t, []string{"r2", "r3"}, order)
}

func TestLockWaitTimesOut(t *testing.T) {
	tr, _ := newTestTracker(t, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tr.AcquireLock(ctx, "S", "r1"))

	err := tr.AcquireLock(ctx, "S", "r2")
	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))

	holder, held := tr.LockHolder("S")
	assert.True(t, held)
	assert.Equal(t, "r1", holder)
}

func TestLockWaitCancellable(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)

	require.NoError(t, tr.AcquireLock(context.Background(), "S", "r1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.AcquireLock(ctx, "S", "r2") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
}

func TestReleaseByNonHolderConflicts(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)
	require.NoError(t, tr.AcquireLock(context.Background(), "S", "r1"))

	err := tr.ReleaseLock("S", "r2")
	require.Error(t, err)
	assert.Equal(t, models.KindConflict, models.KindOf(err))
}

func TestRecoverReleasesStaleLocks(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)

	tr := NewTracker(st, 50*time.Millisecond)
	require.NoError(t, tr.TrackRequest(&models.Request{RequestID: "r1", AgentID: "a1"}))
	require.NoError(t, tr.AcquireLock(context.Background(), "S", "r1"))
	require.NoError(t, tr.UpdateRequestSession("r1", "S"))
	require.NoError(t, st.Close())

	// Let the lock expire well past the grace window, then "restart".
	time.Sleep(150 * time.Millisecond)

	st2, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	defer st2.Close()

	tr2 := NewTracker(st2, 50*time.Millisecond)
	released, err := tr2.Recover(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, released, "S")

	// The lock is free again.
	require.NoError(t, tr2.AcquireLock(context.Background(), "S", "r9"))

	// Request state survived the restart.
	req, err := tr2.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, "S", req.SessionID)
}

func TestPendingRequestsSurviveRestart(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)

	require.NoError(t, tr.TrackRequest(&models.Request{RequestID: "r1"}))
	require.NoError(t, tr.TrackRequest(&models.Request{RequestID: "r2"}))
	require.NoError(t, tr.CompleteRequest("r2", models.RequestCompleted, "", ""))

	pending, err := tr.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].RequestID)
}
