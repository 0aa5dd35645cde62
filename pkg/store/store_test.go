package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/models"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ksi.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set("config", "model", "claude-sonnet"))

	var got string
	require.NoError(t, s.Get("config", "model", &got))
	assert.Equal(t, "claude-sonnet", got)

	require.NoError(t, s.Delete("config", "model"))
	err := s.Get("config", "model", &got)
	assert.True(t, IsNotFound(err))
}

func TestKVGetMissingNamespace(t *testing.T) {
	s := openTestStore(t, Options{})

	var got string
	err := s.Get("nope", "key", &got)
	assert.True(t, IsNotFound(err))
}

func TestKVListGlobAndContinuation(t *testing.T) {
	s := openTestStore(t, Options{})

	for _, k := range []string{"agent.a1", "agent.a2", "agent.a3", "session.s1"} {
		require.NoError(t, s.Set("index", k, true))
	}

	keys, next, err := s.List("index", "agent.*", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.a1", "agent.a2"}, keys)
	require.NotEmpty(t, next)

	keys, next, err = s.List("index", "agent.*", 2, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.a3"}, keys)
	assert.Empty(t, next)
}

func TestSetAllSpansNamespaces(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.SetAll(
		Write{Namespace: "requests", Key: "r1", Value: "row"},
		Write{Namespace: "sessions", Key: "s1", Value: "meta"},
		Write{Namespace: "agent_sessions", Key: "a1", Value: "s1"},
	))

	var got string
	require.NoError(t, s.Get("requests", "r1", &got))
	assert.Equal(t, "row", got)
	require.NoError(t, s.Get("sessions", "s1", &got))
	assert.Equal(t, "meta", got)
	require.NoError(t, s.Get("agent_sessions", "a1", &got))
	assert.Equal(t, "s1", got)
}

func TestSetAllRejectsBatchBeforeWriting(t *testing.T) {
	s := openTestStore(t, Options{})

	// The second value cannot be encoded; the first must not land either.
	err := s.SetAll(
		Write{Namespace: "requests", Key: "r1", Value: "row"},
		Write{Namespace: "sessions", Key: "s1", Value: make(chan int)},
	)
	require.Error(t, err)

	var got string
	assert.True(t, IsNotFound(s.Get("requests", "r1", &got)))
}

func TestCompareAndSet(t *testing.T) {
	s := openTestStore(t, Options{})

	// Create-if-absent succeeds once.
	require.NoError(t, s.CompareAndSet("locks", "s1", nil, "holder-1"))
	err := s.CompareAndSet("locks", "s1", nil, "holder-2")
	assert.True(t, IsConflict(err))

	// Swap with correct expectation.
	require.NoError(t, s.CompareAndSet("locks", "s1", "holder-1", "holder-2"))

	// Swap with stale expectation fails.
	err = s.CompareAndSet("locks", "s1", "holder-1", "holder-3")
	assert.True(t, IsConflict(err))
}

func TestQueueFIFO(t *testing.T) {
	s := openTestStore(t, Options{})

	for _, v := range []string{"first", "second", "third"} {
		require.NoError(t, s.Push("q", v))
	}

	n, err := s.Length("q")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got string
	for _, want := range []string{"first", "second", "third"} {
		found, err := s.Pop("q", &got)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, want, got)
	}

	found, err := s.Pop("q", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueCapacity(t *testing.T) {
	s := openTestStore(t, Options{QueueCapacity: 2})

	require.NoError(t, s.Push("q", 1))
	require.NoError(t, s.Push("q", 2))
	err := s.Push("q", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestBPopWakesOnPush(t *testing.T) {
	s := openTestStore(t, Options{})

	done := make(chan string, 1)
	go func() {
		var got string
		found, err := s.BPop(context.Background(), "q", 5*time.Second, &got)
		if err == nil && found {
			done <- got
		} else {
			done <- ""
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Push("q", "hello"))

	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("BPop did not wake on push")
	}
}

func TestBPopTimeout(t *testing.T) {
	s := openTestStore(t, Options{})

	var got string
	found, err := s.BPop(context.Background(), "empty", 30*time.Millisecond, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEntityLifecycle(t *testing.T) {
	s := openTestStore(t, Options{})

	agent := &models.Entity{
		Type:       models.TypeAgent,
		ID:         "a1",
		Properties: map[string]any{"status": "ready"},
	}
	require.NoError(t, s.CreateEntity(agent))

	// Duplicate create conflicts.
	err := s.CreateEntity(&models.Entity{Type: models.TypeAgent, ID: "a1"})
	assert.True(t, IsConflict(err))

	got, err := s.GetEntity(models.EntityRef{Type: models.TypeAgent, ID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "ready", got.Properties["status"])

	// Merge update keeps existing keys, nil deletes.
	got, err = s.UpdateEntity(models.EntityRef{Type: models.TypeAgent, ID: "a1"},
		map[string]any{"model": "m", "status": nil}, true)
	require.NoError(t, err)
	assert.Equal(t, "m", got.Properties["model"])
	assert.NotContains(t, got.Properties, "status")

	// Replace update drops everything else.
	got, err = s.UpdateEntity(models.EntityRef{Type: models.TypeAgent, ID: "a1"},
		map[string]any{"only": true}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"only": true}, got.Properties)

	require.NoError(t, s.DeleteEntity(models.EntityRef{Type: models.TypeAgent, ID: "a1"}, false))
	_, err = s.GetEntity(models.EntityRef{Type: models.TypeAgent, ID: "a1"})
	assert.True(t, IsNotFound(err))
}

func mkEntity(t *testing.T, s *Store, typ, id string) models.EntityRef {
	t.Helper()
	require.NoError(t, s.CreateEntity(&models.Entity{Type: typ, ID: id}))
	return models.EntityRef{Type: typ, ID: id}
}

func TestParentOfInvariants(t *testing.T) {
	s := openTestStore(t, Options{})

	parent := mkEntity(t, s, models.TypeOrchestration, "o1")
	child := mkEntity(t, s, models.TypeAgent, "a1")

	// Self-loop rejected.
	err := s.CreateRelationship(&models.Relationship{From: parent, Kind: models.KindParentOf, To: parent})
	assert.True(t, IsConflict(err))

	require.NoError(t, s.CreateRelationship(&models.Relationship{From: parent, Kind: models.KindParentOf, To: child}))

	// Second parent violates the forest invariant.
	other := mkEntity(t, s, models.TypeOrchestration, "o2")
	err = s.CreateRelationship(&models.Relationship{From: other, Kind: models.KindParentOf, To: child})
	assert.True(t, IsConflict(err))
}

func TestCascadeDeleteLeavesNoDanglingEdges(t *testing.T) {
	s := openTestStore(t, Options{})

	orch := mkEntity(t, s, models.TypeOrchestration, "o1")
	a1 := mkEntity(t, s, models.TypeAgent, "a1")
	a2 := mkEntity(t, s, models.TypeAgent, "a2")
	sandbox := mkEntity(t, s, models.TypeSandbox, "sb1")

	require.NoError(t, s.CreateRelationship(&models.Relationship{From: orch, Kind: models.KindParentOf, To: a1, Owning: true}))
	require.NoError(t, s.CreateRelationship(&models.Relationship{From: orch, Kind: models.KindParentOf, To: a2, Owning: true}))
	require.NoError(t, s.CreateRelationship(&models.Relationship{From: a1, Kind: models.KindOwns, To: sandbox}))

	require.NoError(t, s.DeleteEntity(orch, true))

	for _, ref := range []models.EntityRef{orch, a1, a2, sandbox} {
		_, err := s.GetEntity(ref)
		assert.True(t, IsNotFound(err), "expected %s/%s to be cascade-deleted", ref.Type, ref.ID)
	}
}

func TestNonCascadeDeleteKeepsChildren(t *testing.T) {
	s := openTestStore(t, Options{})

	orch := mkEntity(t, s, models.TypeOrchestration, "o1")
	a1 := mkEntity(t, s, models.TypeAgent, "a1")
	require.NoError(t, s.CreateRelationship(&models.Relationship{From: orch, Kind: models.KindParentOf, To: a1, Owning: true}))

	require.NoError(t, s.DeleteEntity(orch, false))

	_, err := s.GetEntity(a1)
	require.NoError(t, err)

	// The edge to the deleted parent is gone.
	rels, err := s.Neighbors(a1, models.KindParentOf, DirectionIn, 0)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestNeighborsAndTraverse(t *testing.T) {
	s := openTestStore(t, Options{})

	root := mkEntity(t, s, models.TypeOrchestration, "root")
	mid := mkEntity(t, s, models.TypeOrchestration, "mid")
	leaf := mkEntity(t, s, models.TypeAgent, "leaf")

	require.NoError(t, s.CreateRelationship(&models.Relationship{From: root, Kind: models.KindParentOf, To: mid}))
	require.NoError(t, s.CreateRelationship(&models.Relationship{From: mid, Kind: models.KindParentOf, To: leaf}))
	require.NoError(t, s.CreateRelationship(&models.Relationship{From: root, Kind: models.KindDependsOn, To: leaf}))

	out, err := s.Neighbors(root, models.KindParentOf, DirectionOut, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "mid", out[0].To.ID)

	// Full BFS reaches every node once despite two paths to leaf.
	results, truncated, err := s.Traverse(root, -1, "", 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, results, 3)

	// Depth bound stops the walk.
	results, _, err = s.Traverse(root, 1, models.KindParentOf, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Result cap reports truncation.
	_, truncated, err = s.Traverse(root, -1, "", 2)
	require.NoError(t, err)
	assert.True(t, truncated)
}

func TestLogIndex(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.IndexLogOffset(IndexCorrelation, "corr-1", LogOffset{File: "a.ndjson", Offset: 0}))
	require.NoError(t, s.IndexLogOffset(IndexCorrelation, "corr-1", LogOffset{File: "a.ndjson", Offset: 128}))
	require.NoError(t, s.IndexLogOffset(IndexCorrelation, "corr-2", LogOffset{File: "a.ndjson", Offset: 256}))

	locs, err := s.LogOffsets(IndexCorrelation, "corr-1", 0)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, int64(0), locs[0].Offset)
	assert.Equal(t, int64(128), locs[1].Offset)
}
