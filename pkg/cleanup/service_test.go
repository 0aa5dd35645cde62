package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/session"
	"github.com/ksi-project/ksi/pkg/store"
)

func newTracker(t *testing.T) *session.Tracker {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return session.NewTracker(st, time.Minute)
}

func TestPurgeCompletedRequests(t *testing.T) {
	tracker := newTracker(t)

	require.NoError(t, tracker.TrackRequest(&models.Request{RequestID: "old"}))
	require.NoError(t, tracker.CompleteRequest("old", models.RequestCompleted, "", ""))
	require.NoError(t, tracker.TrackRequest(&models.Request{RequestID: "pending"}))

	// Zero retention makes everything terminal eligible immediately.
	purged, err := tracker.PurgeCompletedRequests(0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = tracker.GetRequest("old")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	// The non-terminal request survives.
	req, err := tracker.GetRequest("pending")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
}

func TestPurgeIdleSessionsKeepsRecentAndLocked(t *testing.T) {
	tracker := newTracker(t)

	require.NoError(t, tracker.TrackRequest(&models.Request{RequestID: "r1", AgentID: "a1"}))
	require.NoError(t, tracker.UpdateRequestSession("r1", "s1"))

	// Fresh activity keeps the session even at an aggressive retention.
	purged, err := tracker.PurgeIdleSessions(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, purged)

	// With zero retention the idle session goes, and the agent's
	// current-session pointer goes with it.
	purged, err = tracker.PurgeIdleSessions(0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = tracker.GetSession("s1")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	sid, err := tracker.GetAgentSession("a1")
	require.NoError(t, err)
	assert.Empty(t, sid)
}

func TestSweepLogFiles(t *testing.T) {
	logRoot := t.TempDir()
	old := filepath.Join(logRoot, "events-2020-01-01.ndjson")
	today := filepath.Join(logRoot, "events-"+time.Now().UTC().Format("2006-01-02")+".ndjson")
	stray := filepath.Join(logRoot, "notes.txt")
	for _, path := range []string{old, today, stray} {
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o640))
	}

	svc := NewService(config.RetentionConfig{LogRetentionDays: 14}, logRoot, newTracker(t))
	removed, err := svc.sweepLogFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, old)
	assert.FileExists(t, today)
	assert.FileExists(t, stray)
}

func TestLogFileDay(t *testing.T) {
	day, ok := logFileDay("events-2026-08-24.ndjson")
	require.True(t, ok)
	assert.Equal(t, 2026, day.Year())

	_, ok = logFileDay("events-garbage.ndjson")
	assert.False(t, ok)
	_, ok = logFileDay("other-2026-08-24.ndjson")
	assert.False(t, ok)
}
