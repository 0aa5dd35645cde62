// Package session tracks completion requests and the provider-minted
// conversation ids behind them. The tracker is the single authority for
// binding session ids to agents; it never creates a session id itself, it
// only adopts ids returned by providers. Per-session locks serialize
// requests so a conversation can never fork.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/store"
)

// KV namespaces in the durable store.
const (
	nsRequests      = "requests"
	nsSessions      = "sessions"
	nsAgentSessions = "agent_sessions"
)

// Tracker persists request and session state through the durable store and
// arbitrates per-session locks in memory. All mutations serialize through
// one mutex; the store makes them survive restart.
type Tracker struct {
	store       *store.Store
	lockTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*lockState
}

// lockState is the in-memory side of one session's lock: the current
// holder plus a FIFO of waiters.
type lockState struct {
	holder    string
	expiresAt time.Time
	waiters   []*waiter
}

type waiter struct {
	requestID string
	granted   chan struct{}
}

// NewTracker creates a tracker over an open store.
func NewTracker(st *store.Store, lockTimeout time.Duration) *Tracker {
	return &Tracker{
		store:       st,
		lockTimeout: lockTimeout,
		locks:       make(map[string]*lockState),
	}
}

// TrackRequest records a new request. A duplicate request id is a conflict.
func (t *Tracker) TrackRequest(req *models.Request) error {
	if req.RequestID == "" {
		return models.NewError(models.KindInvalidArgument, "request id is required")
	}
	req.Status = models.RequestPending
	req.CreatedAt = time.Now().UTC()
	if err := t.store.CompareAndSet(nsRequests, req.RequestID, nil, req); err != nil {
		if store.IsConflict(err) {
			return models.NewError(models.KindConflict, "request %s already exists", req.RequestID)
		}
		return models.WrapError(models.KindIO, err, "tracking request %s", req.RequestID)
	}
	return nil
}

// GetRequest loads one request.
func (t *Tracker) GetRequest(requestID string) (*models.Request, error) {
	var req models.Request
	if err := t.store.Get(nsRequests, requestID, &req); err != nil {
		if store.IsNotFound(err) {
			return nil, models.NewError(models.KindNotFound, "request %s not found", requestID)
		}
		return nil, models.WrapError(models.KindIO, err, "loading request %s", requestID)
	}
	return &req, nil
}

// MarkActive transitions a request to active when a worker picks it up.
func (t *Tracker) MarkActive(requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutateRequest(requestID, func(req *models.Request) {
		req.Status = models.RequestActive
		req.StartedAt = time.Now().UTC()
		req.Attempt++
	})
}

// UpdateRequestSession adopts a provider-returned session id: the request's
// effective session and the owning agent's current-session pointer move
// together. Session ids only ever enter the system through this call.
func (t *Tracker) UpdateRequestSession(requestID, newSessionID string) error {
	if newSessionID == "" {
		return models.NewError(models.KindInvalidArgument, "cannot adopt an empty session id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	req, err := t.GetRequest(requestID)
	if err != nil {
		return err
	}
	oldSessionID := req.SessionID
	req.SessionID = newSessionID

	meta := models.SessionMeta{SessionID: newSessionID}
	if err := t.store.Get(nsSessions, newSessionID, &meta); err != nil && !store.IsNotFound(err) {
		return models.WrapError(models.KindIO, err, "loading session %s", newSessionID)
	}
	meta.AgentID = req.AgentID
	meta.LastActivity = time.Now().UTC()

	// Request row, session meta, and agent pointer land in one transaction
	// so a crash cannot leave the three views disagreeing.
	writes := []store.Write{
		{Namespace: nsRequests, Key: requestID, Value: req},
		{Namespace: nsSessions, Key: newSessionID, Value: &meta},
	}
	if req.AgentID != "" {
		writes = append(writes, store.Write{Namespace: nsAgentSessions, Key: req.AgentID, Value: newSessionID})
	}
	if err := t.store.SetAll(writes...); err != nil {
		return models.WrapError(models.KindIO, err,
			"adopting session %s for request %s", newSessionID, requestID)
	}

	// Providers may mint a fresh id every turn; the lock moves with it so
	// queued requests on the old session keep their serialization.
	if oldSessionID != "" && oldSessionID != newSessionID {
		if st, ok := t.locks[oldSessionID]; ok && st.holder == requestID {
			slog.Debug("Session id rotated by provider",
				"request_id", requestID, "old", oldSessionID, "new", newSessionID)
		}
	}
	return nil
}

// CompleteRequest records a terminal status.
func (t *Tracker) CompleteRequest(requestID string, status models.RequestStatus, failKind models.ErrorKind, failReason string) error {
	if !status.Terminal() {
		return models.NewError(models.KindInvalidArgument, "status %s is not terminal", status)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutateRequest(requestID, func(req *models.Request) {
		req.Status = status
		req.FailKind = failKind
		req.FailReason = failReason
		req.CompletedAt = time.Now().UTC()
	})
}

// mutateRequest applies fn to the stored request. Caller holds t.mu.
func (t *Tracker) mutateRequest(requestID string, fn func(*models.Request)) error {
	var req models.Request
	if err := t.store.Get(nsRequests, requestID, &req); err != nil {
		if store.IsNotFound(err) {
			return models.NewError(models.KindNotFound, "request %s not found", requestID)
		}
		return models.WrapError(models.KindIO, err, "loading request %s", requestID)
	}
	fn(&req)
	if err := t.store.Set(nsRequests, requestID, &req); err != nil {
		return models.WrapError(models.KindIO, err, "storing request %s", requestID)
	}
	return nil
}

// AcquireLock takes the session lock for a request, waiting in FIFO order
// behind other holders. Returns a timeout error when the configured lock
// timeout elapses before the lock is granted, and a cancelled error when
// ctx is done first.
func (t *Tracker) AcquireLock(ctx context.Context, sessionID, requestID string) error {
	t.mu.Lock()
	st, ok := t.locks[sessionID]
	if !ok {
		st = &lockState{}
		t.locks[sessionID] = st
	}

	now := time.Now().UTC()
	if st.holder == "" || (now.After(st.expiresAt) && len(st.waiters) == 0) {
		if st.holder != "" {
			slog.Warn("Reclaiming expired session lock",
				"session_id", sessionID, "stale_holder", st.holder)
		}
		t.grantLocked(sessionID, st, requestID)
		t.mu.Unlock()
		return nil
	}

	w := &waiter{requestID: requestID, granted: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	t.mu.Unlock()

	timer := time.NewTimer(t.lockTimeout)
	defer timer.Stop()

	select {
	case <-w.granted:
		return nil
	case <-timer.C:
		t.abandonWaiter(sessionID, w)
		return models.NewError(models.KindTimeout,
			"request %s timed out waiting for session %s lock", requestID, sessionID)
	case <-ctx.Done():
		t.abandonWaiter(sessionID, w)
		return models.NewError(models.KindCancelled,
			"request %s cancelled while waiting for session %s lock", requestID, sessionID)
	}
}

// grantLocked hands the lock to a request and persists it. Caller holds t.mu.
func (t *Tracker) grantLocked(sessionID string, st *lockState, requestID string) {
	st.holder = requestID
	st.expiresAt = time.Now().UTC().Add(t.lockTimeout)

	meta := models.SessionMeta{SessionID: sessionID}
	if err := t.store.Get(nsSessions, sessionID, &meta); err != nil && !store.IsNotFound(err) {
		slog.Warn("Loading session for lock persist failed", "session_id", sessionID, "error", err)
	}
	meta.Lock = &models.SessionLock{HolderRequestID: requestID, ExpiresAt: st.expiresAt}
	meta.LastActivity = time.Now().UTC()
	if err := t.store.Set(nsSessions, sessionID, &meta); err != nil {
		slog.Warn("Persisting session lock failed", "session_id", sessionID, "error", err)
	}
}

// abandonWaiter removes a waiter that gave up. If the grant raced the
// timeout, the lock is released again so the FIFO keeps moving.
func (t *Tracker) abandonWaiter(sessionID string, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.locks[sessionID]
	if !ok {
		return
	}
	for i, cand := range st.waiters {
		if cand == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
	// Not in the queue: the grant already happened. Undo it.
	if st.holder == w.requestID {
		t.releaseLocked(sessionID, st)
	}
}

// ReleaseLock releases a session lock held by requestID and grants the next
// FIFO waiter, if any.
func (t *Tracker) ReleaseLock(sessionID, requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.locks[sessionID]
	if !ok || st.holder != requestID {
		return models.NewError(models.KindConflict,
			"request %s does not hold the lock for session %s", requestID, sessionID)
	}
	t.releaseLocked(sessionID, st)
	return nil
}

// releaseLocked clears the holder and promotes the next waiter. Caller
// holds t.mu.
func (t *Tracker) releaseLocked(sessionID string, st *lockState) {
	st.holder = ""
	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		t.grantLocked(sessionID, st, next.requestID)
		close(next.granted)
		return
	}
	delete(t.locks, sessionID)

	var meta models.SessionMeta
	if err := t.store.Get(nsSessions, sessionID, &meta); err == nil {
		meta.Lock = nil
		if err := t.store.Set(nsSessions, sessionID, &meta); err != nil {
			slog.Warn("Clearing persisted session lock failed", "session_id", sessionID, "error", err)
		}
	}
}

// LockHolder reports the request currently holding a session's lock.
func (t *Tracker) LockHolder(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.locks[sessionID]
	if !ok || st.holder == "" {
		return "", false
	}
	return st.holder, true
}

// GetAgentSession returns the agent's current session id, or empty when the
// agent has no conversation yet.
func (t *Tracker) GetAgentSession(agentID string) (string, error) {
	var sid string
	err := t.store.Get(nsAgentSessions, agentID, &sid)
	if store.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", models.WrapError(models.KindIO, err, "loading agent %s session", agentID)
	}
	return sid, nil
}

// GetSession loads one session's metadata.
func (t *Tracker) GetSession(sessionID string) (*models.SessionMeta, error) {
	var meta models.SessionMeta
	if err := t.store.Get(nsSessions, sessionID, &meta); err != nil {
		if store.IsNotFound(err) {
			return nil, models.NewError(models.KindNotFound, "session %s not found", sessionID)
		}
		return nil, models.WrapError(models.KindIO, err, "loading session %s", sessionID)
	}
	return &meta, nil
}

// ActiveSessions lists every known session, most useful for the
// conversation:active view.
func (t *Tracker) ActiveSessions(limit int) ([]*models.SessionMeta, error) {
	keys, _, err := t.store.List(nsSessions, "", limit, "")
	if err != nil {
		return nil, models.WrapError(models.KindIO, err, "listing sessions")
	}
	sessions := make([]*models.SessionMeta, 0, len(keys))
	for _, key := range keys {
		var meta models.SessionMeta
		if err := t.store.Get(nsSessions, key, &meta); err != nil {
			continue
		}
		sessions = append(sessions, &meta)
	}
	return sessions, nil
}

// PendingRequests returns every request persisted in a non-terminal state,
// for restart recovery.
func (t *Tracker) PendingRequests() ([]*models.Request, error) {
	keys, _, err := t.store.List(nsRequests, "", 0, "")
	if err != nil {
		return nil, models.WrapError(models.KindIO, err, "listing requests")
	}
	var pending []*models.Request
	for _, key := range keys {
		var req models.Request
		if err := t.store.Get(nsRequests, key, &req); err != nil {
			continue
		}
		if !req.Status.Terminal() {
			pending = append(pending, &req)
		}
	}
	return pending, nil
}

// PurgeCompletedRequests deletes requests that reached a terminal status
// before the retention window. Returns how many were removed.
func (t *Tracker) PurgeCompletedRequests(olderThan time.Duration) (int, error) {
	keys, _, err := t.store.List(nsRequests, "", 0, "")
	if err != nil {
		return 0, models.WrapError(models.KindIO, err, "listing requests for purge")
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	purged := 0
	for _, key := range keys {
		var req models.Request
		if err := t.store.Get(nsRequests, key, &req); err != nil {
			continue
		}
		if !req.Status.Terminal() || req.CompletedAt.IsZero() || req.CompletedAt.After(cutoff) {
			continue
		}
		if err := t.store.Delete(nsRequests, key); err != nil && !store.IsNotFound(err) {
			return purged, models.WrapError(models.KindIO, err, "purging request %s", key)
		}
		purged++
	}
	return purged, nil
}

// PurgeIdleSessions deletes sessions with no lock and no activity inside
// the retention window, along with their agent pointer when it still
// points at the purged session.
func (t *Tracker) PurgeIdleSessions(olderThan time.Duration) (int, error) {
	keys, _, err := t.store.List(nsSessions, "", 0, "")
	if err != nil {
		return 0, models.WrapError(models.KindIO, err, "listing sessions for purge")
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	purged := 0
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		var meta models.SessionMeta
		if err := t.store.Get(nsSessions, key, &meta); err != nil {
			continue
		}
		if meta.Lock != nil || meta.LastActivity.After(cutoff) {
			continue
		}
		if _, locked := t.locks[meta.SessionID]; locked {
			continue
		}
		if err := t.store.Delete(nsSessions, key); err != nil && !store.IsNotFound(err) {
			return purged, models.WrapError(models.KindIO, err, "purging session %s", key)
		}
		if meta.AgentID != "" {
			var current string
			if err := t.store.Get(nsAgentSessions, meta.AgentID, &current); err == nil && current == meta.SessionID {
				_ = t.store.Delete(nsAgentSessions, meta.AgentID)
			}
		}
		purged++
	}
	return purged, nil
}

// Recover restores session state after a restart: persisted locks younger
// than the grace window are re-armed in memory, older ones are released.
// Returns the session ids whose locks were force-released.
func (t *Tracker) Recover(grace time.Duration) ([]string, error) {
	keys, _, err := t.store.List(nsSessions, "", 0, "")
	if err != nil {
		return nil, models.WrapError(models.KindIO, err, "listing sessions for recovery")
	}

	now := time.Now().UTC()
	var released []string
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		var meta models.SessionMeta
		if err := t.store.Get(nsSessions, key, &meta); err != nil || meta.Lock == nil {
			continue
		}
		if now.Sub(meta.Lock.ExpiresAt) > grace || now.Sub(meta.LastActivity) > grace+t.lockTimeout {
			slog.Info("Releasing stale session lock from previous run",
				"session_id", meta.SessionID, "holder", meta.Lock.HolderRequestID)
			meta.Lock = nil
			if err := t.store.Set(nsSessions, key, &meta); err != nil {
				return nil, models.WrapError(models.KindIO, err, "releasing stale lock for %s", key)
			}
			released = append(released, meta.SessionID)
			continue
		}
		t.locks[meta.SessionID] = &lockState{
			holder:    meta.Lock.HolderRequestID,
			expiresAt: meta.Lock.ExpiresAt,
		}
	}

	slog.Info("Session tracker recovered",
		"sessions", len(keys), "stale_locks_released", len(released))
	return released, nil
}

// String renders lock state for debugging.
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("tracker{locked_sessions: %d}", len(t.locks))
}
