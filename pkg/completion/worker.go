package completion

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ksi-project/ksi/pkg/llm"
	"github.com/ksi-project/ksi/pkg/models"
)

// runWorker is the main loop of one completion worker: claim a queue key,
// process its oldest request end-to-end, release the key.
func (s *Service) runWorker(ctx context.Context, workerID string) {
	log := slog.With("worker_id", workerID)
	log.Info("Completion worker started")

	for {
		key, ok := s.sched.next(ctx, s.stopCh)
		if !ok {
			log.Info("Completion worker shutting down")
			return
		}
		requestID, ok := s.sched.pop(key)
		if ok {
			s.processRequest(ctx, log, requestID)
		}
		s.sched.finish(key)
	}
}

// processRequest drives one request: session lock, provider call with
// retries, session adoption, terminal bookkeeping.
func (s *Service) processRequest(ctx context.Context, log *slog.Logger, requestID string) {
	req, err := s.tracker.GetRequest(requestID)
	if err != nil {
		log.Warn("Queued request vanished", "request_id", requestID, "error", err)
		return
	}
	if req.Status.Terminal() {
		// Cancelled (or abandoned) while queued.
		return
	}
	log = log.With("request_id", requestID)

	// 1. Serialize on the conversation. A request without a session yet has
	//    nothing to lock; its queue key already serializes the agent.
	lockedSID := ""
	if req.SessionID != "" {
		if err := s.tracker.AcquireLock(ctx, req.SessionID, requestID); err != nil {
			s.failRequest(req, models.AsError(err))
			return
		}
		lockedSID = req.SessionID
	}
	defer func() {
		if lockedSID != "" {
			if err := s.tracker.ReleaseLock(lockedSID, requestID); err != nil {
				log.Warn("Session lock release failed", "session_id", lockedSID, "error", err)
			}
		}
	}()

	// 2. Register for completion:cancel, bounded by the per-call timeout
	//    inside callProvider.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.active[requestID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, requestID)
		s.mu.Unlock()
	}()

	// 3. Call the provider, retrying retryable failures with exponential
	//    backoff up to the attempt cap.
	res := s.runAttempts(runCtx, log, req)

	// 4. Terminal bookkeeping.
	switch {
	case res.Err == nil:
		if res.SessionID != "" {
			if err := s.tracker.UpdateRequestSession(requestID, res.SessionID); err != nil {
				log.Warn("Session adoption failed", "session_id", res.SessionID, "error", err)
			}
			// Providers may mint a fresh id each turn; the old lock is
			// released normally, the new session starts uncontended.
		}
		if err := s.tracker.CompleteRequest(requestID, models.RequestCompleted, "", ""); err != nil {
			log.Warn("Completing request failed", "error", err)
		}
		s.announce(req, EventResult, map[string]any{
			"request_id": requestID,
			"session_id": res.SessionID,
			"result":     res.Text,
			"usage": map[string]any{
				"input_tokens":  res.Usage.InputTokens,
				"output_tokens": res.Usage.OutputTokens,
				"total_tokens":  res.Usage.TotalTokens,
			},
		})
		log.Info("Completion finished", "session_id", res.SessionID,
			"output_tokens", res.Usage.OutputTokens)

	case res.Err.Kind == models.KindCancelled:
		if err := s.tracker.CompleteRequest(requestID, models.RequestCancelled,
			models.KindCancelled, res.Err.Message); err != nil {
			log.Warn("Recording cancellation failed", "error", err)
		}
		s.announce(req, EventCancelled, map[string]any{"request_id": requestID})
		log.Info("Completion cancelled")

	default:
		s.failRequest(req, res.Err)
		log.Warn("Completion failed", "kind", res.Err.Kind, "error", res.Err.Message)
	}
	s.forget(requestID)
}

// runAttempts performs the provider call with the configured retry policy.
func (s *Service) runAttempts(ctx context.Context, log *slog.Logger, req *models.Request) llm.Result {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var res llm.Result
	for attempt := 1; ; attempt++ {
		if err := s.tracker.MarkActive(req.RequestID); err != nil {
			return llm.Result{Err: models.AsError(err)}
		}

		res = s.callProvider(ctx, req)
		if res.Err == nil || !res.Err.Retryable || res.Err.Kind == models.KindCancelled {
			return res
		}
		if attempt >= maxAttempts {
			res.Err.Retryable = false
			return res
		}

		wait := bo.NextBackOff()
		log.Info("Retrying completion", "attempt", attempt, "backoff", wait,
			"kind", res.Err.Kind, "error", res.Err.Message)
		s.announce(req, EventProgress, map[string]any{
			"request_id": req.RequestID,
			"message":    "retrying",
			"data":       map[string]any{"attempt": attempt, "kind": string(res.Err.Kind)},
		})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return llm.Result{Err: models.NewError(models.KindCancelled,
				"request %s cancelled between attempts", req.RequestID)}
		case <-s.stopCh:
			return llm.Result{Err: models.NewError(models.KindCancelled,
				"daemon shutting down")}
		}
	}
}

// callProvider acquires the concurrency caps, runs the provider once, and
// streams its progress as events.
func (s *Service) callProvider(ctx context.Context, req *models.Request) llm.Result {
	provider, err := s.providers.Get(req.Provider, req.Model)
	if err != nil {
		return llm.Result{Err: models.AsError(err)}
	}

	if s.global != nil {
		select {
		case s.global <- struct{}{}:
			defer func() { <-s.global }()
		case <-ctx.Done():
			return llm.Result{Err: models.NewError(models.KindCancelled, "cancelled at capacity gate")}
		}
	}
	if err := s.perProvider.acquire(ctx, req.Provider); err != nil {
		return llm.Result{Err: models.NewError(models.KindCancelled, "cancelled at provider gate")}
	}
	defer s.perProvider.release(req.Provider)
	if err := s.perModel.acquire(ctx, req.Model); err != nil {
		return llm.Result{Err: models.NewError(models.KindCancelled, "cancelled at model gate")}
	}
	defer s.perModel.release(req.Model)

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	progress, result := provider.Run(callCtx, llm.Request{
		RequestID: req.RequestID,
		Model:     req.Model,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Messages:  req.Messages,
		Options:   req.Options,
	})

	for p := range progress {
		s.announce(req, EventProgress, map[string]any{
			"request_id": req.RequestID,
			"message":    p.Message,
			"data":       p.Data,
		})
	}
	res := <-result

	// A per-call deadline is a timeout, not a cancellation; it may be
	// retried if attempts remain.
	if res.Err != nil && res.Err.Kind == models.KindCancelled && ctx.Err() == nil {
		e := models.NewError(models.KindTimeout,
			"provider call for request %s exceeded %s", req.RequestID, s.cfg.Timeout)
		res.Err = e
	}
	return res
}

// failRequest records a terminal failure and emits completion:error.
func (s *Service) failRequest(req *models.Request, err *models.Error) {
	if cerr := s.tracker.CompleteRequest(req.RequestID, models.RequestFailed,
		err.Kind, err.Message); cerr != nil {
		slog.Warn("Recording request failure failed",
			"request_id", req.RequestID, "error", cerr)
	}
	s.announce(req, EventError, map[string]any{
		"request_id": req.RequestID,
		"kind":       string(err.Kind),
		"message":    err.Message,
		"retryable":  err.Retryable,
	})
	s.forget(req.RequestID)
}
