package llm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ksi-project/ksi/pkg/models"
)

// StubProvider is a deterministic in-process provider for tests. It mints
// session ids the way a real provider would: a fresh id on the first turn,
// the same id echoed back on follow-up turns.
type StubProvider struct {
	// ProviderName defaults to "stub".
	ProviderName string

	// Reply computes the completion text; defaults to echoing the prompt.
	Reply func(req Request) string

	// FailFirst makes the first N calls fail with a retryable provider
	// error before succeeding, for retry-path tests.
	FailFirst int

	// Fail, when set, makes every call return this error.
	Fail *models.Error

	// Delay blocks the call until ctx is done when true, for cancel tests.
	Block bool

	calls    atomic.Int64
	sessions atomic.Int64
}

func (s *StubProvider) Name() string {
	if s.ProviderName == "" {
		return "stub"
	}
	return s.ProviderName
}

// Calls reports how many Run calls completed.
func (s *StubProvider) Calls() int64 { return s.calls.Load() }

// Run implements Provider.
func (s *StubProvider) Run(ctx context.Context, req Request) (<-chan Progress, <-chan Result) {
	progress := make(chan Progress, 1)
	result := make(chan Result, 1)

	go func() {
		defer close(result)
		defer close(progress)
		call := s.calls.Add(1)

		if s.Block {
			<-ctx.Done()
			result <- Result{Err: models.NewError(models.KindCancelled,
				"stub call for request %s cancelled", req.RequestID)}
			return
		}

		if s.Fail != nil {
			result <- Result{Err: s.Fail}
			return
		}
		if int(call) <= s.FailFirst {
			e := models.NewError(models.KindProviderError, "transient stub failure %d", call)
			e.Retryable = true
			result <- Result{Err: e}
			return
		}

		progress <- Progress{Message: "thinking"}

		sid := req.SessionID
		if sid == "" {
			sid = fmt.Sprintf("stub-session-%d", s.sessions.Add(1))
		}
		text := req.Prompt
		if s.Reply != nil {
			text = s.Reply(req)
		}
		result <- Result{
			SessionID: sid,
			Text:      text,
			Usage:     models.Usage{InputTokens: len(req.Prompt), OutputTokens: len(text), TotalTokens: len(req.Prompt) + len(text)},
		}
	}()

	return progress, result
}
