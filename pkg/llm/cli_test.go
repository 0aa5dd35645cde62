package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/models"
)

// shProvider builds a CLIProvider running an inline shell script, standing
// in for a real model CLI.
func shProvider(t *testing.T, script string) *CLIProvider {
	t.Helper()
	return NewCLIProvider("test", config.ProviderConfig{
		Command: []string{"sh", "-c", script},
	})
}

func collect(t *testing.T, progress <-chan Progress, result <-chan Result) ([]Progress, Result) {
	t.Helper()
	var updates []Progress
	for p := range progress {
		updates = append(updates, p)
	}
	select {
	case res := <-result:
		return updates, res
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return nil, Result{}
	}
}

func TestCLIProviderResult(t *testing.T) {
	p := shProvider(t, `
cat >/dev/null
echo '{"type":"progress","message":"working"}'
echo '{"type":"result","session_id":"S1","text":"hello","usage":{"input_tokens":3,"output_tokens":5,"total_tokens":8}}'
`)
	progress, result := p.Run(context.Background(), Request{RequestID: "r1", Model: "m", Prompt: "hi"})
	updates, res := collect(t, progress, result)

	require.NoError(t, errOf(res))
	assert.Equal(t, "S1", res.SessionID)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, 8, res.Usage.TotalTokens)
	require.Len(t, updates, 1)
	assert.Equal(t, "working", updates[0].Message)
}

func TestCLIProviderReceivesRequestOnStdin(t *testing.T) {
	// The script echoes the stdin request back as the completion text.
	p := shProvider(t, `
req=$(cat)
printf '{"type":"result","session_id":"S","text":%s}\n' "$(printf '%s' "$req" | sed 's/"/\\"/g; s/^/"/; s/$/"/')"
`)
	_, result := p.Run(context.Background(), Request{RequestID: "r-echo", Model: "m", Prompt: "ping"})
	res := <-result
	require.NoError(t, errOf(res))
	assert.Contains(t, res.Text, `"request_id":"r-echo"`)
	assert.Contains(t, res.Text, `"prompt":"ping"`)
}

func TestCLIProviderErrorRecord(t *testing.T) {
	p := shProvider(t, `
cat >/dev/null
echo '{"type":"error","kind":"provider_error","message":"rate limited","retryable":true}'
`)
	progress, result := p.Run(context.Background(), Request{RequestID: "r1"})
	_, res := collect(t, progress, result)

	require.Error(t, res.Err)
	assert.Equal(t, models.KindProviderError, res.Err.Kind)
	assert.True(t, res.Err.Retryable)
	assert.Contains(t, res.Err.Message, "rate limited")
}

func TestCLIProviderExitWithoutResult(t *testing.T) {
	p := shProvider(t, `cat >/dev/null; exit 3`)
	progress, result := p.Run(context.Background(), Request{RequestID: "r1"})
	_, res := collect(t, progress, result)

	require.Error(t, res.Err)
	assert.Equal(t, models.KindProviderError, res.Err.Kind)
	assert.True(t, res.Err.Retryable, "a dead child is worth retrying")
}

func TestCLIProviderCancelKillsChild(t *testing.T) {
	p := shProvider(t, `cat >/dev/null; sleep 60`)
	ctx, cancel := context.WithCancel(context.Background())

	progress, result := p.Run(ctx, Request{RequestID: "r1"})
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	cancel()
	_, res := collect(t, progress, result)

	require.Error(t, res.Err)
	assert.Equal(t, models.KindCancelled, res.Err.Kind)
	assert.Less(t, time.Since(start), 5*time.Second, "child was not killed promptly")
}

func TestCLIProviderMalformedOutput(t *testing.T) {
	p := shProvider(t, `cat >/dev/null; echo 'garbage not json'`)
	progress, result := p.Run(context.Background(), Request{RequestID: "r1"})
	_, res := collect(t, progress, result)

	require.Error(t, res.Err)
	assert.Equal(t, models.KindProviderError, res.Err.Kind)
}

func TestRegistryModelRouting(t *testing.T) {
	r := NewRegistry(map[string]config.ProviderConfig{
		"narrow": {Command: []string{"true"}, Models: []string{"m1"}},
		"open":   {Command: []string{"true"}},
	})

	_, err := r.Get("narrow", "m1")
	require.NoError(t, err)

	_, err = r.Get("narrow", "m2")
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))

	_, err = r.Get("open", "anything")
	require.NoError(t, err)

	_, err = r.Get("missing", "m1")
	require.Error(t, err)

	assert.Equal(t, []string{"narrow", "open"}, r.Names())
}

func TestStubProviderMintsAndKeepsSessions(t *testing.T) {
	s := &StubProvider{}

	_, result := s.Run(context.Background(), Request{RequestID: "r1", Prompt: "a"})
	res := <-result
	require.NoError(t, errOf(res))
	require.NotEmpty(t, res.SessionID)

	// A follow-up turn on the same session keeps the id.
	_, result = s.Run(context.Background(), Request{RequestID: "r2", SessionID: res.SessionID})
	res2 := <-result
	assert.Equal(t, res.SessionID, res2.SessionID)
}

func TestStubProviderFailFirst(t *testing.T) {
	s := &StubProvider{FailFirst: 2}

	for i := 0; i < 2; i++ {
		_, result := s.Run(context.Background(), Request{RequestID: "r"})
		res := <-result
		require.Error(t, res.Err)
		assert.True(t, res.Err.Retryable)
	}
	_, result := s.Run(context.Background(), Request{RequestID: "r"})
	res := <-result
	require.NoError(t, errOf(res))
}

func errOf(res Result) error {
	if res.Err != nil {
		return res.Err
	}
	return nil
}
