package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/models"
)

// stdout line limit for one NDJSON record from the child.
const maxLineBytes = 4 << 20

// CLIProvider spawns the configured command once per request. The request
// is written to the child's stdin as a single JSON object; the child
// streams NDJSON records on stdout:
//
//	{"type":"progress","message":"...","data":{...}}
//	{"type":"result","session_id":"...","text":"...","usage":{...}}
//	{"type":"error","kind":"...","message":"...","retryable":true}
//
// The first result or error record terminates the call. Stderr is relayed
// to the log. Cancelling ctx kills the child.
type CLIProvider struct {
	name    string
	command []string
	env     map[string]string
	log     *slog.Logger
}

// NewCLIProvider builds a provider from one config entry.
func NewCLIProvider(name string, pc config.ProviderConfig) *CLIProvider {
	return &CLIProvider{
		name:    name,
		command: pc.Command,
		env:     pc.Env,
		log:     slog.With("provider", name),
	}
}

func (p *CLIProvider) Name() string { return p.name }

// wireRecord is one NDJSON line from the child.
type wireRecord struct {
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Usage     models.Usage   `json:"usage,omitzero"`
	Kind      string         `json:"kind,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// Run implements Provider.
func (p *CLIProvider) Run(ctx context.Context, req Request) (<-chan Progress, <-chan Result) {
	progress := make(chan Progress, 16)
	result := make(chan Result, 1)

	go func() {
		defer close(result)
		res := p.run(ctx, req, progress)
		close(progress)
		// Surface cancellation as its own kind regardless of how the
		// child died.
		if res.Err != nil && ctx.Err() != nil {
			res.Err = models.NewError(models.KindCancelled,
				"provider call for request %s cancelled", req.RequestID)
		}
		result <- res
	}()

	return progress, result
}

func (p *CLIProvider) run(ctx context.Context, req Request, progress chan<- Progress) Result {
	if len(p.command) == 0 {
		return Result{Err: models.NewError(models.KindInvalidArgument,
			"provider %s has no command configured", p.name)}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{Err: models.WrapError(models.KindInternal, err, "encoding provider request")}
	}

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	// The child gets its own process group and cancellation kills the whole
	// group: providers are routinely shell wrappers, and killing only the
	// direct child would leave a grandchild holding stdout open. WaitDelay
	// unblocks Wait if a straggler survives the kill anyway.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = os.Environ()
	for k, v := range p.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{Err: models.WrapError(models.KindIO, err, "opening provider stdin")}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Err: models.WrapError(models.KindIO, err, "opening provider stdout")}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Err: models.WrapError(models.KindIO, err, "opening provider stderr")}
	}

	if err := cmd.Start(); err != nil {
		return Result{Err: models.WrapError(models.KindProviderError, err,
			"starting provider %s", p.name)}
	}
	log := p.log.With("request_id", req.RequestID, "pid", cmd.Process.Pid)
	log.Debug("Provider process started", "model", req.Model)

	// Relay the child's stderr line by line.
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			log.Warn("Provider stderr", "line", sc.Text())
		}
	}()

	go func() {
		defer stdin.Close()
		if _, werr := stdin.Write(append(payload, '\n')); werr != nil {
			log.Warn("Writing provider request failed", "error", werr)
		}
	}()

	res := p.readRecords(ctx, stdout, progress)

	waitErr := cmd.Wait()
	if res.Err == nil && res.Text == "" && res.SessionID == "" && waitErr != nil {
		// No terminal record and the child failed: treat the exit as
		// retryable, the process may have died before producing output.
		e := models.WrapError(models.KindProviderError, waitErr,
			"provider %s exited without a result", p.name)
		e.Retryable = true
		res.Err = e
	}
	if res.Err != nil {
		log.Debug("Provider call failed", "kind", res.Err.Kind, "retryable", res.Err.Retryable)
	} else {
		log.Debug("Provider call completed", "session_id", res.SessionID,
			"output_tokens", res.Usage.OutputTokens)
	}
	return res
}

// readRecords consumes NDJSON from the child until a terminal record or
// stream end.
func (p *CLIProvider) readRecords(ctx context.Context, r io.Reader, progress chan<- Progress) Result {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec wireRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return Result{Err: models.WrapError(models.KindProviderError, err,
				"provider %s wrote a malformed record", p.name)}
		}

		switch rec.Type {
		case "progress":
			select {
			case progress <- Progress{Message: rec.Message, Data: rec.Data}:
			case <-ctx.Done():
				return Result{Err: models.NewError(models.KindCancelled, "cancelled")}
			default:
				// A stalled consumer must not wedge the child; drop.
			}
		case "result":
			return Result{SessionID: rec.SessionID, Text: rec.Text, Usage: rec.Usage}
		case "error":
			kind := models.ErrorKind(rec.Kind)
			if kind == "" {
				kind = models.KindProviderError
			}
			e := models.NewError(kind, "%s", rec.Message)
			e.Retryable = rec.Retryable
			return Result{Err: e}
		default:
			p.log.Warn("Ignoring unknown provider record", "type", rec.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return Result{Err: models.WrapError(models.KindIO, err,
			"reading provider %s output", p.name)}
	}
	return Result{Err: &models.Error{
		Kind:      models.KindProviderError,
		Message:   fmt.Sprintf("provider %s closed stdout without a result", p.name),
		Retryable: true,
	}}
}
