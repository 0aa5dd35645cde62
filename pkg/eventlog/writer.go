// Package eventlog persists every dispatched event as append-only
// newline-delimited JSON, rotated daily. The log is the system of record
// for replay after restart; an entry must be on disk before the
// originating handler's result is sent to any client.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ksi-project/ksi/pkg/models"
)

// appendMaxRetries bounds the log writer's retry budget for transient io
// failures. The log writer is the only place outside the completion
// service that retries.
const appendMaxRetries = 3

// HandlerOutcome records how one handler fared for an event.
type HandlerOutcome struct {
	Handler    string `json:"handler"`
	Status     string `json:"status"` // ok | error
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Entry is one log line.
type Entry struct {
	Seq      uint64               `json:"seq"`
	Name     string               `json:"name"`
	Context  *models.EventContext `json:"context"`
	Data     map[string]any       `json:"data"`
	Outcomes []HandlerOutcome     `json:"outcomes,omitempty"`
}

// Location identifies where an entry landed.
type Location struct {
	File   string
	Offset int64
}

// Writer appends entries to the current day's log file.
type Writer struct {
	mu     sync.Mutex
	root   string
	file   *os.File
	day    string
	offset int64
	seq    uint64
}

// NewWriter opens (creating if needed) the log directory and the current
// day's file. The sequence counter resumes from lastSeq, which callers
// recover via Replay.
func NewWriter(root string, lastSeq uint64) (*Writer, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating log root %s: %w", root, err)
	}
	w := &Writer{root: root, seq: lastSeq}
	if err := w.rotate(time.Now().UTC()); err != nil {
		return nil, err
	}
	return w, nil
}

func fileForDay(day string) string {
	return "events-" + day + ".ndjson"
}

// rotate opens the file for the given day, closing the previous one.
// Caller holds w.mu (or is the constructor).
func (w *Writer) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	if w.file != nil && day == w.day {
		return nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			slog.Warn("Closing rotated event log file", "error", err)
		}
	}
	name := fileForDay(day)
	// No O_APPEND: the writer positions every write itself via w.offset,
	// which keeps a retried WriteAt idempotent after a torn write.
	f, err := os.OpenFile(filepath.Join(w.root, name), os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening event log %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat event log %s: %w", name, err)
	}
	w.file = f
	w.day = day
	w.offset = info.Size()
	return nil
}

// Append writes one entry, assigns its sequence number, and fsyncs before
// returning. Transient write failures are retried with exponential backoff;
// exhausting the budget is fatal to the caller (the router shuts down).
func (w *Writer) Append(entry *Entry) (Location, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotate(time.Now().UTC()); err != nil {
		return Location{}, err
	}

	entry.Seq = w.seq + 1
	data, err := json.Marshal(entry)
	if err != nil {
		return Location{}, fmt.Errorf("marshaling log entry: %w", err)
	}
	data = append(data, '\n')

	loc := Location{File: fileForDay(w.day), Offset: w.offset}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), appendMaxRetries)
	err = backoff.Retry(func() error {
		if _, err := w.file.WriteAt(data, w.offset); err != nil {
			if errors.Is(err, os.ErrInvalid) || errors.Is(err, os.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return w.file.Sync()
	}, policy)
	if err != nil {
		return Location{}, models.WrapError(models.KindIO, err, "event log append failed")
	}

	w.offset += int64(len(data))
	w.seq = entry.Seq
	return loc, nil
}

// Seq returns the last assigned sequence number.
func (w *Writer) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}
