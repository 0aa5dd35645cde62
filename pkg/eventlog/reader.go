package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// maxLineBytes bounds a single log line during replay. Event payloads are
// bounded by the transport frame limit, so this is generous.
const maxLineBytes = 16 << 20

// Replay streams every entry in the log root, oldest file first, in append
// order. fn returning an error stops the replay.
func Replay(root string, fn func(*Entry) error) error {
	matches, err := filepath.Glob(filepath.Join(root, "events-*.ndjson"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	for _, path := range matches {
		if err := replayFile(path, fn); err != nil {
			return fmt.Errorf("replaying %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func replayFile(path string, fn func(*Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// A torn line can only be the tail of a crash; skip it rather
			// than abandoning recovery of everything before it.
			slog.Warn("Skipping unparseable event log line",
				"file", filepath.Base(path), "line", line, "error", err)
			continue
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// LastSeq scans the log and returns the highest sequence number, so a new
// Writer can resume without reusing sequence space.
func LastSeq(root string) (uint64, error) {
	var last uint64
	err := Replay(root, func(e *Entry) error {
		if e.Seq > last {
			last = e.Seq
		}
		return nil
	})
	return last, err
}
