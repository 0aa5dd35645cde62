package eventlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const markerFile = ".ksi-dirty"

// MarkDirty drops a durable marker in the log root. It is written at
// startup and removed by a clean shutdown, so its presence on the next
// start means the daemon died mid-flight and recovery must run.
func MarkDirty(root string) error {
	path := filepath.Join(root, markerFile)
	data := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing shutdown marker: %w", err)
	}
	return nil
}

// ClearDirty removes the marker after a clean shutdown.
func ClearDirty(root string) error {
	err := os.Remove(filepath.Join(root, markerFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing shutdown marker: %w", err)
	}
	return nil
}

// WasDirty reports whether the previous run ended without ClearDirty.
func WasDirty(root string) bool {
	_, err := os.Stat(filepath.Join(root, markerFile))
	return err == nil
}
