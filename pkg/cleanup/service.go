// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/session"
)

// Service periodically enforces retention policies:
//   - Deletes terminal completion requests past their retention
//   - Deletes idle, unlocked sessions past their retention
//   - Removes daily event log files older than the log retention window
//
// All operations are idempotent; a sweep interrupted by shutdown simply
// resumes on the next run.
type Service struct {
	cfg     config.RetentionConfig
	logRoot string
	tracker *session.Tracker

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg config.RetentionConfig, logRoot string, tracker *session.Tracker) *Service {
	return &Service{
		cfg:     cfg,
		logRoot: logRoot,
		tracker: tracker,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"request_retention", s.cfg.RequestRetention,
		"session_retention", s.cfg.SessionRetention,
		"log_retention_days", s.cfg.LogRetentionDays,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Service) runAll() {
	if s.cfg.RequestRetention > 0 {
		if purged, err := s.tracker.PurgeCompletedRequests(s.cfg.RequestRetention); err != nil {
			slog.Error("Request retention sweep failed", "error", err)
		} else if purged > 0 {
			slog.Info("Purged completed requests", "count", purged)
		}
	}

	if s.cfg.SessionRetention > 0 {
		if purged, err := s.tracker.PurgeIdleSessions(s.cfg.SessionRetention); err != nil {
			slog.Error("Session retention sweep failed", "error", err)
		} else if purged > 0 {
			slog.Info("Purged idle sessions", "count", purged)
		}
	}

	if s.cfg.LogRetentionDays > 0 {
		if removed, err := s.sweepLogFiles(); err != nil {
			slog.Error("Event log retention sweep failed", "error", err)
		} else if removed > 0 {
			slog.Info("Removed expired event log files", "count", removed)
		}
	}
}

// sweepLogFiles deletes daily event log files older than the retention
// window. The current day's file is never old enough to qualify, so the
// sweep cannot race the writer.
func (s *Service) sweepLogFiles() (int, error) {
	entries, err := os.ReadDir(s.logRoot)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.LogRetentionDays)
	removed := 0
	for _, entry := range entries {
		day, ok := logFileDay(entry.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.logRoot, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// logFileDay parses the date out of an "events-2006-01-02.ndjson" name.
func logFileDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".ndjson") {
		return time.Time{}, false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(name, "events-"), ".ndjson")
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
