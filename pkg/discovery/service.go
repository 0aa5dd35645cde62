// Package discovery introspects the router's handler registry: what events
// exist, their parameter schemas, and what they emit.
package discovery

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
)

// Events served by the discovery service.
const (
	EventDiscover = "system:discover"
	EventHelp     = "system:help"
	EventHealth   = "system:health"
)

// levels for system:discover output.
const (
	levelSummary = "summary"
	levelFull    = "full"
)

// HealthSource lets other services contribute counters to system:health.
type HealthSource func() (name string, value any)

// Service answers introspection queries. Snapshots of the registry are
// cached and invalidated by the registry's generation counter, so repeated
// discovery calls do not re-walk the handler table.
type Service struct {
	router  *router.Router
	started time.Time

	mu         sync.Mutex
	generation uint64
	summaries  []map[string]any
	full       []map[string]any

	sources []HealthSource
}

// NewService wraps a router.
func NewService(r *router.Router) *Service {
	return &Service{router: r, started: time.Now()}
}

// AddHealthSource registers a counter contributor. Not safe to call once
// queries are being served.
func (s *Service) AddHealthSource(src HealthSource) {
	s.sources = append(s.sources, src)
}

// Register installs the discovery handlers.
func (s *Service) Register() {
	s.router.MustRegister(EventDiscover, router.HandlerSpec{
		Summary: "List registered events, as summaries or full schemas.",
		Params: []router.ParamSpec{
			{Name: "namespace", Type: "string", Description: "Event name prefix, e.g. \"completion\"."},
			{Name: "event", Type: "string", Description: "Exact event name."},
			{Name: "level", Type: "string", AllowedValues: []any{levelSummary, levelFull},
				Default: levelSummary},
		},
	}, s.handleDiscover)

	s.router.MustRegister(EventHelp, router.HandlerSpec{
		Summary: "Full schema and emitted events for one event.",
		Params: []router.ParamSpec{
			{Name: "event", Type: "string", Required: true},
		},
	}, s.handleHelp)

	s.router.MustRegister(EventHealth, router.HandlerSpec{
		Summary: "Daemon liveness: uptime and registry size.",
	}, s.handleHealth)
}

// snapshot returns the cached registry view, rebuilding it when the
// registry generation moved.
func (s *Service) snapshot() (summaries, full []map[string]any) {
	gen := s.router.Generation()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation && s.summaries != nil {
		return s.summaries, s.full
	}

	regs := s.router.Registrations()
	names := make([]string, 0, len(regs))
	for name := range regs {
		names = append(names, name)
	}
	slices.Sort(names)

	s.summaries = make([]map[string]any, 0, len(names))
	s.full = make([]map[string]any, 0, len(names))
	for _, name := range names {
		for _, reg := range regs[name] {
			s.summaries = append(s.summaries, summarize(reg))
			s.full = append(s.full, expand(reg))
		}
	}
	s.generation = gen
	return s.summaries, s.full
}

func summarize(reg *router.Registration) map[string]any {
	out := map[string]any{"event": reg.Name}
	if reg.Spec.Summary != "" {
		out["summary"] = reg.Spec.Summary
	}
	if reg.Spec.Capability != "" {
		out["capability"] = reg.Spec.Capability
	}
	return out
}

func expand(reg *router.Registration) map[string]any {
	out := summarize(reg)
	if len(reg.Spec.Params) > 0 {
		out["params"] = reg.Spec.Params
	}
	if len(reg.Spec.Emits) > 0 {
		out["emits"] = reg.Spec.Emits
	}
	if reg.Spec.LongRunning {
		out["long_running"] = true
	}
	return out
}

func (s *Service) handleDiscover(ctx context.Context, inv *router.Invocation) (any, error) {
	namespace, _ := inv.Data["namespace"].(string)
	event, _ := inv.Data["event"].(string)
	level, _ := inv.Data["level"].(string)
	if level == "" {
		level = levelSummary
	}

	summaries, full := s.snapshot()
	entries := summaries
	if level == levelFull {
		entries = full
	}

	matched := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		name := entry["event"].(string)
		if event != "" && name != event {
			continue
		}
		if namespace != "" && !inNamespace(name, namespace) {
			continue
		}
		matched = append(matched, entry)
	}
	return map[string]any{"events": matched, "count": len(matched)}, nil
}

// inNamespace matches "completion" against "completion:async" but not
// against "completions:other".
func inNamespace(name, namespace string) bool {
	return strings.HasPrefix(name, namespace+":") || name == namespace
}

func (s *Service) handleHelp(ctx context.Context, inv *router.Invocation) (any, error) {
	event, _ := inv.Data["event"].(string)

	_, full := s.snapshot()
	var matches []map[string]any
	for _, entry := range full {
		if entry["event"] == event {
			matches = append(matches, entry)
		}
	}
	if len(matches) == 0 {
		return nil, models.NewError(models.KindNotFound, "event %s is not registered", event)
	}
	return map[string]any{"event": event, "handlers": matches}, nil
}

func (s *Service) handleHealth(ctx context.Context, inv *router.Invocation) (any, error) {
	out := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"events":         len(s.router.Registrations()),
		"generation":     s.router.Generation(),
	}
	for _, src := range s.sources {
		name, value := src()
		out[name] = value
	}
	return out, nil
}
