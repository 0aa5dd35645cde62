package router

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ksi-project/ksi/pkg/models"
)

// TransformerRule is one declarative routing rule as written in YAML. On
// every event matching Source (a glob over event names) and Condition, the
// router synthesizes a new event named Target with data built from Mapping.
type TransformerRule struct {
	// Name identifies the rule in logs and in the agent-rule registry.
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`

	// Condition is a boolean expression over data.* and context.* fields,
	// e.g. `data.status == "failed" && context.depth > 1`. Empty means
	// always.
	Condition string `yaml:"condition,omitempty"`

	// Mapping is a template object: string values may interpolate
	// {{data.x}} and {{context.y}}; a value that is exactly one placeholder
	// keeps the referenced value's type.
	Mapping map[string]any `yaml:"mapping"`

	// Async is accepted in rule files but does not change dispatch:
	// synthesized events always inherit the source event's correlation
	// chain and are never awaited by the rule that produced them.
	Async bool `yaml:"async,omitempty"`

	// OwnerAgentID is set for rules added at runtime by an agent; they are
	// removed when the agent terminates.
	OwnerAgentID string `yaml:"-"`
}

// transformerFile is the on-disk shape: one YAML document per file holding a
// list of rules.
type transformerFile struct {
	Transformers []TransformerRule `yaml:"transformers"`
}

// compiledRule is a validated rule ready for matching.
type compiledRule struct {
	rule TransformerRule
	cond *condition
}

// transformerEngine holds the active rule set behind an atomic pointer so
// hot reload swaps it without locking the dispatch path.
type transformerEngine struct {
	rules atomic.Pointer[[]compiledRule]

	// agentRules are runtime rules added through router:transformer:add,
	// merged over the file-loaded set on every swap.
	agentRules atomic.Pointer[[]compiledRule]
	fileRules  atomic.Pointer[[]compiledRule]
}

func newTransformerEngine() *transformerEngine {
	e := &transformerEngine{}
	empty := []compiledRule{}
	e.fileRules.Store(&empty)
	e.agentRules.Store(&empty)
	e.rules.Store(&empty)
	return e
}

// compileRule validates one rule.
func compileRule(rule TransformerRule) (compiledRule, error) {
	if rule.Source == "" {
		return compiledRule{}, fmt.Errorf("transformer %q has no source", rule.Name)
	}
	if _, err := path.Match(rule.Source, "probe:event"); err != nil {
		return compiledRule{}, fmt.Errorf("transformer %q has bad source glob: %w", rule.Name, err)
	}
	if err := models.ValidateEventName(rule.Target); err != nil {
		return compiledRule{}, fmt.Errorf("transformer %q: %w", rule.Name, err)
	}
	cond, err := parseCondition(rule.Condition)
	if err != nil {
		return compiledRule{}, fmt.Errorf("transformer %q: %w", rule.Name, err)
	}
	return compiledRule{rule: rule, cond: cond}, nil
}

// LoadDir parses and validates every *.yaml file under dir, then swaps the
// file-loaded rule set atomically. A validation failure in any file aborts
// the whole load, keeping the previous set active.
func (e *transformerEngine) LoadDir(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	var compiled []compiledRule
	for _, file := range matches {
		data, err := os.ReadFile(file)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", filepath.Base(file), err)
		}
		var doc transformerFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return 0, fmt.Errorf("parsing %s: %w", filepath.Base(file), err)
		}
		for _, rule := range doc.Transformers {
			cr, err := compileRule(rule)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", filepath.Base(file), err)
			}
			compiled = append(compiled, cr)
		}
	}

	e.fileRules.Store(&compiled)
	e.swap()
	return len(compiled), nil
}

// AddAgentRule installs a runtime rule owned by an agent.
func (e *transformerEngine) AddAgentRule(rule TransformerRule) error {
	cr, err := compileRule(rule)
	if err != nil {
		return models.WrapError(models.KindInvalidArgument, err, "invalid transformer rule")
	}
	current := *e.agentRules.Load()
	for _, existing := range current {
		if existing.rule.Name == rule.Name {
			return models.NewError(models.KindConflict, "transformer rule %q already exists", rule.Name)
		}
	}
	next := append(append([]compiledRule(nil), current...), cr)
	e.agentRules.Store(&next)
	e.swap()
	return nil
}

// RemoveAgentRule removes one runtime rule by name, verifying ownership.
func (e *transformerEngine) RemoveAgentRule(name, agentID string) error {
	current := *e.agentRules.Load()
	next := make([]compiledRule, 0, len(current))
	found := false
	for _, cr := range current {
		if cr.rule.Name == name {
			if agentID != "" && cr.rule.OwnerAgentID != agentID {
				return models.NewError(models.KindPermissionDenied,
					"transformer rule %q is not owned by agent %s", name, agentID)
			}
			found = true
			continue
		}
		next = append(next, cr)
	}
	if !found {
		return models.NewError(models.KindNotFound, "transformer rule %q not found", name)
	}
	e.agentRules.Store(&next)
	e.swap()
	return nil
}

// RemoveAgentRules drops every rule owned by an agent (called on terminate).
func (e *transformerEngine) RemoveAgentRules(agentID string) int {
	current := *e.agentRules.Load()
	next := make([]compiledRule, 0, len(current))
	removed := 0
	for _, cr := range current {
		if cr.rule.OwnerAgentID == agentID {
			removed++
			continue
		}
		next = append(next, cr)
	}
	if removed > 0 {
		e.agentRules.Store(&next)
		e.swap()
	}
	return removed
}

// swap rebuilds the active set from file and agent rules.
func (e *transformerEngine) swap() {
	file := *e.fileRules.Load()
	agents := *e.agentRules.Load()
	merged := make([]compiledRule, 0, len(file)+len(agents))
	merged = append(merged, file...)
	merged = append(merged, agents...)
	e.rules.Store(&merged)
}

// Rules returns a snapshot of the active rules.
func (e *transformerEngine) Rules() []TransformerRule {
	active := *e.rules.Load()
	out := make([]TransformerRule, len(active))
	for i, cr := range active {
		out[i] = cr.rule
	}
	return out
}

// apply returns the events synthesized from ev by the active rule set.
func (e *transformerEngine) apply(ev *models.Event) []*models.Event {
	active := *e.rules.Load()
	var out []*models.Event
	for _, cr := range active {
		if ok, _ := path.Match(cr.rule.Source, ev.Name); !ok {
			continue
		}
		if cr.cond != nil && !cr.cond.eval(ev) {
			continue
		}
		out = append(out, &models.Event{
			Name: cr.rule.Target,
			Data: applyMapping(cr.rule.Mapping, ev),
		})
	}
	return out
}

// Watch reloads the rule directory whenever a YAML file in it changes.
// Blocks until ctx is done; callers run it in its own goroutine.
func (e *transformerEngine) Watch(done <-chan struct{}, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating transformer watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	log := slog.With("dir", dir)
	log.Info("Watching transformer directory for changes")

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			count, err := e.LoadDir(dir)
			if err != nil {
				// Keep the previous set; a broken file must not take down
				// the live rules.
				log.Error("Transformer reload failed, keeping previous rules", "error", err)
				continue
			}
			log.Info("Transformers reloaded", "rules", count, "trigger", filepath.Base(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Transformer watcher error", "error", err)
		}
	}
}

// applyMapping instantiates a mapping template against an event.
func applyMapping(mapping map[string]any, ev *models.Event) map[string]any {
	out := make(map[string]any, len(mapping))
	for k, v := range mapping {
		out[k] = applyMappingValue(v, ev)
	}
	return out
}

func applyMappingValue(v any, ev *models.Event) any {
	switch val := v.(type) {
	case string:
		return interpolate(val, ev)
	case map[string]any:
		return applyMapping(val, ev)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = applyMappingValue(item, ev)
		}
		return out
	default:
		return v
	}
}

// interpolate substitutes {{data.x}} and {{context.y}} placeholders. A
// string that is exactly one placeholder returns the referenced value with
// its original type; otherwise placeholders are rendered into the string.
func interpolate(s string, ev *models.Event) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		pathExpr := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if v, ok := lookupField(ev, pathExpr); ok {
			return v
		}
		return nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		pathExpr := strings.TrimSpace(rest[start+2 : start+end])
		if v, ok := lookupField(ev, pathExpr); ok {
			fmt.Fprintf(&b, "%v", v)
		}
		rest = rest[start+end+2:]
	}
	return b.String()
}

// lookupField resolves a dotted path like data.user.name or context.agent_id.
func lookupField(ev *models.Event, pathExpr string) (any, bool) {
	parts := strings.Split(pathExpr, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var current any
	switch parts[0] {
	case "data":
		current = any(ev.Data)
	case "context":
		current = contextFields(ev.Context)
	default:
		return nil, false
	}
	for _, part := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// contextFields exposes the context as a flat map for conditions and
// mappings.
func contextFields(ctx *models.EventContext) map[string]any {
	if ctx == nil {
		return map[string]any{}
	}
	return map[string]any{
		"event_id":              ctx.EventID,
		"correlation_id":        ctx.CorrelationID,
		"parent_event_id":       ctx.ParentEventID,
		"root_event_id":         ctx.RootEventID,
		"depth":                 ctx.Depth,
		"agent_id":              ctx.AgentID,
		"client_id":             ctx.ClientID,
		"orchestration_id":      ctx.OrchestrationID,
		"orchestration_depth":   ctx.OrchestrationDepth,
		"root_orchestration_id": ctx.RootOrchestrationID,
	}
}
