package composition

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"dario.cat/mergo"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/store"
)

// nsCompositions is the store namespace holding the component index.
const nsCompositions = "compositions"

// IndexEntry is what RebuildIndex persists per component.
type IndexEntry struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Type         string   `json:"type"`
	Path         string   `json:"path"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Loader resolves components from the composition directory, caching fully
// resolved (but unsubstituted) components by (name, version).
type Loader struct {
	root  string
	store *store.Store

	mu    sync.Mutex
	cache map[string]*Component
}

// NewLoader creates a loader over the composition root directory.
func NewLoader(root string, st *store.Store) *Loader {
	return &Loader{root: root, store: st, cache: make(map[string]*Component)}
}

// RebuildIndex walks the composition tree and re-persists the index.
// Returns the number of components indexed.
func (l *Loader) RebuildIndex() (int, error) {
	count := 0
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".md":
		default:
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		c, err := parseFile(l.root, rel)
		if err != nil {
			slog.Warn("Skipping unparsable component", "path", rel, "error", err)
			return nil
		}
		entry := IndexEntry{
			Name:         c.Name,
			Version:      c.Version,
			Type:         c.Type,
			Path:         rel,
			Capabilities: c.Capabilities,
		}
		if err := l.store.Set(nsCompositions, c.Key(), entry); err != nil {
			return err
		}
		// The bare name resolves to the most recently indexed version.
		if err := l.store.Set(nsCompositions, c.Name, entry); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, models.WrapError(models.KindIO, err, "rebuilding composition index")
	}
	slog.Info("Composition index rebuilt", "components", count, "root", l.root)
	return count, nil
}

// Reload clears the resolution cache and rebuilds the index.
func (l *Loader) Reload() (int, error) {
	l.mu.Lock()
	l.cache = make(map[string]*Component)
	l.mu.Unlock()
	return l.RebuildIndex()
}

// List returns the index entries, optionally filtered by component type.
func (l *Loader) List(componentType string) ([]IndexEntry, error) {
	keys, _, err := l.store.List(nsCompositions, "", 0, "")
	if err != nil {
		return nil, models.WrapError(models.KindIO, err, "listing compositions")
	}
	var entries []IndexEntry
	for _, key := range keys {
		// Versioned keys only; the bare-name aliases would duplicate.
		if !strings.Contains(key, "@") {
			continue
		}
		var entry IndexEntry
		if err := l.store.Get(nsCompositions, key, &entry); err != nil {
			continue
		}
		if componentType != "" && entry.Type != componentType {
			continue
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b IndexEntry) int {
		return strings.Compare(a.Name+"@"+a.Version, b.Name+"@"+b.Version)
	})
	return entries, nil
}

// Resolve returns the fully-resolved component: extends chain and mixins
// merged, per-type validation applied, variables left unsubstituted. An
// empty version resolves through the bare-name alias.
func (l *Loader) Resolve(name, version string) (*Component, error) {
	return l.resolve(name, version, map[string]bool{})
}

// Load resolves a component and substitutes its variables, with vars
// overriding the component's declared defaults. Placeholders outside the
// declared set are rejected.
func (l *Loader) Load(name, version string, vars map[string]any) (*Component, error) {
	resolved, err := l.Resolve(name, version)
	if err != nil {
		return nil, err
	}
	c := resolved.clone()

	scope := map[string]any{}
	for k, v := range c.Variables {
		scope[k] = v
	}
	for k, v := range vars {
		if _, declared := scope[k]; !declared {
			return nil, models.NewError(models.KindInvalidArgument,
				"component %s does not declare variable %q", name, k)
		}
		scope[k] = v
	}

	spec, err := substituteValue(c.Spec, scope)
	if err != nil {
		return nil, models.WrapError(models.KindInvalidArgument, err,
			"substituting variables in %s", name)
	}
	c.Spec = spec.(map[string]any)
	return c, nil
}

func (l *Loader) resolve(name, version string, visiting map[string]bool) (*Component, error) {
	key := name
	if version != "" {
		key = name + "@" + version
	}
	if visiting[key] {
		return nil, models.NewError(models.KindInvalidArgument,
			"composition inheritance cycle through %s", key)
	}
	visiting[key] = true
	defer delete(visiting, key)

	l.mu.Lock()
	cached, ok := l.cache[key]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	var entry IndexEntry
	if err := l.store.Get(nsCompositions, key, &entry); err != nil {
		if store.IsNotFound(err) {
			return nil, models.NewError(models.KindNotFound, "composition %s not found", key)
		}
		return nil, models.WrapError(models.KindIO, err, "loading composition index for %s", key)
	}

	c, err := parseFile(l.root, entry.Path)
	if err != nil {
		return nil, models.WrapError(models.KindIO, err, "loading composition %s", key)
	}

	// Merge order: extends base first, then mixins in declaration order,
	// then the component's own values on top.
	merged := &Component{
		Name:      c.Name,
		Version:   c.Version,
		Type:      c.Type,
		Path:      c.Path,
		Variables: map[string]any{},
		Spec:      map[string]any{},
	}
	var bases []*Component
	if c.Extends != "" {
		base, err := l.resolve(c.Extends, "", visiting)
		if err != nil {
			return nil, fmt.Errorf("resolving base of %s: %w", key, err)
		}
		bases = append(bases, base)
	}
	for _, mixin := range c.Mixins {
		m, err := l.resolve(mixin, "", visiting)
		if err != nil {
			return nil, fmt.Errorf("resolving mixin of %s: %w", key, err)
		}
		bases = append(bases, m)
	}
	bases = append(bases, c)

	capSet := map[string]bool{}
	for _, layer := range bases {
		if err := mergo.Merge(&merged.Spec, layer.Spec, mergo.WithOverride); err != nil {
			return nil, models.WrapError(models.KindInternal, err, "merging %s", key)
		}
		if err := mergo.Merge(&merged.Variables, layer.Variables, mergo.WithOverride); err != nil {
			return nil, models.WrapError(models.KindInternal, err, "merging %s", key)
		}
		for _, cap := range layer.Capabilities {
			capSet[cap] = true
		}
	}
	for cap := range capSet {
		merged.Capabilities = append(merged.Capabilities, cap)
	}
	slices.Sort(merged.Capabilities)

	if err := merged.validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[key] = merged
	l.mu.Unlock()
	return merged, nil
}

func (c *Component) clone() *Component {
	out := *c
	out.Capabilities = slices.Clone(c.Capabilities)
	out.Mixins = slices.Clone(c.Mixins)
	out.Variables = deepCopyMap(c.Variables)
	out.Spec = deepCopyMap(c.Spec)
	return &out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// substituteValue replaces {{var}} placeholders throughout a value tree. A
// string that is exactly one placeholder takes the variable's native type.
func substituteValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			sub, err := substituteValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			sub, err := substituteValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case string:
		return substituteString(val, scope)
	default:
		return v, nil
	}
}

func substituteString(s string, scope map[string]any) (any, error) {
	// Lone placeholder: preserve the variable's type.
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		val, ok := scope[m[1]]
		if !ok {
			return nil, fmt.Errorf("undeclared variable %q", m[1])
		}
		return val, nil
	}

	var subErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := scope[name]
		if !ok {
			subErr = fmt.Errorf("undeclared variable %q", name)
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if subErr != nil {
		return nil, subErr
	}
	return out, nil
}
