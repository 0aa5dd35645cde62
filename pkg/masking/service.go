// Package masking scrubs secrets from event payloads before the router
// writes them to the durable log, so provider keys and tokens never reach
// disk. Patterns come in named built-in groups plus user-supplied regexes.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/ksi-project/ksi/pkg/config"
)

// Pattern is one masking rule before compilation.
type Pattern struct {
	Pattern     string
	Replacement string
	Description string
}

// compiledPattern pairs a compiled regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Service applies the resolved pattern set. Created once at startup;
// stateless after construction, so safe for the dispatch goroutine.
// Implements router.Masker.
type Service struct {
	enabled  bool
	patterns []*compiledPattern
}

// NewService compiles the configured pattern groups and custom patterns.
// Invalid patterns are logged and skipped, never fatal: a half-working
// masker beats no daemon.
func NewService(cfg config.MaskingConfig) *Service {
	s := &Service{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return s
	}

	builtin := builtinPatterns()
	groups := builtinGroups()
	seen := make(map[string]bool)

	for _, groupName := range cfg.PatternGroups {
		names, ok := groups[groupName]
		if !ok {
			slog.Warn("Unknown masking pattern group, skipping", "group", groupName)
			continue
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			s.compile(name, builtin[name])
		}
	}
	for i, p := range cfg.CustomPatterns {
		s.compile(fmt.Sprintf("custom:%d", i), Pattern{
			Pattern:     p.Pattern,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}

	slog.Info("Masking service initialized",
		"enabled", cfg.Enabled,
		"groups", cfg.PatternGroups,
		"compiled_patterns", len(s.patterns))
	return s
}

func (s *Service) compile(name string, p Pattern) {
	if p.Pattern == "" {
		return
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		slog.Error("Failed to compile masking pattern, skipping",
			"pattern", name, "error", err)
		return
	}
	s.patterns = append(s.patterns, &compiledPattern{
		name:        name,
		regex:       re,
		replacement: p.Replacement,
	})
}

// MaskString runs every compiled pattern over one string.
func (s *Service) MaskString(content string) string {
	if !s.enabled || content == "" {
		return content
	}
	masked := content
	for _, p := range s.patterns {
		masked = p.regex.ReplaceAllString(masked, p.replacement)
	}
	return masked
}

// MaskEventData deep-copies an event payload with every string value
// masked. Non-string leaves pass through untouched; the input map is
// never mutated, since the caller may still be serving it to a client.
func (s *Service) MaskEventData(data map[string]any) map[string]any {
	if !s.enabled || len(data) == 0 || len(s.patterns) == 0 {
		return data
	}
	return maskMap(data, s)
}

func maskMap(m map[string]any, s *Service) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = maskValue(v, s)
	}
	return out
}

func maskValue(v any, s *Service) any {
	switch val := v.(type) {
	case string:
		return s.MaskString(val)
	case map[string]any:
		return maskMap(val, s)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = maskValue(item, s)
		}
		return out
	default:
		return v
	}
}
