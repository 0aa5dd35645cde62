// Package composition loads the daemon's declarative component tree:
// agent profiles, behaviors, orchestration patterns and transformer sets,
// written as YAML or markdown-with-frontmatter files. Components support
// inheritance (extends), mixins, and a closed set of variable
// interpolations. Content is immutable at runtime; reload is explicit.
package composition

import (
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ksi-project/ksi/pkg/models"
)

// Component types.
const (
	TypeProfile        = "profile"
	TypeBehavior       = "behavior"
	TypePattern        = "pattern"
	TypeTransformerSet = "transformer_set"
)

// Component is one fully-resolved declarative bundle.
type Component struct {
	Name         string         `yaml:"name" json:"name"`
	Version      string         `yaml:"version" json:"version"`
	Type         string         `yaml:"type" json:"type"`
	Extends      string         `yaml:"extends,omitempty" json:"extends,omitempty"`
	Mixins       []string       `yaml:"mixins,omitempty" json:"mixins,omitempty"`
	Capabilities []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Variables    map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Spec         map[string]any `yaml:"spec,omitempty" json:"spec,omitempty"`

	// Path is where the component was loaded from, relative to the
	// composition root. Not part of the canonical form.
	Path string `yaml:"-" json:"path,omitempty"`
}

// Key identifies a component in the cache and the store index.
func (c *Component) Key() string { return c.Name + "@" + c.Version }

// Canonical renders the resolved component in its stable form: YAML with
// sorted map keys and resolution artifacts (extends, mixins) removed.
// Parsing the output and canonicalizing again yields identical bytes.
func (c *Component) Canonical() ([]byte, error) {
	flat := Component{
		Name:         c.Name,
		Version:      c.Version,
		Type:         c.Type,
		Capabilities: slices.Clone(c.Capabilities),
		Variables:    c.Variables,
		Spec:         c.Spec,
	}
	slices.Sort(flat.Capabilities)
	return yaml.Marshal(&flat)
}

// PatternAgent is one agent slot declared by an orchestration pattern.
type PatternAgent struct {
	Name          string   `json:"name"`
	Profile       string   `json:"profile"`
	InitialPrompt string   `json:"initial_prompt,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Pattern is the typed view of a pattern component's spec.
type Pattern struct {
	Agents                 []PatternAgent `json:"agents"`
	EventSubscriptionLevel int            `json:"event_subscription_level"`
	ErrorSubscriptionLevel int            `json:"error_subscription_level"`
}

// AsPattern decodes a pattern component's spec. Subscription levels default
// to 1 (direct events only) and -1 (all errors).
func (c *Component) AsPattern() (*Pattern, error) {
	if c.Type != TypePattern {
		return nil, models.NewError(models.KindInvalidArgument,
			"component %s is a %s, not a pattern", c.Name, c.Type)
	}
	p := &Pattern{EventSubscriptionLevel: 1, ErrorSubscriptionLevel: -1}

	if lvl, ok := asInt(c.Spec["event_subscription_level"]); ok {
		p.EventSubscriptionLevel = lvl
	}
	if lvl, ok := asInt(c.Spec["error_subscription_level"]); ok {
		p.ErrorSubscriptionLevel = lvl
	}

	raw, _ := c.Spec["agents"].([]any)
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, models.NewError(models.KindInvalidArgument,
				"pattern %s: agents[%d] is not a mapping", c.Name, i)
		}
		agent := PatternAgent{}
		agent.Name, _ = m["name"].(string)
		agent.Profile, _ = m["profile"].(string)
		agent.InitialPrompt, _ = m["initial_prompt"].(string)
		if caps, ok := m["capabilities"].([]any); ok {
			for _, cap := range caps {
				if str, ok := cap.(string); ok {
					agent.Capabilities = append(agent.Capabilities, str)
				}
			}
		}
		if agent.Profile == "" {
			return nil, models.NewError(models.KindInvalidArgument,
				"pattern %s: agents[%d] has no profile", c.Name, i)
		}
		if agent.Name == "" {
			agent.Name = fmt.Sprintf("agent-%d", i)
		}
		p.Agents = append(p.Agents, agent)
	}
	return p, nil
}

// validate enforces the per-type structural rules.
func (c *Component) validate() error {
	switch c.Type {
	case TypeProfile, TypeBehavior:
		// Free-form spec.
	case TypePattern:
		p, err := c.AsPattern()
		if err != nil {
			return err
		}
		if len(p.Agents) == 0 {
			return models.NewError(models.KindInvalidArgument,
				"pattern %s declares no agents", c.Name)
		}
	case TypeTransformerSet:
		if _, ok := c.Spec["transformers"].([]any); !ok {
			return models.NewError(models.KindInvalidArgument,
				"transformer set %s has no transformers list", c.Name)
		}
	default:
		return models.NewError(models.KindInvalidArgument,
			"component %s has unknown type %q", c.Name, c.Type)
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
