package router

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// CapabilityPolicy maps event name patterns to the capability an agent must
// hold to emit them. Events not covered by any pattern are open to every
// agent. Handler-declared capabilities (HandlerSpec.Capability) are checked
// in addition to the policy.
type CapabilityPolicy struct {
	rules []policyRule
}

type policyRule struct {
	Pattern    string `yaml:"pattern"`
	Capability string `yaml:"capability"`
}

type policyFile struct {
	Rules []policyRule `yaml:"rules"`
}

// LoadCapabilityPolicy reads the policy YAML. An empty path yields an empty
// policy (handler-declared capabilities still apply).
func LoadCapabilityPolicy(path string) (*CapabilityPolicy, error) {
	if path == "" {
		return &CapabilityPolicy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capability policy %s: %w", path, err)
	}
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing capability policy: %w", err)
	}
	for _, rule := range doc.Rules {
		if rule.Pattern == "" || rule.Capability == "" {
			return nil, fmt.Errorf("capability policy rule needs both pattern and capability")
		}
	}
	return &CapabilityPolicy{rules: doc.Rules}, nil
}

// Required returns the capabilities needed to emit eventName, from every
// matching pattern.
func (p *CapabilityPolicy) Required(eventName string) []string {
	var caps []string
	for _, rule := range p.rules {
		if ok, _ := path.Match(rule.Pattern, eventName); ok {
			caps = append(caps, rule.Capability)
		}
	}
	return caps
}
