// Package llm abstracts the external model providers. The daemon never
// speaks to a model API directly; each provider is a CLI the daemon spawns
// per request, feeding it JSON on stdin and reading NDJSON progress and a
// terminal result from stdout. Session ids are minted by providers and
// merely carried here.
package llm

import (
	"context"
	"slices"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/models"
)

// Request is one completion call handed to a provider.
type Request struct {
	RequestID string           `json:"request_id"`
	Model     string           `json:"model"`
	SessionID string           `json:"session_id,omitempty"`
	Prompt    string           `json:"prompt,omitempty"`
	Messages  []models.Message `json:"messages,omitempty"`
	Options   map[string]any   `json:"options,omitempty"`
}

// Progress is an intermediate update streamed while a call runs.
type Progress struct {
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Result is the terminal outcome of one provider call: either a completion
// (Text, SessionID, Usage) or a failure (Err non-nil).
type Result struct {
	SessionID string       `json:"session_id,omitempty"`
	Text      string       `json:"text,omitempty"`
	Usage     models.Usage `json:"usage,omitzero"`

	Err *models.Error `json:"-"`
}

// Provider runs completion calls against one external model backend.
//
// Run returns immediately; the progress channel carries zero or more
// updates and is closed before the result channel delivers exactly one
// Result. Cancelling ctx aborts the call (for CLI providers, by killing
// the child process) and yields a Result with a cancelled error.
type Provider interface {
	Name() string
	Run(ctx context.Context, req Request) (<-chan Progress, <-chan Result)
}

// Registry resolves provider names to Provider implementations and checks
// model routing restrictions.
type Registry struct {
	providers map[string]Provider
	models    map[string][]string
}

// NewRegistry builds CLI providers for every configured provider entry.
func NewRegistry(cfg map[string]config.ProviderConfig) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(cfg)),
		models:    make(map[string][]string, len(cfg)),
	}
	for name, pc := range cfg {
		r.providers[name] = NewCLIProvider(name, pc)
		r.models[name] = pc.Models
	}
	return r
}

// Register adds or replaces a provider, mainly for tests wiring stubs.
func (r *Registry) Register(p Provider, allowedModels ...string) {
	r.providers[p.Name()] = p
	r.models[p.Name()] = allowedModels
}

// Get resolves a provider by name and verifies the model is routable to it.
func (r *Registry) Get(provider, model string) (Provider, error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, models.NewError(models.KindInvalidArgument, "unknown provider %q", provider)
	}
	allowed := r.models[provider]
	if len(allowed) > 0 && !slices.Contains(allowed, model) {
		return nil, models.NewError(models.KindInvalidArgument,
			"model %q is not routable to provider %q", model, provider)
	}
	return p, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
