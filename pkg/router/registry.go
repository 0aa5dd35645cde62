// Package router is the daemon's event bus: it owns the handler registry,
// assigns event context, appends every dispatched event to the durable log,
// applies declarative transformers, performs orchestration bubble-up, and
// fans events out to subscriptions. All of that happens on a single dispatch
// goroutine, which is the serialization point for context and log order.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ksi-project/ksi/pkg/models"
)

// ParamSpec declares one handler parameter. The registry compiles the full
// parameter list into a JSON schema; invalid input fails with
// invalid_argument before the handler body runs.
type ParamSpec struct {
	Name          string `json:"name"`
	Type          string `json:"type"` // string | number | integer | boolean | object | array
	Required      bool   `json:"required"`
	AllowedValues []any  `json:"allowed_values,omitempty"`
	Description   string `json:"description,omitempty"`
	Default       any    `json:"default,omitempty"`
}

// HandlerSpec is the declarative half of a handler registration. Discovery
// serves it verbatim; the router enforces Params and Capability.
type HandlerSpec struct {
	Summary string `json:"summary,omitempty"`

	// Params describe the event's data object. An empty list means any
	// object is accepted.
	Params []ParamSpec `json:"params,omitempty"`

	// Emits lists event names this handler is known to emit.
	Emits []string `json:"emits,omitempty"`

	// Capability, when set, must be in an originating agent's active
	// capability set for the event to dispatch.
	Capability string `json:"capability,omitempty"`

	// LongRunning marks handlers that return immediately and surface
	// progress through follow-up events.
	LongRunning bool `json:"long_running,omitempty"`
}

// Invocation is what a handler receives: the validated data payload, the
// router-assigned context, and an emitter for follow-up events. Emitted
// events are dispatched after the current handler returns, inheriting the
// current context (parent id, correlation, depth+1).
type Invocation struct {
	Data    map[string]any
	Context *models.EventContext

	emitted []*models.Event
}

// Emit queues a follow-up event. It is dispatched after the handler returns.
func (inv *Invocation) Emit(name string, data map[string]any) {
	inv.emitted = append(inv.emitted, &models.Event{Name: name, Data: data})
}

// Handler processes one event. Returning an error converts it to a typed
// error frame for the caller plus a system:error event for subscribers.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Registration pairs a handler with its declared spec.
type Registration struct {
	Name string
	Spec HandlerSpec

	fn     Handler
	schema *jsonschema.Schema
}

// registry maps event names to their ordered handler list.
type registry struct {
	mu         sync.RWMutex
	handlers   map[string][]*Registration
	generation uint64
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]*Registration)}
}

// Register adds a handler for an event name. Multiple handlers per name run
// in registration order.
func (r *registry) register(name string, spec HandlerSpec, fn Handler) error {
	if err := models.ValidateEventName(name); err != nil {
		return err
	}
	schema, err := compileParamSchema(name, spec.Params)
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], &Registration{
		Name:   name,
		Spec:   spec,
		fn:     fn,
		schema: schema,
	})
	r.generation++
	return nil
}

func (r *registry) lookup(name string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Generation increments on every registration; discovery uses it as a cache
// invalidation key.
func (r *registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// all returns every registration, for discovery.
func (r *registry) all() map[string][]*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*Registration, len(r.handlers))
	for name, regs := range r.handlers {
		out[name] = append([]*Registration(nil), regs...)
	}
	return out
}

// compileParamSchema turns a ParamSpec list into a compiled JSON schema.
// nil params yields a nil schema, meaning any object is accepted.
func compileParamSchema(name string, params []ParamSpec) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}

	properties := make(map[string]any, len(params))
	var required []any
	for _, p := range params {
		prop := map[string]any{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.AllowedValues) > 0 {
			prop["enum"] = p.AllowedValues
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	c := jsonschema.NewCompiler()
	// Event names contain ':'; a URL host cannot, so the name becomes a
	// path segment.
	url := "ksi:///" + strings.ReplaceAll(name, ":", "/") + "/params.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateData checks data against the registration's schema.
func (reg *Registration) validateData(data map[string]any) error {
	if reg.schema == nil {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := reg.schema.Validate(normalizeJSON(data)); err != nil {
		return models.WrapError(models.KindInvalidArgument, err, "invalid data for %s", reg.Name)
	}
	return nil
}

// normalizeJSON rewrites Go-native values into the shapes the schema
// validator expects (it only understands the encoding/json value set).
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
