package models

import (
	"fmt"
	"strings"
	"time"
)

// Event is the universal message exchanged between clients, handlers, and
// services. Name is "namespace:verb" (lower-case ASCII). Data is the
// handler-visible payload. Context is system-managed: it is assigned on
// ingress and never trusted from the wire.
type Event struct {
	Name    string         `json:"event"`
	Data    map[string]any `json:"data"`
	Context *EventContext  `json:"context,omitempty"`
}

// EventContext carries correlation and orchestration metadata for one
// dispatched event. Handlers may read it; only the router writes it.
type EventContext struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	ParentEventID string    `json:"parent_event_id,omitempty"`
	RootEventID   string    `json:"root_event_id"`
	Depth         int       `json:"depth"`

	AgentID  string `json:"agent_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`

	OrchestrationID     string `json:"orchestration_id,omitempty"`
	OrchestrationDepth  int    `json:"orchestration_depth,omitempty"`
	RootOrchestrationID string `json:"root_orchestration_id,omitempty"`
}

// Child derives the context for an event emitted while handling the event
// that owns c: same correlation chain and orchestration chain, depth+1.
// EventID and Timestamp are left for the router to assign.
func (c *EventContext) Child() *EventContext {
	return &EventContext{
		CorrelationID:       c.CorrelationID,
		ParentEventID:       c.EventID,
		RootEventID:         c.RootEventID,
		Depth:               c.Depth + 1,
		AgentID:             c.AgentID,
		ClientID:            c.ClientID,
		OrchestrationID:     c.OrchestrationID,
		OrchestrationDepth:  c.OrchestrationDepth,
		RootOrchestrationID: c.RootOrchestrationID,
	}
}

// ValidateEventName checks the "namespace:verb" form: lower-case ASCII
// letters, digits, '_' and '.', with at least one ':' separator.
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("event name is empty")
	}
	idx := strings.IndexByte(name, ':')
	if idx <= 0 || idx == len(name)-1 {
		return fmt.Errorf("event name %q must have the form namespace:verb", name)
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == ':' || ch == '_' || ch == '.':
		default:
			return fmt.Errorf("event name %q contains invalid character %q", name, ch)
		}
	}
	return nil
}

// Namespace returns the part of an event name before the first ':'.
func Namespace(name string) string {
	if idx := strings.IndexByte(name, ':'); idx > 0 {
		return name[:idx]
	}
	return name
}
