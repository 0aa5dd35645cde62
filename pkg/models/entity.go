package models

import "time"

// Well-known entity types. User-defined types are also accepted anywhere an
// entity type is expected.
const (
	TypeAgent         = "agent"
	TypeOrchestration = "orchestration"
	TypeSession       = "session"
	TypeComposition   = "composition"
	TypeRequest       = "request"
	TypeSandbox       = "sandbox"
)

// Well-known relationship kinds.
const (
	KindSpawned      = "spawned"
	KindParentOf     = "parent_of"
	KindOwns         = "owns"
	KindSubscribesTo = "subscribes_to"
	KindDependsOn    = "depends_on"
)

// EntityRef identifies a graph node by (type, id).
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Entity is a typed, mutable property bag in the graph store.
type Entity struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Ref returns the entity's (type, id) handle.
func (e *Entity) Ref() EntityRef { return EntityRef{Type: e.Type, ID: e.ID} }

// Relationship is a directed, typed edge between two entities. Edges marked
// Owning are followed by cascade deletes of the From entity.
type Relationship struct {
	From       EntityRef      `json:"from"`
	Kind       string         `json:"kind"`
	To         EntityRef      `json:"to"`
	Owning     bool           `json:"owning,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
