package models

// ScopeKind restricts which events a subscription can observe.
type ScopeKind string

const (
	// ScopeGlobal delivers every matching event.
	ScopeGlobal ScopeKind = "global"
	// ScopeOrchestration delivers matching events whose orchestration chain
	// passes through the scoped orchestration, up to MaxDepth levels below
	// it (-1 for the whole subtree).
	ScopeOrchestration ScopeKind = "orchestration"
	// ScopeAgent delivers matching events originating from a single agent.
	ScopeAgent ScopeKind = "agent"
)

// SubscriptionScope bounds a subscription to a part of the event space.
type SubscriptionScope struct {
	Kind            ScopeKind `json:"kind"`
	OrchestrationID string    `json:"orchestration_id,omitempty"`
	AgentID         string    `json:"agent_id,omitempty"`
	MaxDepth        int       `json:"max_depth,omitempty"`
}

// AgentStatus is the lifecycle state of a spawned agent.
type AgentStatus string

const (
	AgentSpawning    AgentStatus = "spawning"
	AgentReady       AgentStatus = "ready"
	AgentRunning     AgentStatus = "running"
	AgentIdle        AgentStatus = "idle"
	AgentTerminating AgentStatus = "terminating"
	AgentTerminated  AgentStatus = "terminated"
)

// Capability names an agent right checked by the router before dispatching
// agent-originated events.
const (
	CapSpawnAgents   = "spawn_agents"
	CapOrchestrate   = "orchestrate"
	CapStateWrite    = "state_write"
	CapCompletionAny = "completion.any"
)
