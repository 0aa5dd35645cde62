package models

import "time"

// RequestStatus is the lifecycle state of one completion request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestActive    RequestStatus = "active"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestFailed, RequestCancelled:
		return true
	}
	return false
}

// Request is one outstanding completion. SessionID stays empty until the
// provider returns one; the daemon never invents a session id.
type Request struct {
	RequestID string        `json:"request_id"`
	AgentID   string        `json:"agent_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Status    RequestStatus `json:"status"`

	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt,omitempty"`
	Messages []Message      `json:"messages,omitempty"`
	Options  map[string]any `json:"options,omitempty"`

	Attempt    int       `json:"attempt"`
	FailKind   ErrorKind `json:"fail_kind,omitempty"`
	FailReason string    `json:"fail_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// MessageRole is the author of one conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation turn inside a completion prompt.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Usage is the token accounting a provider reports for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// SessionLock marks the single request currently allowed to run against a
// session. Expired locks are reclaimable.
type SessionLock struct {
	HolderRequestID string    `json:"holder_request_id"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its deadline.
func (l *SessionLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// SessionMeta describes one real provider-minted conversation. At most one
// request holds the lock at a time.
type SessionMeta struct {
	SessionID    string       `json:"session_id"`
	AgentID      string       `json:"agent_id,omitempty"`
	LastActivity time.Time    `json:"last_activity"`
	Lock         *SessionLock `json:"lock,omitempty"`
}
