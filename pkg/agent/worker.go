package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ksi-project/ksi/pkg/models"
)

// inboxMessage is one queued message for an agent.
type inboxMessage struct {
	Message    string    `json:"message"`
	From       string    `json:"from,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// inboxQueue names the durable FIFO backing one agent's inbox.
func inboxQueue(agentID string) string { return "inbox:" + agentID }

// runInbox is the per-agent worker: it drains the agent's durable inbox in
// strict FIFO order, turning each message into a completion on the agent's
// current conversation.
func (s *Service) runInbox(ctx context.Context, agentID string, stop <-chan struct{}) {
	log := slog.With("agent_id", agentID)
	log.Debug("Agent inbox worker started")

	queue := inboxQueue(agentID)
	for {
		select {
		case <-stop:
			log.Debug("Agent inbox worker stopped")
			return
		case <-ctx.Done():
			return
		default:
		}

		var msg inboxMessage
		found, err := s.store.BPop(ctx, queue, time.Second, &msg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Inbox read failed", "error", err)
			continue
		}
		if !found {
			continue
		}

		s.setStatus(agentID, models.AgentRunning)
		s.router.Emit(&models.Event{
			Name: "completion:async",
			Data: map[string]any{
				"agent_id": agentID,
				"prompt":   msg.Message,
			},
		}, s.agentOrigin(agentID))
		s.setStatus(agentID, models.AgentIdle)
	}
}
