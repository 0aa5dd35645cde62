package orchestration

import (
	"encoding/json"
	"log/slog"

	"github.com/ksi-project/ksi/pkg/models"
)

// Bubble implements router.Bubbler: an event carrying orchestration
// context is offered to its own orchestration and every ancestor whose
// subscription level covers the event's relative depth. Delivery is a
// message on the ancestor's orchestrator inbox. Runs on the dispatch
// goroutine, so it must not block.
//
// Relative depth counts from the receiving orchestration: its own agents
// emit at depth 1, agents one orchestration below at depth 2, and so on.
// Level -1 subscribes to the whole subtree.
func (s *Service) Bubble(ev *models.Event, isError bool) {
	if ev.Context == nil || ev.Context.OrchestrationID == "" {
		return
	}

	type target struct {
		orchestrator string
		id           string
	}
	var targets []target

	s.mu.RLock()
	eventDepth := ev.Context.OrchestrationDepth
	for id := ev.Context.OrchestrationID; id != ""; {
		rec, ok := s.orchs[id]
		if !ok {
			break
		}
		relDepth := eventDepth - rec.depth + 1
		level := rec.eventLevel
		if isError {
			level = rec.errorLevel
		}
		covered := level == -1 || relDepth <= level
		// An orchestrator does not receive its own emissions back.
		if covered && rec.orchestrator != "" && rec.orchestrator != ev.Context.AgentID {
			targets = append(targets, target{orchestrator: rec.orchestrator, id: id})
		}
		id = rec.parentID
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event":              ev.Name,
		"data":               ev.Data,
		"event_id":           ev.Context.EventID,
		"agent_id":           ev.Context.AgentID,
		"from_orchestration": ev.Context.OrchestrationID,
	})
	if err != nil {
		return
	}

	for _, tgt := range targets {
		if err := s.agents.SendMessage(tgt.orchestrator, string(payload), "orchestration:"+tgt.id); err != nil {
			slog.Debug("Bubbled delivery failed",
				"orchestration_id", tgt.id, "event", ev.Name, "error", err)
		}
	}
}
