package agent

import "github.com/haasonsaas/steward/pkg/models"

// repairTurnEvents makes a restored transcript replayable. A turn that was
// interrupted mid-dispatch can hold requests without results; those get a
// cancelled result so every backend accepts the projected history. Results
// that answer no request are dropped.
func repairTurnEvents(events []models.Event) []models.Event {
	if len(events) == 0 {
		return events
	}

	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	repaired := make([]models.Event, 0, len(events))

	for _, ev := range events {
		switch ev.Kind {
		case models.EventToolCallRequest:
			if ev.ToolCall == nil || ev.ToolCall.ID == "" {
				continue
			}
			pending[ev.ToolCall.ID] = struct{}{}
			pendingOrder = append(pendingOrder, ev.ToolCall.ID)
			repaired = append(repaired, ev)
		case models.EventToolCallResult, models.EventToolCallError:
			if ev.Result == nil {
				continue
			}
			if _, ok := pending[ev.Result.ToolCallID]; !ok {
				continue
			}
			delete(pending, ev.Result.ToolCallID)
			pendingOrder = removeID(pendingOrder, ev.Result.ToolCallID)
			repaired = append(repaired, ev)
		default:
			repaired = append(repaired, ev)
		}
	}

	for _, id := range pendingOrder {
		repaired = append(repaired, models.NewToolCallError(id, string(KindCancelled), "tool call interrupted before it produced a result"))
	}
	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
