package websocket

import (
	"github.com/dukerupert/kinship/internal/workflow"
)

// WorkflowEvents returns a workflow.EventFunc that forwards events to the
// hub. Graph changes reach the whole family; the rest only reach the
// session that produced them.
func WorkflowEvents(hub *Hub, familyID int64, session string) workflow.EventFunc {
	return func(ev workflow.Event) {
		hub.Broadcast(EventMessage(familyID, session, ev))
	}
}

// EventMessage converts a workflow event into a hub message.
func EventMessage(familyID int64, session string, ev workflow.Event) Message {
	var msg Message
	switch ev.Type {
	case workflow.EventRelationshipApplied:
		msg = NewMessage("tree", "changed", ev.NodeID, map[string]any{"delta": ev.Delta})
	case workflow.EventPersonUpdated:
		msg = NewMessage("person", "updated", ev.NodeID, map[string]any{"person": ev.Person})
	default:
		msg = NewMessage("workflow", string(ev.Type), ev.NodeID, nil)
		extra := map[string]any{}
		if len(ev.Slots) > 0 {
			extra["slots"] = ev.Slots
		}
		if ev.Form != nil {
			extra["form"] = ev.Form
		}
		if len(extra) > 0 {
			msg.Extra = extra
		}
		msg.Session = session
	}
	msg.FamilyID = familyID
	return msg
}
