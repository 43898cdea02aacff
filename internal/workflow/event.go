package workflow

import (
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/tree"
)

type EventType string

const (
	EventNodeSelected        EventType = "node_selected"
	EventAddModeEntered      EventType = "add_mode_entered"
	EventAddModeExited       EventType = "add_mode_exited"
	EventFormOpened          EventType = "form_opened"
	EventEditOpened          EventType = "edit_opened"
	EventRelationshipApplied EventType = "relationship_applied"
	EventPersonUpdated       EventType = "person_updated"
	EventCancelled           EventType = "cancelled"
)

// Event tells the rendering layer what to show.
type Event struct {
	Type   EventType     `json:"type"`
	NodeID string        `json:"node_id,omitempty"`
	Slots  []tree.Slot   `json:"slots,omitempty"`
	Form   *Form         `json:"form,omitempty"`
	Delta  *tree.Delta   `json:"delta,omitempty"`
	Person *model.Person `json:"person,omitempty"`
}

// EventFunc receives workflow events. It is called without the workflow
// lock held and must not block for long.
type EventFunc func(Event)

func (w *Workflow) emit(evs []Event) {
	if w.events == nil {
		return
	}
	for _, ev := range evs {
		w.events(ev)
	}
}
