package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/kinship/internal/auth"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/registry"
	"github.com/dukerupert/kinship/internal/tree"
	"github.com/dukerupert/kinship/internal/workflow"
)

// TreeHandler serves the family graph and its direct mutations.
type TreeHandler struct {
	registry *registry.Registry
	events   registry.EventsFunc
	logger   *slog.Logger
}

// NewTreeHandler creates a handler. events may be nil; when set, committed
// changes are announced the same way workflow submissions are.
func NewTreeHandler(reg *registry.Registry, events registry.EventsFunc, logger *slog.Logger) *TreeHandler {
	return &TreeHandler{registry: reg, events: events, logger: logger}
}

func (h *TreeHandler) graph(w http.ResponseWriter, r *http.Request) (*tree.Graph, bool) {
	g, err := h.registry.Graph(r.Context(), auth.FamilyID(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return nil, false
	}
	return g, true
}

func (h *TreeHandler) Get(w http.ResponseWriter, r *http.Request) {
	g, ok := h.graph(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revision": g.Revision(),
		"people":   g.People(),
	})
}

func (h *TreeHandler) Audit(w http.ResponseWriter, r *http.Request) {
	g, ok := h.graph(w, r)
	if !ok {
		return
	}
	repaired, err := h.registry.Repaired(r.Context(), auth.FamilyID(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	violations := g.Validate()
	if violations == nil {
		violations = []tree.Violation{}
	}
	if repaired == nil {
		repaired = []tree.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": violations,
		"repaired":   repaired,
	})
}

func (h *TreeHandler) Person(w http.ResponseWriter, r *http.Request) {
	g, ok := h.graph(w, r)
	if !ok {
		return
	}
	p, err := g.Node(r.PathValue("id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *TreeHandler) Relatives(w http.ResponseWriter, r *http.Request) {
	g, ok := h.graph(w, r)
	if !ok {
		return
	}
	edge := model.RelationType(r.URL.Query().Get("edge"))
	if !edge.Valid() {
		writeError(w, http.StatusBadRequest, "edge must be parents, children or spouses")
		return
	}
	people, err := g.Relatives(r.PathValue("id"), edge)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if people == nil {
		people = []model.Person{}
	}
	writeJSON(w, http.StatusOK, people)
}

func (h *TreeHandler) Slots(w http.ResponseWriter, r *http.Request) {
	g, ok := h.graph(w, r)
	if !ok {
		return
	}
	slots, err := g.EmptySlots(r.PathValue("id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if slots == nil {
		slots = []tree.Slot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// Apply runs one relationship mutation outside the interactive workflow.
func (h *TreeHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var in tree.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	familyID := auth.FamilyID(r.Context())
	engine, err := h.registry.Engine(r.Context(), familyID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	d, err := engine.Apply(r.Context(), in)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.announce(r, workflow.Event{Type: workflow.EventRelationshipApplied, NodeID: in.AnchorID, Delta: d})
	writeJSON(w, http.StatusCreated, d)
}

func (h *TreeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var attrs model.PersonAttributes
	if !decodeJSON(w, r, &attrs) {
		return
	}
	engine, err := h.registry.Engine(r.Context(), auth.FamilyID(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	p, err := engine.CommitAttributes(r.Context(), r.PathValue("id"), attrs)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.announce(r, workflow.Event{Type: workflow.EventPersonUpdated, NodeID: p.ID, Person: &p})
	writeJSON(w, http.StatusOK, p)
}

func (h *TreeHandler) announce(r *http.Request, ev workflow.Event) {
	if h.events == nil {
		return
	}
	ac, _ := auth.FromContext(r.Context())
	h.events(ac.FamilyID, ac.SessionKey)(ev)
}
