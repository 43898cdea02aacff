package tree

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukerupert/kinship/internal/model"
)

// Graph is the in-memory arena of Person nodes for one family. Reads are
// safe from any goroutine; mutations go through Engine and LinkAccount.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[string]*model.Person
	order    []string
	revision uint64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*model.Person)}
}

// Load builds a graph from a persisted snapshot. Violations are logged and
// the offending edges dropped from the in-memory copy so that a partially
// inconsistent snapshot stays usable.
func Load(people []model.Person, logger *slog.Logger) (*Graph, []Violation) {
	if logger == nil {
		logger = slog.Default()
	}
	g := New()
	var all []Violation
	for _, p := range people {
		if p.ID == "" {
			all = append(all, Violation{Rule: RuleMissingID, NodeID: p.FirstName})
			continue
		}
		if _, ok := g.nodes[p.ID]; ok {
			all = append(all, Violation{Rule: RuleDuplicateID, NodeID: p.ID})
			continue
		}
		c := p.Clone()
		g.nodes[p.ID] = &c
		g.order = append(g.order, p.ID)
	}

	// Pruning one side of an edge can expose a violation on the other
	// side, so repeat until the graph is clean.
	for i := 0; i < maxPrunePasses; i++ {
		vs := g.validateLocked()
		if len(vs) == 0 {
			break
		}
		for _, v := range vs {
			logger.Warn("dropping inconsistent edge",
				"rule", string(v.Rule),
				"node_id", v.NodeID,
				"edge", string(v.Edge),
				"other_id", v.OtherID,
			)
			g.prune(v)
		}
		all = append(all, vs...)
	}
	return g, all
}

const maxPrunePasses = 4

// Node returns a copy of the person with the given id.
func (g *Graph) Node(id string) (model.Person, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.nodes[id]
	if !ok {
		return model.Person{}, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

// Relatives returns the people on one edge list of id, in stored order.
func (g *Graph) Relatives(id string, rel model.RelationType) ([]model.Person, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("relatives of %q: %w", id, ErrNotFound)
	}
	ids, err := edgeList(p, rel)
	if err != nil {
		return nil, err
	}
	out := make([]model.Person, 0, len(*ids))
	for _, rid := range *ids {
		if r, ok := g.nodes[rid]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Spouse returns the first spouse of id, or nil when there is none.
func (g *Graph) Spouse(id string) (*model.Person, error) {
	spouses, err := g.Relatives(id, model.RelationSpouses)
	if err != nil {
		return nil, err
	}
	if len(spouses) == 0 {
		return nil, nil
	}
	return &spouses[0], nil
}

// People returns copies of every node in load/creation order.
func (g *Graph) People() []model.Person {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Person, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Revision increases with every committed mutation.
func (g *Graph) Revision() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.revision
}

// AccountHolder returns the person linked to accountID, if any.
func (g *Graph) AccountHolder(accountID int64) (model.Person, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p := g.accountHolderLocked(accountID)
	if p == nil {
		return model.Person{}, false
	}
	return p.Clone(), true
}

func (g *Graph) accountHolderLocked(accountID int64) *model.Person {
	for _, id := range g.order {
		p := g.nodes[id]
		if p.LinkedAccountID != nil && *p.LinkedAccountID == accountID {
			return p
		}
	}
	return nil
}

// Slot is a missing relationship of a node, rendered as a ghost placeholder.
type Slot struct {
	AnchorID string             `json:"anchor_id"`
	Relation model.RelationType `json:"relation"`
	Parent   model.ParentSlot   `json:"parent_slot,omitempty"`
}

// Key identifies the slot for the rendering layer.
func (s Slot) Key() string {
	if s.Parent != model.SlotNone {
		return fmt.Sprintf("ghost:%s:%s:%s", s.AnchorID, s.Relation, s.Parent)
	}
	return fmt.Sprintf("ghost:%s:%s", s.AnchorID, s.Relation)
}

// EmptySlots lists the relation slots of id that can still be filled:
// missing father, missing mother, no spouse, and always a child slot.
//
// The two parent slots follow the conventional father/mother pairing. A
// single recorded parent fills the slot matching its gender.
func (g *Graph) EmptySlots(id string) ([]Slot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("empty slots of %q: %w", id, ErrNotFound)
	}

	var slots []Slot
	switch len(p.Parents) {
	case 0:
		slots = append(slots,
			Slot{AnchorID: id, Relation: model.RelationParents, Parent: model.SlotFather},
			Slot{AnchorID: id, Relation: model.RelationParents, Parent: model.SlotMother},
		)
	case 1:
		missing := model.SlotMother
		if parent, ok := g.nodes[p.Parents[0]]; ok && parent.Gender == model.GenderFemale {
			missing = model.SlotFather
		}
		slots = append(slots, Slot{AnchorID: id, Relation: model.RelationParents, Parent: missing})
	}
	if len(p.Spouses) == 0 {
		slots = append(slots, Slot{AnchorID: id, Relation: model.RelationSpouses})
	}
	slots = append(slots, Slot{AnchorID: id, Relation: model.RelationChildren})
	return slots, nil
}

// CanLink reports whether id may be linked to accountID.
func (g *Graph) CanLink(id string, accountID int64) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.canLinkLocked(id, accountID)
}

func (g *Graph) canLinkLocked(id string, accountID int64) error {
	p, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("link %q: %w", id, ErrNotFound)
	}
	if p.LinkedAccountID != nil {
		return ErrNodeAlreadyLinked
	}
	if holder := g.accountHolderLocked(accountID); holder != nil {
		return ErrAccountAlreadyLinked
	}
	return nil
}

// LinkAccount marks id as the node of accountID. It is set once and never
// rewritten.
func (g *Graph) LinkAccount(id string, accountID int64) (model.Person, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.canLinkLocked(id, accountID); err != nil {
		return model.Person{}, err
	}
	p := g.nodes[id]
	aid := accountID
	p.LinkedAccountID = &aid
	p.IsAccountHolder = true
	g.revision++
	return p.Clone(), nil
}

// merge installs the nodes of a delta. Callers hold g.mu.
func (g *Graph) merge(d *Delta) {
	if d.NewNode != nil {
		c := d.NewNode.Clone()
		if _, exists := g.nodes[c.ID]; !exists {
			g.order = append(g.order, c.ID)
		}
		g.nodes[c.ID] = &c
	}
	for _, u := range d.Updated {
		c := u.Clone()
		g.nodes[c.ID] = &c
	}
	g.revision++
}

func edgeList(p *model.Person, rel model.RelationType) (*[]string, error) {
	switch rel {
	case model.RelationParents:
		return &p.Parents, nil
	case model.RelationChildren:
		return &p.Children, nil
	case model.RelationSpouses:
		return &p.Spouses, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRelation, rel)
}

func removeID(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}

// removeLastID drops the last occurrence of id, keeping the first in place.
func removeLastID(ids []string, id string) []string {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return slices.Delete(ids, i, i+1)
		}
	}
	return ids
}
