package tree

import (
	"fmt"
	"slices"

	"github.com/dukerupert/kinship/internal/model"
)

// changeSet holds copy-on-read nodes for one mutation. The graph itself is
// only read.
type changeSet struct {
	g       *Graph
	touched map[string]*model.Person
	order   []string
	created *model.Person
}

func newChangeSet(g *Graph) *changeSet {
	return &changeSet{g: g, touched: make(map[string]*model.Person)}
}

func (cs *changeSet) get(id string) (*model.Person, error) {
	if p := cs.lookup(id); p != nil {
		if p != cs.created {
			if _, ok := cs.touched[id]; !ok {
				c := p.Clone()
				cs.touched[id] = &c
				cs.order = append(cs.order, id)
				return &c, nil
			}
		}
		return p, nil
	}
	return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
}

func (cs *changeSet) lookup(id string) *model.Person {
	if cs.created != nil && cs.created.ID == id {
		return cs.created
	}
	if p, ok := cs.touched[id]; ok {
		return p
	}
	return cs.g.nodes[id]
}

func (cs *changeSet) create(id string, d model.PersonDraft) *model.Person {
	p := &model.Person{
		ID:                 id,
		FirstName:          d.FirstName,
		LastName:           d.LastName,
		Gender:             d.Gender,
		BirthDate:          d.BirthDate,
		DeathDate:          d.DeathDate,
		WeddingAnniversary: d.WeddingAnniversary,
		AvatarURL:          d.AvatarURL,
		Parents:            []string{},
		Children:           []string{},
		Spouses:            []string{},
	}
	cs.created = p
	return p
}

// verify checks the invariants on every node the change set touched.
func (cs *changeSet) verify() error {
	nodes := make([]*model.Person, 0, len(cs.order)+1)
	if cs.created != nil {
		nodes = append(nodes, cs.created)
	}
	for _, id := range cs.order {
		nodes = append(nodes, cs.touched[id])
	}
	for _, p := range nodes {
		if len(p.Parents) > 2 {
			return fmt.Errorf("%w: %s has %d parents", ErrInvariant, p.ID, len(p.Parents))
		}
		for _, rel := range []model.RelationType{model.RelationParents, model.RelationChildren, model.RelationSpouses} {
			list, _ := edgeList(p, rel)
			for _, other := range *list {
				if other == p.ID {
					return fmt.Errorf("%w: %s references itself", ErrInvariant, p.ID)
				}
				o := cs.lookup(other)
				if o == nil {
					return fmt.Errorf("%w: %s.%s -> %s is dangling", ErrInvariant, p.ID, rel, other)
				}
				if !reciprocated(o, rel, p.ID) {
					return fmt.Errorf("%w: %s.%s -> %s is one-sided", ErrInvariant, p.ID, rel, other)
				}
			}
		}
	}
	return nil
}

func (cs *changeSet) delta(kind Kind, revision uint64) *Delta {
	d := &Delta{Kind: kind, Revision: revision, Updated: []model.Person{}}
	if cs.created != nil {
		c := cs.created.Clone()
		d.NewNode = &c
	}
	for _, id := range cs.order {
		cur := cs.touched[id]
		orig := cs.g.nodes[id]
		if slices.Equal(cur.Parents, orig.Parents) &&
			slices.Equal(cur.Children, orig.Children) &&
			slices.Equal(cur.Spouses, orig.Spouses) {
			continue
		}
		d.Updated = append(d.Updated, cur.Clone())
	}
	return d
}
