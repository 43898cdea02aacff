package tree

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/validate"
)

// Kind selects the relationship mutation an Input describes.
type Kind string

const (
	KindAddSpouse Kind = "add_spouse"
	KindAddChild  Kind = "add_child"
	KindAddParent Kind = "add_parent"
)

// Input describes one relationship mutation. Either Draft creates a new
// person or ExistingID joins two people already in the tree.
type Input struct {
	Kind       Kind               `json:"kind"`
	AnchorID   string             `json:"anchor_id"`
	Role       model.Role         `json:"role,omitempty"`
	Draft      *model.PersonDraft `json:"draft,omitempty"`
	ExistingID string             `json:"existing_id,omitempty"`
}

// Delta is the complete result of a mutation: the created node, if any, and
// every existing node whose edges changed. It is computed against the graph
// at Revision and applied with Engine.Commit.
type Delta struct {
	Kind     Kind           `json:"kind"`
	NewNode  *model.Person  `json:"new_node,omitempty"`
	Updated  []model.Person `json:"updated"`
	Revision uint64         `json:"-"`
}

// Nodes returns the new node followed by the updated ones.
func (d *Delta) Nodes() []model.Person {
	out := make([]model.Person, 0, len(d.Updated)+1)
	if d.NewNode != nil {
		out = append(out, *d.NewNode)
	}
	return append(out, d.Updated...)
}

// Persister stores committed changes. A failing Persister leaves the graph
// untouched.
type Persister interface {
	SaveDelta(ctx context.Context, d *Delta) error
	SaveAttributes(ctx context.Context, p model.Person) error
}

type Option func(*Engine)

func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persist = p }
}

func WithIDFunc(f func(firstName string) string) Option {
	return func(e *Engine) { e.newID = f }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine applies relationship mutations to a Graph while keeping every
// edge mirrored on both endpoints.
type Engine struct {
	graph   *Graph
	persist Persister
	newID   func(string) string
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewEngine(g *Graph, opts ...Option) *Engine {
	e := &Engine{
		graph:  g,
		newID:  NewID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Graph() *Graph {
	return e.graph
}

// ApplyRelationship computes the delta for in without modifying the graph.
// Either every edge update is present in the returned delta or an error is
// returned.
func (e *Engine) ApplyRelationship(in Input) (*Delta, error) {
	e.graph.mu.RLock()
	defer e.graph.mu.RUnlock()

	cs := newChangeSet(e.graph)
	var err error
	switch in.Kind {
	case KindAddSpouse:
		err = e.addSpouse(cs, in)
	case KindAddChild:
		err = e.addChild(cs, in)
	case KindAddParent:
		err = e.addParent(cs, in)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
	if err == nil {
		err = cs.verify()
	}
	if err != nil {
		e.metrics.RelationshipRejected(string(in.Kind))
		return nil, err
	}
	return cs.delta(in.Kind, e.graph.revision), nil
}

// Commit persists d and then merges it into the graph.
func (e *Engine) Commit(ctx context.Context, d *Delta) error {
	g := e.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	if d.Revision != g.revision {
		return ErrStaleDelta
	}
	if e.persist != nil {
		if err := e.persist.SaveDelta(ctx, d); err != nil {
			e.metrics.RelationshipRejected(string(d.Kind))
			return &PersistenceError{Op: string(d.Kind), Err: err}
		}
	}
	g.merge(d)
	e.metrics.RelationshipApplied(string(d.Kind), d.NewNode != nil)

	attrs := []any{"kind", string(d.Kind), "updated", len(d.Updated)}
	if d.NewNode != nil {
		attrs = append(attrs, "new_id", d.NewNode.ID)
	}
	e.logger.Info("relationship applied", attrs...)
	return nil
}

// Apply is ApplyRelationship followed by Commit.
func (e *Engine) Apply(ctx context.Context, in Input) (*Delta, error) {
	d, err := e.ApplyRelationship(in)
	if err != nil {
		return nil, err
	}
	if err := e.Commit(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// CommitAttributes replaces the attributes of id. Edges are never touched.
func (e *Engine) CommitAttributes(ctx context.Context, id string, attrs model.PersonAttributes) (model.Person, error) {
	attrs.FirstName = strings.TrimSpace(attrs.FirstName)
	attrs.LastName = strings.TrimSpace(attrs.LastName)
	if err := validate.Struct(attrs); err != nil {
		return model.Person{}, err
	}

	g := e.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.nodes[id]
	if !ok {
		return model.Person{}, fmt.Errorf("edit %q: %w", id, ErrNotFound)
	}
	c := p.Clone()
	c.ApplyAttributes(attrs)
	if e.persist != nil {
		if err := e.persist.SaveAttributes(ctx, c); err != nil {
			return model.Person{}, &PersistenceError{Op: "edit", Err: err}
		}
	}
	g.nodes[id] = &c
	g.revision++
	e.metrics.PersonUpdated()
	e.logger.Info("person updated", "id", id)
	return c.Clone(), nil
}

func (e *Engine) addSpouse(cs *changeSet, in Input) error {
	anchor, err := cs.get(in.AnchorID)
	if err != nil {
		return err
	}
	other, err := e.resolveOther(cs, in, anchor.Gender.Opposite())
	if err != nil {
		return err
	}
	if slices.Contains(anchor.Spouses, other.ID) {
		return ErrDuplicateRelationship
	}
	linkSpouses(anchor, other)
	return nil
}

func (e *Engine) addChild(cs *changeSet, in Input) error {
	parent, err := cs.get(in.AnchorID)
	if err != nil {
		return err
	}
	child, err := e.resolveOther(cs, in, genderForRole(in.Role))
	if err != nil {
		return err
	}
	if slices.Contains(parent.Children, child.ID) || slices.Contains(child.Parents, parent.ID) {
		return ErrDuplicateRelationship
	}
	if slices.Contains(parent.Parents, child.ID) {
		return fmt.Errorf("%w: %s is a parent of %s", ErrInvariant, child.ID, parent.ID)
	}
	if len(child.Parents) >= 2 {
		return ErrParentSlotFull
	}
	linkParent(parent, child)

	// The only spouse of the parent becomes the inferred second parent.
	if len(parent.Spouses) == 1 && len(child.Parents) < 2 {
		spouse, err := cs.get(parent.Spouses[0])
		if err != nil {
			return err
		}
		if spouse.ID != child.ID && !slices.Contains(child.Parents, spouse.ID) {
			linkParent(spouse, child)
		}
	}
	return nil
}

func (e *Engine) addParent(cs *changeSet, in Input) error {
	if in.Role != model.RoleFather && in.Role != model.RoleMother {
		return &model.ValidationError{Field: "role", Message: "must be father or mother"}
	}
	child, err := cs.get(in.AnchorID)
	if err != nil {
		return err
	}
	parent, err := e.resolveOther(cs, in, genderForRole(in.Role))
	if err != nil {
		return err
	}
	if slices.Contains(child.Parents, parent.ID) || slices.Contains(parent.Children, child.ID) {
		return ErrDuplicateRelationship
	}
	if slices.Contains(child.Children, parent.ID) {
		return fmt.Errorf("%w: %s is a child of %s", ErrInvariant, parent.ID, child.ID)
	}
	if len(child.Parents) >= 2 {
		return ErrParentSlotFull
	}

	var existing *model.Person
	if len(child.Parents) == 1 {
		existing, err = cs.get(child.Parents[0])
		if err != nil {
			return err
		}
	}
	linkParent(parent, child)

	// A lone existing parent with no spouse is married to the new parent.
	if existing != nil && existing.ID != parent.ID && len(existing.Spouses) == 0 {
		linkSpouses(existing, parent)
	}
	return nil
}

// resolveOther returns the existing node named by in.ExistingID or a new
// node built from in.Draft.
func (e *Engine) resolveOther(cs *changeSet, in Input, defaultGender model.Gender) (*model.Person, error) {
	if in.ExistingID != "" {
		if in.ExistingID == in.AnchorID {
			return nil, ErrSelfRelationship
		}
		return cs.get(in.ExistingID)
	}
	if in.Draft == nil {
		return nil, &model.ValidationError{Field: "first_name", Message: "is required"}
	}
	d := *in.Draft
	d.FirstName = strings.TrimSpace(d.FirstName)
	d.LastName = strings.TrimSpace(d.LastName)
	if d.Gender == model.GenderUnknown {
		d.Gender = defaultGender
	}
	if err := validate.Struct(d); err != nil {
		return nil, err
	}
	return cs.create(e.uniqueID(d.FirstName), d), nil
}

// uniqueID draws an id from the id source and suffixes it until it is free.
// Callers hold the graph read lock.
func (e *Engine) uniqueID(firstName string) string {
	base := e.newID(firstName)
	id := base
	for n := 2; ; n++ {
		if _, taken := e.graph.nodes[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

func genderForRole(r model.Role) model.Gender {
	switch r {
	case model.RoleFather, model.RoleSon:
		return model.GenderMale
	case model.RoleMother, model.RoleDaughter:
		return model.GenderFemale
	}
	return model.GenderUnknown
}

func linkSpouses(a, b *model.Person) {
	a.Spouses = appendUnique(a.Spouses, b.ID)
	b.Spouses = appendUnique(b.Spouses, a.ID)
}

func linkParent(parent, child *model.Person) {
	child.Parents = appendUnique(child.Parents, parent.ID)
	parent.Children = appendUnique(parent.Children, child.ID)
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}
