package tree

import (
	"context"
	"errors"
	"math/rand/v2"
	"regexp"
	"slices"
	"testing"
	"time"

	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingPersister struct {
	deltas []*Delta
	attrs  []model.Person
	err    error
}

func (r *recordingPersister) SaveDelta(_ context.Context, d *Delta) error {
	if r.err != nil {
		return r.err
	}
	r.deltas = append(r.deltas, d)
	return nil
}

func (r *recordingPersister) SaveAttributes(_ context.Context, p model.Person) error {
	if r.err != nil {
		return r.err
	}
	r.attrs = append(r.attrs, p)
	return nil
}

func newTestEngine(t *testing.T, people ...model.Person) *Engine {
	t.Helper()
	g, vs := Load(people, nil)
	if len(vs) != 0 {
		t.Fatalf("fixture violations: %v", vs)
	}
	return NewEngine(g)
}

func mustNode(t *testing.T, e *Engine, id string) model.Person {
	t.Helper()
	p, err := e.Graph().Node(id)
	if err != nil {
		t.Fatalf("node %q: %v", id, err)
	}
	return p
}

var nodeID = regexp.MustCompile(`^[a-z0-9-]+_[0-9a-f]{8}$`)

func TestAddSpouseScenario(t *testing.T) {
	e := newTestEngine(t, person("keith_0a1b2c3d", "Keith", model.GenderMale))

	d, err := e.Apply(context.Background(), Input{
		Kind:     KindAddSpouse,
		AnchorID: "keith_0a1b2c3d",
		Draft:    &model.PersonDraft{FirstName: "Natalie", Gender: model.GenderFemale},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.NewNode == nil {
		t.Fatal("expected a new node")
	}
	natalieID := d.NewNode.ID
	if !nodeID.MatchString(natalieID) || natalieID[:8] != "natalie_" {
		t.Errorf("new id = %q, want natalie_<8 hex>", natalieID)
	}

	keith := mustNode(t, e, "keith_0a1b2c3d")
	if !slices.Equal(keith.Spouses, []string{natalieID}) {
		t.Errorf("keith.spouses = %v, want [%s]", keith.Spouses, natalieID)
	}
	natalie := mustNode(t, e, natalieID)
	if !slices.Equal(natalie.Spouses, []string{"keith_0a1b2c3d"}) {
		t.Errorf("natalie.spouses = %v, want [keith_0a1b2c3d]", natalie.Spouses)
	}
	if natalie.Gender != model.GenderFemale {
		t.Errorf("natalie.gender = %q, want F", natalie.Gender)
	}
}

func TestAddParentsScenario(t *testing.T) {
	e := newTestEngine(t, person("keith", "Keith", model.GenderMale))
	ctx := context.Background()

	d, err := e.Apply(ctx, Input{
		Kind:     KindAddParent,
		AnchorID: "keith",
		Role:     model.RoleFather,
		Draft:    &model.PersonDraft{FirstName: "Russell", Gender: model.GenderMale},
	})
	if err != nil {
		t.Fatalf("add father: %v", err)
	}
	russellID := d.NewNode.ID

	keith := mustNode(t, e, "keith")
	if !slices.Contains(keith.Parents, russellID) {
		t.Errorf("keith.parents = %v, want to contain %s", keith.Parents, russellID)
	}
	russell := mustNode(t, e, russellID)
	if !slices.Contains(russell.Children, "keith") {
		t.Errorf("russell.children = %v, want to contain keith", russell.Children)
	}

	d, err = e.Apply(ctx, Input{
		Kind:     KindAddParent,
		AnchorID: "keith",
		Role:     model.RoleMother,
		Draft:    &model.PersonDraft{FirstName: "Mary"},
	})
	if err != nil {
		t.Fatalf("add mother: %v", err)
	}
	mary := *d.NewNode
	if mary.Gender != model.GenderFemale {
		t.Errorf("mother gender = %q, want default F", mary.Gender)
	}
	if !slices.Equal(mary.Children, []string{"keith"}) {
		t.Errorf("mary.children = %v, want [keith]", mary.Children)
	}
	if !slices.Equal(mary.Spouses, []string{russellID}) {
		t.Errorf("mary.spouses = %v, want [%s]", mary.Spouses, russellID)
	}

	keith = mustNode(t, e, "keith")
	if !slices.Equal(keith.Parents, []string{russellID, mary.ID}) {
		t.Errorf("keith.parents = %v, want [%s %s]", keith.Parents, russellID, mary.ID)
	}
	russell = mustNode(t, e, russellID)
	if !slices.Equal(russell.Spouses, []string{mary.ID}) {
		t.Errorf("russell.spouses = %v, want [%s]", russell.Spouses, mary.ID)
	}

	_, err = e.ApplyRelationship(Input{
		Kind:     KindAddParent,
		AnchorID: "keith",
		Role:     model.RoleFather,
		Draft:    &model.PersonDraft{FirstName: "Other"},
	})
	if !errors.Is(err, ErrParentSlotFull) {
		t.Errorf("third parent err = %v, want ErrParentSlotFull", err)
	}
}

func TestAddParentKeepsExistingMarriage(t *testing.T) {
	dad := person("dad", "Dad", model.GenderMale)
	step := person("step", "Step", model.GenderFemale)
	kid := person("kid", "Kid", model.GenderMale)
	dad.Spouses = []string{"step"}
	step.Spouses = []string{"dad"}
	dad.Children = []string{"kid"}
	kid.Parents = []string{"dad"}
	e := newTestEngine(t, dad, step, kid)

	d, err := e.Apply(context.Background(), Input{
		Kind:     KindAddParent,
		AnchorID: "kid",
		Role:     model.RoleMother,
		Draft:    &model.PersonDraft{FirstName: "Mom"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(d.NewNode.Spouses) != 0 {
		t.Errorf("new mother spouses = %v, want none", d.NewNode.Spouses)
	}
	if got := mustNode(t, e, "dad").Spouses; !slices.Equal(got, []string{"step"}) {
		t.Errorf("dad.spouses = %v, want [step]", got)
	}
}

func TestAddChildInfersSecondParent(t *testing.T) {
	ann := person("ann", "Ann", model.GenderFemale)
	bob := person("bob", "Bob", model.GenderMale)
	ann.Spouses = []string{"bob"}
	bob.Spouses = []string{"ann"}
	e := newTestEngine(t, ann, bob)

	d, err := e.ApplyRelationship(Input{
		Kind:     KindAddChild,
		AnchorID: "ann",
		Role:     model.RoleDaughter,
		Draft:    &model.PersonDraft{FirstName: "Cat"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !slices.Equal(d.NewNode.Parents, []string{"ann", "bob"}) {
		t.Errorf("parents = %v, want [ann bob]", d.NewNode.Parents)
	}
	if d.NewNode.Gender != model.GenderFemale {
		t.Errorf("daughter gender = %q, want F", d.NewNode.Gender)
	}
	if len(d.Updated) != 2 {
		t.Fatalf("updated = %d nodes, want 2", len(d.Updated))
	}
	for _, u := range d.Updated {
		if !slices.Equal(u.Children, []string{d.NewNode.ID}) {
			t.Errorf("%s.children = %v, want [%s]", u.ID, u.Children, d.NewNode.ID)
		}
	}

	// Nothing is applied until Commit.
	if got := mustNode(t, e, "ann").Children; len(got) != 0 {
		t.Errorf("graph changed before commit: ann.children = %v", got)
	}
	if e.Graph().Len() != 2 {
		t.Errorf("len = %d before commit, want 2", e.Graph().Len())
	}
}

func TestAddChildAmbiguousSpouse(t *testing.T) {
	ann := person("ann", "Ann", model.GenderFemale)
	bob := person("bob", "Bob", model.GenderMale)
	cal := person("cal", "Cal", model.GenderMale)
	ann.Spouses = []string{"bob", "cal"}
	bob.Spouses = []string{"ann"}
	cal.Spouses = []string{"ann"}
	e := newTestEngine(t, ann, bob, cal)

	d, err := e.ApplyRelationship(Input{
		Kind:     KindAddChild,
		AnchorID: "ann",
		Draft:    &model.PersonDraft{FirstName: "Dee"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !slices.Equal(d.NewNode.Parents, []string{"ann"}) {
		t.Errorf("parents = %v, want [ann]", d.NewNode.Parents)
	}
	// Direct engine input may leave a child's gender unset; the add-relative
	// workflow is where son or daughter is required.
	if d.NewNode.Gender != model.GenderUnknown {
		t.Errorf("gender = %q, want unknown", d.NewNode.Gender)
	}
}

func TestAddSpouseDefaultsOppositeGender(t *testing.T) {
	e := newTestEngine(t, person("keith", "Keith", model.GenderMale))
	d, err := e.ApplyRelationship(Input{
		Kind:     KindAddSpouse,
		AnchorID: "keith",
		Draft:    &model.PersonDraft{FirstName: "Natalie"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.NewNode.Gender != model.GenderFemale {
		t.Errorf("gender = %q, want F", d.NewNode.Gender)
	}
}

func TestSpouseGenderIsNotEnforced(t *testing.T) {
	e := newTestEngine(t, person("ann", "Ann", model.GenderFemale))
	d, err := e.ApplyRelationship(Input{
		Kind:     KindAddSpouse,
		AnchorID: "ann",
		Draft:    &model.PersonDraft{FirstName: "Beth", Gender: model.GenderFemale},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.NewNode.Gender != model.GenderFemale {
		t.Errorf("gender = %q, want F", d.NewNode.Gender)
	}
}

func TestAddSpouseExisting(t *testing.T) {
	e := newTestEngine(t,
		person("ann", "Ann", model.GenderFemale),
		person("bob", "Bob", model.GenderMale),
	)
	ctx := context.Background()

	d, err := e.Apply(ctx, Input{Kind: KindAddSpouse, AnchorID: "ann", ExistingID: "bob"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.NewNode != nil {
		t.Errorf("new node = %v, want nil when merging known nodes", d.NewNode)
	}
	if len(d.Updated) != 2 {
		t.Errorf("updated = %d, want 2", len(d.Updated))
	}

	_, err = e.ApplyRelationship(Input{Kind: KindAddSpouse, AnchorID: "bob", ExistingID: "ann"})
	if !errors.Is(err, ErrDuplicateRelationship) {
		t.Errorf("repeat err = %v, want ErrDuplicateRelationship", err)
	}
}

func TestApplyRelationshipErrors(t *testing.T) {
	ann := person("ann", "Ann", model.GenderFemale)
	kid := person("kid", "Kid", model.GenderMale)
	ann.Children = []string{"kid"}
	kid.Parents = []string{"ann"}
	e := newTestEngine(t, ann, kid)

	tests := []struct {
		name      string
		in        Input
		wantErr   error
		wantField string
	}{
		{"missing draft", Input{Kind: KindAddSpouse, AnchorID: "ann"}, nil, "first_name"},
		{"blank first name", Input{Kind: KindAddChild, AnchorID: "ann", Draft: &model.PersonDraft{FirstName: "   "}}, nil, "first_name"},
		{"bad gender", Input{Kind: KindAddChild, AnchorID: "ann", Draft: &model.PersonDraft{FirstName: "X", Gender: "Q"}}, nil, "gender"},
		{"parent role", Input{Kind: KindAddParent, AnchorID: "kid", Role: model.RoleSon, Draft: &model.PersonDraft{FirstName: "X"}}, nil, "role"},
		{"unknown anchor", Input{Kind: KindAddSpouse, AnchorID: "nobody", Draft: &model.PersonDraft{FirstName: "X"}}, ErrNotFound, ""},
		{"unknown existing", Input{Kind: KindAddSpouse, AnchorID: "ann", ExistingID: "nobody"}, ErrNotFound, ""},
		{"self", Input{Kind: KindAddSpouse, AnchorID: "ann", ExistingID: "ann"}, ErrSelfRelationship, ""},
		{"duplicate child", Input{Kind: KindAddChild, AnchorID: "ann", ExistingID: "kid"}, ErrDuplicateRelationship, ""},
		{"duplicate parent", Input{Kind: KindAddParent, AnchorID: "kid", Role: model.RoleMother, ExistingID: "ann"}, ErrDuplicateRelationship, ""},
		{"cycle", Input{Kind: KindAddParent, AnchorID: "ann", Role: model.RoleFather, ExistingID: "kid"}, ErrInvariant, ""},
		{"unknown kind", Input{Kind: "adopt", AnchorID: "ann"}, ErrUnknownKind, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ApplyRelationship(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantField != "" {
				var ve *model.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
				if ve.Field != tt.wantField {
					t.Errorf("field = %q, want %q", ve.Field, tt.wantField)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if e.Graph().Revision() != 0 {
		t.Errorf("revision = %d after rejected mutations, want 0", e.Graph().Revision())
	}
}

func TestCommitStaleDelta(t *testing.T) {
	e := newTestEngine(t, person("ann", "Ann", model.GenderFemale))
	ctx := context.Background()

	first, err := e.ApplyRelationship(Input{Kind: KindAddChild, AnchorID: "ann", Draft: &model.PersonDraft{FirstName: "One"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	second, err := e.ApplyRelationship(Input{Kind: KindAddChild, AnchorID: "ann", Draft: &model.PersonDraft{FirstName: "Two"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := e.Commit(ctx, first); err != nil {
		t.Fatalf("commit first: %v", err)
	}
	if err := e.Commit(ctx, second); !errors.Is(err, ErrStaleDelta) {
		t.Errorf("commit second err = %v, want ErrStaleDelta", err)
	}
	if got := mustNode(t, e, "ann").Children; len(got) != 1 {
		t.Errorf("ann.children = %v, want one child", got)
	}
}

func TestCommitPersistenceFailure(t *testing.T) {
	g, _ := Load([]model.Person{person("ann", "Ann", model.GenderFemale)}, nil)
	p := &recordingPersister{err: errors.New("disk full")}
	e := NewEngine(g, WithPersister(p))

	_, err := e.Apply(context.Background(), Input{
		Kind:     KindAddSpouse,
		AnchorID: "ann",
		Draft:    &model.PersonDraft{FirstName: "Bob"},
	})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if g.Len() != 1 || g.Revision() != 0 {
		t.Errorf("graph changed: len=%d revision=%d", g.Len(), g.Revision())
	}
	if got := mustNode(t, e, "ann").Spouses; len(got) != 0 {
		t.Errorf("ann.spouses = %v, want none", got)
	}
}

func TestCommitPersistsBeforeMerge(t *testing.T) {
	g, _ := Load([]model.Person{person("ann", "Ann", model.GenderFemale)}, nil)
	p := &recordingPersister{}
	m := metrics.NewCollector("test")
	e := NewEngine(g, WithPersister(p), WithMetrics(m))

	d, err := e.Apply(context.Background(), Input{
		Kind:     KindAddSpouse,
		AnchorID: "ann",
		Draft:    &model.PersonDraft{FirstName: "Bob"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(p.deltas) != 1 || p.deltas[0] != d {
		t.Fatalf("persisted deltas = %v", p.deltas)
	}
	if got := testutil.ToFloat64(m.Relationships.WithLabelValues("add_spouse", "applied")); got != 1 {
		t.Errorf("applied counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PeopleCreated); got != 1 {
		t.Errorf("people created = %v, want 1", got)
	}
}

func TestUniqueIDOnCollision(t *testing.T) {
	g, _ := Load([]model.Person{person("x", "X", model.GenderMale)}, nil)
	e := NewEngine(g, WithIDFunc(func(string) string { return "x" }))

	d, err := e.Apply(context.Background(), Input{Kind: KindAddSpouse, AnchorID: "x", Draft: &model.PersonDraft{FirstName: "Y"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.NewNode.ID != "x_2" {
		t.Errorf("id = %q, want x_2", d.NewNode.ID)
	}
}

func TestCommitAttributes(t *testing.T) {
	ann := person("ann", "Ann", model.GenderFemale)
	bob := person("bob", "Bob", model.GenderMale)
	ann.Spouses = []string{"bob"}
	bob.Spouses = []string{"ann"}
	g, _ := Load([]model.Person{ann, bob}, nil)
	p := &recordingPersister{}
	e := NewEngine(g, WithPersister(p))

	birth := time.Date(1950, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := e.CommitAttributes(context.Background(), "ann", model.PersonAttributes{
		FirstName: " Anne ",
		LastName:  "Smith",
		Gender:    model.GenderFemale,
		BirthDate: &birth,
	})
	if err != nil {
		t.Fatalf("commit attributes: %v", err)
	}
	if got.FirstName != "Anne" || got.LastName != "Smith" {
		t.Errorf("name = %q %q", got.FirstName, got.LastName)
	}
	if !slices.Equal(got.Spouses, []string{"bob"}) {
		t.Errorf("spouses = %v, edges must not change", got.Spouses)
	}
	if len(p.attrs) != 1 {
		t.Errorf("persisted %d attribute sets, want 1", len(p.attrs))
	}

	if _, err := e.CommitAttributes(context.Background(), "ann", model.PersonAttributes{}); err == nil {
		t.Error("expected validation error for empty first name")
	}
	if _, err := e.CommitAttributes(context.Background(), "nobody", model.PersonAttributes{FirstName: "X"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing node err = %v, want ErrNotFound", err)
	}
}

// Random mutation sequences never break symmetry, duality or leave
// dangling references.
func TestRandomMutationsKeepInvariants(t *testing.T) {
	e := newTestEngine(t, person("root", "Root", model.GenderMale))
	r := rand.New(rand.NewPCG(1, 2))
	ctx := context.Background()
	kinds := []Kind{KindAddSpouse, KindAddChild, KindAddParent}
	roles := []model.Role{model.RoleFather, model.RoleMother}

	for i := 0; i < 300; i++ {
		people := e.Graph().People()
		in := Input{
			Kind:     kinds[r.IntN(len(kinds))],
			AnchorID: people[r.IntN(len(people))].ID,
			Role:     roles[r.IntN(len(roles))],
		}
		if r.IntN(3) == 0 {
			in.ExistingID = people[r.IntN(len(people))].ID
		} else {
			in.Draft = &model.PersonDraft{FirstName: "P"}
		}
		d, err := e.Apply(ctx, in)
		if err != nil {
			continue
		}
		for _, n := range d.Nodes() {
			for _, ids := range [][]string{n.Parents, n.Children, n.Spouses} {
				for _, id := range ids {
					if _, err := e.Graph().Node(id); err != nil {
						t.Fatalf("step %d: %s references missing %s", i, n.ID, id)
					}
				}
			}
		}
	}
	if vs := e.Graph().Validate(); len(vs) != 0 {
		t.Fatalf("violations after random mutations: %v", vs)
	}
	if e.Graph().Len() < 50 {
		t.Errorf("only %d people created, sequence too short to be meaningful", e.Graph().Len())
	}
}
