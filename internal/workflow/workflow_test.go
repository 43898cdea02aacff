package workflow

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/tree"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeUploader struct {
	release chan struct{}
	url     string
	err     error
}

func (f *fakeUploader) Upload(ctx context.Context, _ []byte, _ string) (string, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.url, f.err
}

func setupWorkflow(t *testing.T, canEdit bool, opts []Option, people ...model.Person) (*Workflow, *tree.Engine, *recorder) {
	t.Helper()
	g, vs := tree.Load(people, nil)
	if len(vs) != 0 {
		t.Fatalf("fixture violations: %v", vs)
	}
	e := tree.NewEngine(g)
	rec := &recorder{}
	opts = append([]Option{WithEvents(rec.record)}, opts...)
	return New(e, Capabilities{CanEdit: canEdit}, opts...), e, rec
}

func waitState(t *testing.T, w *Workflow, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", w.State(), want)
}

func keith() model.Person {
	return model.Person{ID: "keith", FirstName: "Keith", Gender: model.GenderMale}
}

func findSlot(t *testing.T, slots []tree.Slot, rel model.RelationType, parent model.ParentSlot) tree.Slot {
	t.Helper()
	for _, s := range slots {
		if s.Relation == rel && s.Parent == parent {
			return s
		}
	}
	t.Fatalf("no %s/%s slot in %v", rel, parent, slots)
	return tree.Slot{}
}

func TestAddSpouseFlow(t *testing.T) {
	w, e, rec := setupWorkflow(t, true, nil, keith())

	if err := w.Activate(Target{Kind: TargetRealNode, ID: "keith"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if w.State() != StateNodeSelected {
		t.Fatalf("state = %s, want node_selected", w.State())
	}
	slots, err := w.EnterAddMode()
	if err != nil {
		t.Fatalf("enter add mode: %v", err)
	}
	spouse := findSlot(t, slots, model.RelationSpouses, model.SlotNone)

	if err := w.Activate(Target{Kind: TargetGhostSlot, Slot: &spouse}); err != nil {
		t.Fatalf("activate ghost: %v", err)
	}
	v := w.View()
	if v.State != StateFormOpen || v.Form == nil {
		t.Fatalf("view = %+v, want open form", v)
	}
	if v.Form.Role.DefaultGender != model.GenderFemale {
		t.Errorf("default gender = %q, want F", v.Form.Role.DefaultGender)
	}
	if v.Form.Draft.Gender != model.GenderFemale {
		t.Errorf("pre-filled gender = %q, want F", v.Form.Draft.Gender)
	}
	if !v.CanSubmit {
		t.Error("can submit = false with no upload")
	}

	d, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Natalie", Gender: model.GenderFemale})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w.State() != StateIdle {
		t.Errorf("state = %s, want idle", w.State())
	}
	k, _ := e.Graph().Node("keith")
	if !slices.Equal(k.Spouses, []string{d.NewNode.ID}) {
		t.Errorf("keith.spouses = %v, want [%s]", k.Spouses, d.NewNode.ID)
	}

	want := []EventType{EventNodeSelected, EventAddModeEntered, EventFormOpened, EventRelationshipApplied, EventAddModeExited}
	if got := rec.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestFemaleSpouseDefaultsMale(t *testing.T) {
	ann := model.Person{ID: "ann", FirstName: "Ann", Gender: model.GenderFemale}
	w, _, _ := setupWorkflow(t, true, nil, ann)

	_ = w.Activate(Target{Kind: TargetRealNode, ID: "ann"})
	f, err := w.OpenForm(tree.Slot{AnchorID: "ann", Relation: model.RelationSpouses})
	if err != nil {
		t.Fatalf("open form: %v", err)
	}
	if f.Role.DefaultGender != model.GenderMale {
		t.Errorf("default gender = %q, want M", f.Role.DefaultGender)
	}
	d, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Beth", Gender: model.GenderFemale})
	if err != nil {
		t.Fatalf("submit with overridden gender: %v", err)
	}
	if d.NewNode.Gender != model.GenderFemale {
		t.Errorf("gender = %q, want F", d.NewNode.Gender)
	}
}

func TestAddFatherThenMother(t *testing.T) {
	w, e, _ := setupWorkflow(t, true, nil, keith())
	ctx := context.Background()

	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	f, err := w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationParents, Parent: model.SlotFather})
	if err != nil {
		t.Fatalf("open father form: %v", err)
	}
	if f.Role.SpecificRole != model.RoleFather || f.Role.DefaultGender != model.GenderMale {
		t.Errorf("role = %+v, want father/M", f.Role)
	}
	d, err := w.Submit(ctx, model.PersonDraft{FirstName: "Russell", Gender: model.GenderMale})
	if err != nil {
		t.Fatalf("submit father: %v", err)
	}
	russellID := d.NewNode.ID

	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	slots, err := w.EnterAddMode()
	if err != nil {
		t.Fatalf("enter add mode: %v", err)
	}
	mother := findSlot(t, slots, model.RelationParents, model.SlotMother)
	f, err = w.OpenForm(mother)
	if err != nil {
		t.Fatalf("open mother form: %v", err)
	}
	if f.Role.SpecificRole != model.RoleMother || f.Role.DefaultGender != model.GenderFemale {
		t.Errorf("role = %+v, want mother/F", f.Role)
	}
	d, err = w.Submit(ctx, model.PersonDraft{FirstName: "Mary", Gender: model.GenderFemale})
	if err != nil {
		t.Fatalf("submit mother: %v", err)
	}

	r, _ := e.Graph().Node(russellID)
	if !slices.Equal(r.Spouses, []string{d.NewNode.ID}) {
		t.Errorf("russell.spouses = %v, want [%s]", r.Spouses, d.NewNode.ID)
	}
	k, _ := e.Graph().Node("keith")
	if len(k.Parents) != 2 {
		t.Errorf("keith.parents = %v, want two", k.Parents)
	}

	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	if _, err := w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationParents}); !errors.Is(err, tree.ErrParentSlotFull) {
		t.Errorf("third parent form err = %v, want ErrParentSlotFull", err)
	}
}

func TestMotherRequestedWithBothSlotsEmpty(t *testing.T) {
	w, _, _ := setupWorkflow(t, true, nil, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	slots, _ := w.EnterAddMode()
	mother := findSlot(t, slots, model.RelationParents, model.SlotMother)

	f, err := w.OpenForm(mother)
	if err != nil {
		t.Fatalf("open form: %v", err)
	}
	if f.Role.SpecificRole != model.RoleMother {
		t.Errorf("role = %q, want mother", f.Role.SpecificRole)
	}
}

func TestSubmitFailureReopensForm(t *testing.T) {
	w, e, _ := setupWorkflow(t, true, nil, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	if _, err := w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationChildren}); err != nil {
		t.Fatalf("open form: %v", err)
	}

	_, err := w.Submit(context.Background(), model.PersonDraft{LastName: "Jones", Gender: model.GenderMale})
	var ve *model.ValidationError
	if !errors.As(err, &ve) || ve.Field != "first_name" {
		t.Fatalf("err = %v, want first_name validation error", err)
	}
	v := w.View()
	if v.State != StateFormOpen {
		t.Errorf("state = %s, want form_open", v.State)
	}
	if v.Form.Draft.LastName != "Jones" {
		t.Errorf("retained last name = %q, want Jones", v.Form.Draft.LastName)
	}
	if v.Form.Error == "" {
		t.Error("expected inline error")
	}
	if e.Graph().Len() != 1 {
		t.Errorf("graph len = %d, want 1", e.Graph().Len())
	}

	if _, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Sam", LastName: "Jones", Gender: model.GenderMale}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSubmitKeepsDefaultGender(t *testing.T) {
	w, _, _ := setupWorkflow(t, true, nil, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	if _, err := w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses}); err != nil {
		t.Fatalf("open form: %v", err)
	}

	d, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Natalie"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.NewNode.Gender != model.GenderFemale {
		t.Errorf("gender = %q, want F from the form default", d.NewNode.Gender)
	}
}

func TestChildRequiresGender(t *testing.T) {
	w, e, _ := setupWorkflow(t, true, nil, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	f, err := w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationChildren})
	if err != nil {
		t.Fatalf("open form: %v", err)
	}
	if f.Draft.Gender != model.GenderUnknown {
		t.Errorf("pre-filled child gender = %q, want none", f.Draft.Gender)
	}

	_, err = w.Submit(context.Background(), model.PersonDraft{FirstName: "Sam"})
	var ve *model.ValidationError
	if !errors.As(err, &ve) || ve.Field != "gender" {
		t.Fatalf("err = %v, want gender validation error", err)
	}
	v := w.View()
	if v.State != StateFormOpen || v.Form.Error == "" {
		t.Errorf("view = %s error %q, want form_open with inline error", v.State, v.Form.Error)
	}
	if v.Form.Draft.FirstName != "Sam" {
		t.Errorf("retained first name = %q, want Sam", v.Form.Draft.FirstName)
	}
	if e.Graph().Len() != 1 {
		t.Errorf("graph len = %d, want 1", e.Graph().Len())
	}

	d, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Sam", Gender: model.GenderFemale})
	if err != nil {
		t.Fatalf("submit daughter: %v", err)
	}
	if d.NewNode.Gender != model.GenderFemale {
		t.Errorf("gender = %q, want F", d.NewNode.Gender)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	w, e, rec := setupWorkflow(t, true, nil, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	_, _ = w.EnterAddMode()
	_, _ = w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses})

	w.Cancel()
	if w.State() != StateIdle {
		t.Fatalf("state = %s, want idle", w.State())
	}
	n := len(rec.types())
	w.Cancel()
	if len(rec.types()) != n {
		t.Error("second cancel emitted events")
	}
	if e.Graph().Len() != 1 || e.Graph().Revision() != 0 {
		t.Errorf("graph changed by cancel")
	}
	if v := w.View(); v.Form != nil || v.SelectedID != "" || len(v.Slots) != 0 {
		t.Errorf("view not reset: %+v", v)
	}
}

func TestEditRequiresCapability(t *testing.T) {
	w, _, _ := setupWorkflow(t, false, nil, keith())

	if err := w.Activate(Target{Kind: TargetRealNode, ID: "keith"}); err != nil {
		t.Fatalf("browsing must work without capability: %v", err)
	}
	if _, err := w.EnterAddMode(); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("enter add mode err = %v, want ErrNotPermitted", err)
	}
	if _, err := w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses}); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("open form err = %v, want ErrNotPermitted", err)
	}
	if _, err := w.OpenEdit(); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("open edit err = %v, want ErrNotPermitted", err)
	}
	if w.View().CanEdit {
		t.Error("view reports edit capability")
	}
}

func TestInvalidTransitions(t *testing.T) {
	w, _, _ := setupWorkflow(t, true, nil, keith())

	if _, err := w.EnterAddMode(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("add mode from idle err = %v, want ErrInvalidTransition", err)
	}
	slot := tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses}
	if err := w.Activate(Target{Kind: TargetGhostSlot, Slot: &slot}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ghost from idle err = %v, want ErrInvalidTransition", err)
	}
	if _, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "X"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("submit from idle err = %v, want ErrInvalidTransition", err)
	}
	if err := w.Activate(Target{Kind: TargetRealNode, ID: "nobody"}); !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("activate missing err = %v, want ErrNotFound", err)
	}
}

func TestSubmitWaitsForAvatar(t *testing.T) {
	up := &fakeUploader{release: make(chan struct{}), url: "https://cdn.example.com/avatars/n.png"}
	w, _, _ := setupWorkflow(t, true, []Option{WithUploader(up)}, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	_, _ = w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses})

	if err := w.AttachAvatar(context.Background(), []byte("img"), "image/png"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if w.CanSubmit() {
		t.Error("can submit while upload in flight")
	}

	type result struct {
		d   *tree.Delta
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Natalie"})
		done <- result{d, err}
	}()

	waitState(t, w, StateSubmitting)
	select {
	case <-done:
		t.Fatal("submit finished before the upload settled")
	case <-time.After(20 * time.Millisecond):
	}

	close(up.release)
	res := <-done
	if res.err != nil {
		t.Fatalf("submit: %v", res.err)
	}
	if res.d.NewNode.AvatarURL != up.url {
		t.Errorf("avatar url = %q, want %q", res.d.NewNode.AvatarURL, up.url)
	}
}

func TestAvatarFailureThenSkip(t *testing.T) {
	up := &fakeUploader{err: errors.New("bucket unavailable")}
	w, _, _ := setupWorkflow(t, true, []Option{WithUploader(up)}, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	_, _ = w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationChildren})

	if err := w.AttachAvatar(context.Background(), []byte("img"), "image/png"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Kid", Gender: model.GenderMale}); err == nil {
		t.Fatal("expected upload error")
	}
	v := w.View()
	if v.State != StateFormOpen || v.Form.Avatar != AvatarFailed {
		t.Fatalf("view = %s/%s, want form_open/failed", v.State, v.Form.Avatar)
	}
	if v.Form.Draft.FirstName != "Kid" {
		t.Errorf("retained first name = %q", v.Form.Draft.FirstName)
	}

	if err := w.SkipAvatar(); err != nil {
		t.Fatalf("skip: %v", err)
	}
	d, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Kid", Gender: model.GenderMale})
	if err != nil {
		t.Fatalf("submit after skip: %v", err)
	}
	if d.NewNode.AvatarURL != "" {
		t.Errorf("avatar url = %q, want empty", d.NewNode.AvatarURL)
	}
}

func TestSkipUnblocksSubmit(t *testing.T) {
	up := &fakeUploader{release: make(chan struct{})}
	w, _, _ := setupWorkflow(t, true, []Option{WithUploader(up)}, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	_, _ = w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses})
	_ = w.AttachAvatar(context.Background(), []byte("img"), "image/png")

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Natalie"})
		done <- err
	}()
	waitState(t, w, StateSubmitting)

	if err := w.SkipAvatar(); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmitContextCancelled(t *testing.T) {
	up := &fakeUploader{release: make(chan struct{})}
	defer close(up.release)
	w, e, _ := setupWorkflow(t, true, []Option{WithUploader(up)}, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	_, _ = w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses})
	_ = w.AttachAvatar(context.Background(), []byte("img"), "image/png")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Submit(ctx, model.PersonDraft{FirstName: "Natalie"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if w.State() != StateFormOpen {
		t.Errorf("state = %s, want form_open", w.State())
	}
	if e.Graph().Len() != 1 {
		t.Errorf("graph len = %d, want 1", e.Graph().Len())
	}
}

func TestCancelDuringSubmit(t *testing.T) {
	up := &fakeUploader{release: make(chan struct{})}
	w, e, _ := setupWorkflow(t, true, []Option{WithUploader(up)}, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	_, _ = w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses})
	_ = w.AttachAvatar(context.Background(), []byte("img"), "image/png")

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background(), model.PersonDraft{FirstName: "Natalie"})
		done <- err
	}()
	waitState(t, w, StateSubmitting)
	w.Cancel()

	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Errorf("submit err = %v, want ErrCancelled", err)
	}
	if e.Graph().Len() != 1 {
		t.Errorf("graph len = %d, want 1 after cancel", e.Graph().Len())
	}
}

func TestAttachAvatarDisabled(t *testing.T) {
	w, _, _ := setupWorkflow(t, true, nil, keith())
	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	_, _ = w.OpenForm(tree.Slot{AnchorID: "keith", Relation: model.RelationSpouses})
	if err := w.AttachAvatar(context.Background(), []byte("img"), "image/png"); !errors.Is(err, ErrAvatarDisabled) {
		t.Errorf("err = %v, want ErrAvatarDisabled", err)
	}
}

func TestEditPath(t *testing.T) {
	k := keith()
	bob := model.Person{ID: "bob", FirstName: "Bob", Gender: model.GenderMale, Parents: []string{"keith"}}
	k.Children = []string{"bob"}
	w, e, rec := setupWorkflow(t, true, nil, k, bob)
	ctx := context.Background()

	_ = w.Activate(Target{Kind: TargetRealNode, ID: "keith"})
	ef, err := w.OpenEdit()
	if err != nil {
		t.Fatalf("open edit: %v", err)
	}
	if ef.Attributes.FirstName != "Keith" {
		t.Errorf("pre-filled first name = %q", ef.Attributes.FirstName)
	}

	attrs := ef.Attributes
	attrs.FirstName = ""
	if _, err := w.SubmitEdit(ctx, attrs); err == nil {
		t.Fatal("expected validation error")
	}
	if w.State() != StateEditFormOpen {
		t.Errorf("state = %s, want edit_form_open", w.State())
	}

	attrs.FirstName = "Keith"
	attrs.LastName = "Moon"
	p, err := w.SubmitEdit(ctx, attrs)
	if err != nil {
		t.Fatalf("submit edit: %v", err)
	}
	if p.LastName != "Moon" {
		t.Errorf("last name = %q, want Moon", p.LastName)
	}
	got, _ := e.Graph().Node("keith")
	if !slices.Equal(got.Children, []string{"bob"}) {
		t.Errorf("children = %v, edges must not change", got.Children)
	}
	if w.State() != StateIdle {
		t.Errorf("state = %s, want idle", w.State())
	}
	types := rec.types()
	if types[len(types)-1] != EventPersonUpdated {
		t.Errorf("last event = %s, want person_updated", types[len(types)-1])
	}
}
