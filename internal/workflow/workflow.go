// Package workflow drives the add-relative and edit interactions for one
// editing session: node selection, ghost slots, the pre-filled creation
// form, the avatar upload gate and the commit through the tree engine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/role"
	"github.com/dukerupert/kinship/internal/tree"
)

// State is a workflow state.
type State string

const (
	StateIdle          State = "idle"
	StateNodeSelected  State = "node_selected"
	StateAddModeActive State = "add_mode_active"
	StateFormOpen      State = "form_open"
	StateSubmitting    State = "submitting"
	StateEditFormOpen  State = "edit_form_open"
)

var (
	ErrNotPermitted      = errors.New("editing is not permitted for this session")
	ErrInvalidTransition = errors.New("action not allowed in the current state")
	ErrAvatarDisabled    = errors.New("avatar uploads are not configured")
	ErrCancelled         = errors.New("workflow was cancelled")
)

// TargetKind tells a real node apart from a ghost placeholder.
type TargetKind string

const (
	TargetRealNode  TargetKind = "real_node"
	TargetGhostSlot TargetKind = "ghost_slot"
)

// Target is an interaction already resolved by the rendering layer.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
	Slot *tree.Slot `json:"slot,omitempty"`
}

// Uploader hosts avatar images and returns their public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type AvatarStatus string

const (
	AvatarNone      AvatarStatus = "none"
	AvatarUploading AvatarStatus = "uploading"
	AvatarReady     AvatarStatus = "ready"
	AvatarFailed    AvatarStatus = "failed"
	AvatarSkipped   AvatarStatus = "skipped"
)

// Form is the creation form for a new relative.
type Form struct {
	AnchorID string            `json:"anchor_id"`
	Slot     tree.Slot         `json:"slot"`
	Role     role.Result       `json:"role"`
	Draft    model.PersonDraft `json:"draft"`
	Avatar   AvatarStatus      `json:"avatar"`
	Error    string            `json:"error,omitempty"`
}

// EditForm holds the attributes of the node being edited.
type EditForm struct {
	NodeID     string                 `json:"node_id"`
	Attributes model.PersonAttributes `json:"attributes"`
	Error      string                 `json:"error,omitempty"`
}

// View is a point-in-time copy of the workflow.
type View struct {
	State      State       `json:"state"`
	SelectedID string      `json:"selected_id,omitempty"`
	Slots      []tree.Slot `json:"slots,omitempty"`
	Form       *Form       `json:"form,omitempty"`
	Edit       *EditForm   `json:"edit,omitempty"`
	CanEdit    bool        `json:"can_edit"`
	CanSubmit  bool        `json:"can_submit"`
}

// Capabilities are fixed for the lifetime of a workflow.
type Capabilities struct {
	CanEdit bool
}

type Option func(*Workflow)

func WithUploader(u Uploader) Option {
	return func(w *Workflow) { w.uploader = u }
}

func WithEvents(f EventFunc) Option {
	return func(w *Workflow) { w.events = f }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(w *Workflow) { w.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

type upload struct {
	done   chan struct{}
	cancel context.CancelFunc
	url    string
	err    error
}

func (u *upload) settled() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Workflow is the interaction state machine of one editing session.
type Workflow struct {
	engine   *tree.Engine
	caps     Capabilities
	uploader Uploader
	events   EventFunc
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	selected string
	slots    []tree.Slot
	form     *Form
	edit     *EditForm
	upload   *upload
	gen      uint64
}

// New creates a workflow in the Idle state.
func New(engine *tree.Engine, caps Capabilities, opts ...Option) *Workflow {
	w := &Workflow{
		engine: engine,
		caps:   caps,
		logger: slog.Default(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// View returns a copy of the current state for rendering.
func (w *Workflow) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := View{
		State:      w.state,
		SelectedID: w.selected,
		Slots:      append([]tree.Slot(nil), w.slots...),
		CanEdit:    w.caps.CanEdit,
		CanSubmit:  w.canSubmitLocked(),
	}
	if w.form != nil {
		f := *w.form
		v.Form = &f
	}
	if w.edit != nil {
		e := *w.edit
		v.Edit = &e
	}
	return v
}

// Activate handles a selection. A real node moves to NodeSelected; a ghost
// slot opens the creation form while add mode is active.
func (w *Workflow) Activate(t Target) error {
	w.mu.Lock()
	var evs []Event
	err := func() error {
		switch t.Kind {
		case TargetRealNode:
			switch w.state {
			case StateIdle, StateNodeSelected, StateAddModeActive:
			default:
				return w.invalid("select node")
			}
			p, err := w.engine.Graph().Node(t.ID)
			if err != nil {
				return err
			}
			if w.state == StateAddModeActive {
				evs = append(evs, Event{Type: EventAddModeExited, NodeID: w.selected})
			}
			w.reset()
			w.selected = p.ID
			w.setState(StateNodeSelected)
			evs = append(evs, Event{Type: EventNodeSelected, NodeID: p.ID, Person: &p})
			return nil
		case TargetGhostSlot:
			if t.Slot == nil {
				return &model.ValidationError{Field: "slot", Message: "is required"}
			}
			if w.state != StateAddModeActive {
				return w.invalid("open ghost slot")
			}
			f, err := w.openFormLocked(*t.Slot)
			if err != nil {
				return err
			}
			evs = append(evs, Event{Type: EventFormOpened, NodeID: f.AnchorID, Form: f})
			return nil
		}
		return &model.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown target kind %q", t.Kind)}
	}()
	w.mu.Unlock()
	w.emit(evs)
	return err
}

// EnterAddMode lists the empty relation slots of the selected node.
func (w *Workflow) EnterAddMode() ([]tree.Slot, error) {
	w.mu.Lock()
	if !w.caps.CanEdit {
		w.mu.Unlock()
		return nil, ErrNotPermitted
	}
	if w.state != StateNodeSelected {
		err := w.invalid("enter add mode")
		w.mu.Unlock()
		return nil, err
	}
	slots, err := w.engine.Graph().EmptySlots(w.selected)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.slots = slots
	w.setState(StateAddModeActive)
	ev := Event{Type: EventAddModeEntered, NodeID: w.selected, Slots: append([]tree.Slot(nil), slots...)}
	w.mu.Unlock()

	w.emit([]Event{ev})
	return slots, nil
}

// OpenForm opens the creation form for slot, either a ghost slot in add
// mode or an "add X" action on the selected node.
func (w *Workflow) OpenForm(slot tree.Slot) (Form, error) {
	w.mu.Lock()
	f, err := w.openFormLocked(slot)
	w.mu.Unlock()
	if err != nil {
		return Form{}, err
	}
	w.emit([]Event{{Type: EventFormOpened, NodeID: f.AnchorID, Form: f}})
	return *f, nil
}

func (w *Workflow) openFormLocked(slot tree.Slot) (*Form, error) {
	if !w.caps.CanEdit {
		return nil, ErrNotPermitted
	}
	if w.state != StateAddModeActive && w.state != StateNodeSelected {
		return nil, w.invalid("open form")
	}
	if slot.AnchorID != w.selected {
		return nil, &model.ValidationError{Field: "anchor_id", Message: "must be the selected node"}
	}
	anchor, err := w.engine.Graph().Node(slot.AnchorID)
	if err != nil {
		return nil, err
	}

	rc := role.Context{Relation: slot.Relation, ReferenceGender: anchor.Gender}
	if slot.Relation == model.RelationParents {
		switch len(anchor.Parents) {
		case 0:
			rc.Requested = slotRole(slot.Parent)
		case 1:
			rc.EmptySlot = w.missingParentSlot(anchor.ID)
		default:
			return nil, tree.ErrParentSlotFull
		}
	}
	res, err := role.Infer(rc)
	if err != nil {
		return nil, &model.ValidationError{Field: "relation", Message: err.Error()}
	}
	slot.Parent = roleSlot(res.SpecificRole)

	w.cancelUpload()
	w.gen++
	w.form = &Form{
		AnchorID: anchor.ID,
		Slot:     slot,
		Role:     res,
		Draft:    model.PersonDraft{Gender: res.DefaultGender},
		Avatar:   AvatarNone,
	}
	w.setState(StateFormOpen)
	f := *w.form
	return &f, nil
}

func (w *Workflow) missingParentSlot(id string) model.ParentSlot {
	slots, err := w.engine.Graph().EmptySlots(id)
	if err != nil {
		return model.SlotNone
	}
	for _, s := range slots {
		if s.Relation == model.RelationParents {
			return s.Parent
		}
	}
	return model.SlotNone
}

// AttachAvatar starts uploading an avatar for the open form. Submit waits
// for it; browsing does not.
func (w *Workflow) AttachAvatar(ctx context.Context, data []byte, contentType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.uploader == nil {
		return ErrAvatarDisabled
	}
	if w.state != StateFormOpen {
		return w.invalid("attach avatar")
	}
	w.cancelUpload()

	upCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u := &upload{done: make(chan struct{}), cancel: cancel}
	w.upload = u
	w.form.Avatar = AvatarUploading
	w.form.Error = ""

	go func() {
		url, err := w.uploader.Upload(upCtx, data, contentType)
		cancel()

		w.mu.Lock()
		u.url, u.err = url, err
		if w.upload == u && w.form != nil {
			if err != nil {
				w.form.Avatar = AvatarFailed
				w.form.Error = err.Error()
				w.logger.Warn("avatar upload failed", "error", err)
			} else {
				w.form.Avatar = AvatarReady
				w.form.Draft.AvatarURL = url
			}
		}
		w.mu.Unlock()
		close(u.done)
	}()
	return nil
}

// SkipAvatar abandons the pending or failed avatar, unblocking Submit.
func (w *Workflow) SkipAvatar() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateFormOpen && w.state != StateSubmitting {
		return w.invalid("skip avatar")
	}
	w.cancelUpload()
	w.form.Avatar = AvatarSkipped
	w.form.Draft.AvatarURL = ""
	w.form.Error = ""
	return nil
}

// CanSubmit reports whether the commit action is enabled.
func (w *Workflow) CanSubmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canSubmitLocked()
}

func (w *Workflow) canSubmitLocked() bool {
	if w.state != StateFormOpen {
		return false
	}
	return w.upload == nil || w.upload.settled()
}

// Submit commits the open form. It waits for an in-flight avatar upload to
// settle or be skipped. On failure the form reopens with the error and the
// entered values.
func (w *Workflow) Submit(ctx context.Context, draft model.PersonDraft) (*tree.Delta, error) {
	w.mu.Lock()
	if !w.caps.CanEdit {
		w.mu.Unlock()
		return nil, ErrNotPermitted
	}
	if w.state != StateFormOpen {
		err := w.invalid("submit")
		w.mu.Unlock()
		return nil, err
	}
	if draft.AvatarURL == "" {
		draft.AvatarURL = w.form.Draft.AvatarURL
	}
	if draft.Gender == model.GenderUnknown {
		draft.Gender = w.form.Draft.Gender
	}
	w.form.Draft = draft
	w.form.Error = ""
	if w.form.Slot.Relation == model.RelationChildren && draft.Gender == model.GenderUnknown {
		err := w.failLocked(&model.ValidationError{Field: "gender", Message: "choose son or daughter"})
		w.mu.Unlock()
		return nil, err
	}
	w.setState(StateSubmitting)
	gen, u := w.gen, w.upload
	w.mu.Unlock()

	if u != nil {
		select {
		case <-u.done:
		case <-ctx.Done():
			w.mu.Lock()
			if w.gen == gen && w.state == StateSubmitting {
				w.setState(StateFormOpen)
			}
			w.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	w.mu.Lock()
	if w.gen != gen || w.state != StateSubmitting {
		w.mu.Unlock()
		return nil, ErrCancelled
	}
	if u != nil && w.upload == u {
		if u.err != nil {
			err := w.failLocked(u.err)
			w.mu.Unlock()
			return nil, err
		}
		w.form.Draft.AvatarURL = u.url
	}

	in := w.inputLocked()
	d, err := w.engine.Apply(ctx, in)
	if err != nil {
		err = w.failLocked(err)
		w.mu.Unlock()
		return nil, err
	}
	anchor := w.form.AnchorID
	w.logger.Info("relative added", "anchor_id", anchor, "kind", string(in.Kind))
	w.reset()
	w.setState(StateIdle)
	w.mu.Unlock()

	w.emit([]Event{
		{Type: EventRelationshipApplied, NodeID: anchor, Delta: d},
		{Type: EventAddModeExited, NodeID: anchor},
	})
	return d, nil
}

func (w *Workflow) inputLocked() tree.Input {
	f := w.form
	draft := f.Draft
	in := tree.Input{AnchorID: f.AnchorID, Draft: &draft}
	switch f.Slot.Relation {
	case model.RelationSpouses:
		in.Kind = tree.KindAddSpouse
		in.Role = model.RoleSpouse
	case model.RelationChildren:
		in.Kind = tree.KindAddChild
		in.Role = role.ForGender(draft.Gender)
	default:
		in.Kind = tree.KindAddParent
		in.Role = f.Role.SpecificRole
	}
	return in
}

// failLocked reopens the form with err shown inline.
func (w *Workflow) failLocked(err error) error {
	w.form.Error = err.Error()
	w.setState(StateFormOpen)
	return err
}

// OpenEdit opens the edit form for the selected node.
func (w *Workflow) OpenEdit() (EditForm, error) {
	w.mu.Lock()
	if !w.caps.CanEdit {
		w.mu.Unlock()
		return EditForm{}, ErrNotPermitted
	}
	if w.state != StateNodeSelected {
		err := w.invalid("open edit")
		w.mu.Unlock()
		return EditForm{}, err
	}
	p, err := w.engine.Graph().Node(w.selected)
	if err != nil {
		w.mu.Unlock()
		return EditForm{}, err
	}
	w.edit = &EditForm{NodeID: p.ID, Attributes: p.Attributes()}
	w.setState(StateEditFormOpen)
	ef := *w.edit
	w.mu.Unlock()

	w.emit([]Event{{Type: EventEditOpened, NodeID: p.ID, Person: &p}})
	return ef, nil
}

// SubmitEdit commits attribute changes for the node being edited.
func (w *Workflow) SubmitEdit(ctx context.Context, attrs model.PersonAttributes) (model.Person, error) {
	w.mu.Lock()
	if w.state != StateEditFormOpen {
		err := w.invalid("submit edit")
		w.mu.Unlock()
		return model.Person{}, err
	}
	id := w.edit.NodeID
	p, err := w.engine.CommitAttributes(ctx, id, attrs)
	if err != nil {
		w.edit.Attributes = attrs
		w.edit.Error = err.Error()
		w.mu.Unlock()
		return model.Person{}, err
	}
	w.reset()
	w.setState(StateIdle)
	w.mu.Unlock()

	w.emit([]Event{{Type: EventPersonUpdated, NodeID: id, Person: &p}})
	return p, nil
}

// Cancel returns to Idle from any state. Calling it again is a no-op and
// the graph is never touched.
func (w *Workflow) Cancel() {
	w.mu.Lock()
	if w.state == StateIdle {
		w.mu.Unlock()
		return
	}
	prev, selected := w.state, w.selected
	w.cancelUpload()
	w.reset()
	w.gen++
	w.setState(StateIdle)
	w.mu.Unlock()

	evs := []Event{{Type: EventCancelled, NodeID: selected}}
	if prev == StateAddModeActive || prev == StateFormOpen || prev == StateSubmitting {
		evs = append(evs, Event{Type: EventAddModeExited, NodeID: selected})
	}
	w.emit(evs)
}

func (w *Workflow) cancelUpload() {
	if w.upload != nil {
		w.upload.cancel()
		w.upload = nil
	}
}

func (w *Workflow) reset() {
	w.selected = ""
	w.slots = nil
	w.form = nil
	w.edit = nil
	w.upload = nil
}

func (w *Workflow) setState(s State) {
	if w.state == s {
		return
	}
	w.logger.Debug("workflow transition", "from", string(w.state), "to", string(s))
	w.state = s
	w.metrics.Transition(string(s))
}

func (w *Workflow) invalid(action string) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, action, w.state)
}

func slotRole(s model.ParentSlot) model.Role {
	if s == model.SlotMother {
		return model.RoleMother
	}
	return model.RoleFather
}

func roleSlot(r model.Role) model.ParentSlot {
	switch r {
	case model.RoleMother:
		return model.SlotMother
	case model.RoleFather:
		return model.SlotFather
	}
	return model.SlotNone
}
