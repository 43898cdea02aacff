package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/kinship/internal/auth"
	"github.com/dukerupert/kinship/internal/avatar"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/registry"
	"github.com/dukerupert/kinship/internal/tree"
	"github.com/dukerupert/kinship/internal/workflow"
)

// WorkflowHandler drives the caller's add-relative workflow. Every
// response carries the resulting view so the client never has to guess
// the state.
type WorkflowHandler struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewWorkflowHandler(reg *registry.Registry, logger *slog.Logger) *WorkflowHandler {
	return &WorkflowHandler{registry: reg, logger: logger}
}

func (h *WorkflowHandler) workflow(w http.ResponseWriter, r *http.Request) (*workflow.Workflow, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	wf, err := h.registry.Workflow(r.Context(), ac.FamilyID, ac.SessionKey, auth.IsAdmin(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return nil, false
	}
	return wf, true
}

func (h *WorkflowHandler) reply(w http.ResponseWriter, r *http.Request, wf *workflow.Workflow, status int, err error, extra map[string]any) {
	body := map[string]any{"view": wf.View()}
	for k, v := range extra {
		body[k] = v
	}
	if err != nil {
		status = statusFor(err)
		body["error"] = err.Error()
		if status >= 500 {
			h.logger.ErrorContext(r.Context(), "workflow failed", "path", r.URL.Path, "error", err)
			if status == http.StatusInternalServerError {
				body["error"] = "internal error"
			}
		}
	}
	writeJSON(w, status, body)
}

func (h *WorkflowHandler) View(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	h.reply(w, r, wf, http.StatusOK, nil, nil)
}

func (h *WorkflowHandler) Activate(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	var t workflow.Target
	if !decodeJSON(w, r, &t) {
		return
	}
	h.reply(w, r, wf, http.StatusOK, wf.Activate(t), nil)
}

func (h *WorkflowHandler) AddMode(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	slots, err := wf.EnterAddMode()
	if slots == nil {
		slots = []tree.Slot{}
	}
	h.reply(w, r, wf, http.StatusOK, err, map[string]any{"slots": slots})
}

func (h *WorkflowHandler) OpenForm(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	var slot tree.Slot
	if !decodeJSON(w, r, &slot) {
		return
	}
	_, err := wf.OpenForm(slot)
	h.reply(w, r, wf, http.StatusOK, err, nil)
}

// Avatar starts an upload of the raw request body. The response returns
// as soon as the upload is under way.
func (h *WorkflowHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, avatar.MaxSize))
	if err != nil {
		h.reply(w, r, wf, 0, &model.ValidationError{Field: "avatar", Message: "is too large"}, nil)
		return
	}
	err = wf.AttachAvatar(r.Context(), data, r.Header.Get("Content-Type"))
	h.reply(w, r, wf, http.StatusAccepted, err, nil)
}

func (h *WorkflowHandler) SkipAvatar(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	h.reply(w, r, wf, http.StatusOK, wf.SkipAvatar(), nil)
}

func (h *WorkflowHandler) Submit(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	var draft model.PersonDraft
	if !decodeJSON(w, r, &draft) {
		return
	}
	d, err := wf.Submit(r.Context(), draft)
	h.reply(w, r, wf, http.StatusCreated, err, map[string]any{"delta": d})
}

func (h *WorkflowHandler) OpenEdit(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	_, err := wf.OpenEdit()
	h.reply(w, r, wf, http.StatusOK, err, nil)
}

func (h *WorkflowHandler) SubmitEdit(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	var attrs model.PersonAttributes
	if !decodeJSON(w, r, &attrs) {
		return
	}
	p, err := wf.SubmitEdit(r.Context(), attrs)
	var person any
	if err == nil {
		person = p
	}
	h.reply(w, r, wf, http.StatusOK, err, map[string]any{"person": person})
}

func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.workflow(w, r)
	if !ok {
		return
	}
	wf.Cancel()
	h.reply(w, r, wf, http.StatusOK, nil, nil)
}
