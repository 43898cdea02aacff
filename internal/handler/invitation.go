package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/kinship/internal/auth"
	"github.com/dukerupert/kinship/internal/invite"
	"github.com/dukerupert/kinship/internal/linkage"
	"github.com/dukerupert/kinship/internal/model"
)

// Invitations lists and looks up invitation records.
type Invitations interface {
	GetByID(ctx context.Context, id string) (*model.Invitation, error)
	ListByFamily(ctx context.Context, familyID int64) ([]model.Invitation, error)
}

type InvitationHandler struct {
	service     *invite.Service
	invitations Invitations
	logger      *slog.Logger
}

func NewInvitationHandler(svc *invite.Service, invitations Invitations, logger *slog.Logger) *InvitationHandler {
	return &InvitationHandler{service: svc, invitations: invitations, logger: logger}
}

func (h *InvitationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.invitations.ListByFamily(r.Context(), auth.FamilyID(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []model.Invitation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *InvitationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string `json:"email"`
		TreeNodeID string `json:"tree_node_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ac, _ := auth.FromContext(r.Context())
	sent, err := h.service.Send(r.Context(), invite.Request{
		Email:      req.Email,
		TreeNodeID: req.TreeNodeID,
		FamilyID:   ac.FamilyID,
		InvitedBy:  ac.AccountID,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sent)
}

// Show describes an invitation to the invitee before they accept it.
func (h *InvitationHandler) Show(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	inv, err := h.invitations.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if inv == nil {
		respondError(w, r, h.logger, linkage.ErrInvitationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         inv.ID,
		"email":      inv.Email,
		"status":     inv.Status,
		"expires_at": inv.ExpiresAt,
	})
}

func (h *InvitationHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req invite.AcceptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	accepted, err := h.service.Accept(r.Context(), req)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}
