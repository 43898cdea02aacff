package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/kinship/internal/avatar"
	"github.com/dukerupert/kinship/internal/invite"
	"github.com/dukerupert/kinship/internal/linkage"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/role"
	"github.com/dukerupert/kinship/internal/tree"
	"github.com/dukerupert/kinship/internal/workflow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var ve *model.ValidationError
	var ue *avatar.UploadError
	var pe *tree.PersistenceError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, tree.ErrSelfRelationship),
		errors.Is(err, tree.ErrUnknownRelation),
		errors.Is(err, tree.ErrUnknownKind),
		errors.Is(err, role.ErrUnknownRelation),
		errors.Is(err, invite.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, tree.ErrNotFound),
		errors.Is(err, linkage.ErrInvitationNotFound),
		errors.Is(err, linkage.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, tree.ErrDuplicateRelationship),
		errors.Is(err, tree.ErrParentSlotFull),
		errors.Is(err, tree.ErrInvariant),
		errors.Is(err, tree.ErrStaleDelta),
		errors.Is(err, tree.ErrNodeAlreadyLinked),
		errors.Is(err, tree.ErrAccountAlreadyLinked),
		errors.Is(err, linkage.ErrInvitationNotPending),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, linkage.ErrInvitationExpired):
		return http.StatusGone
	case errors.Is(err, invite.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, workflow.ErrAvatarDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &ue):
		return http.StatusBadGateway
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Server-side failures are
// logged and their detail withheld from the caller.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
		msg := "internal error"
		switch status {
		case http.StatusBadGateway:
			msg = "avatar upload failed"
		case http.StatusServiceUnavailable:
			msg = err.Error()
		}
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
