package model

import "time"

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationRevoked  InvitationStatus = "REVOKED"
)

type Invitation struct {
	ID         string           `json:"id"`
	Email      string           `json:"email"`
	TreeNodeID string           `json:"tree_node_id"`
	FamilyID   int64            `json:"family_id"`
	Status     InvitationStatus `json:"status"`
	InvitedBy  int64            `json:"invited_by"`
	CodeHash   string           `json:"-"`
	Attempts   int              `json:"attempts"`
	ExpiresAt  time.Time        `json:"expires_at"`
	AcceptedAt *time.Time       `json:"accepted_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Expired reports whether the invitation is past its expiry at now.
func (i Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
