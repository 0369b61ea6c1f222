package invitations

import (
	"time"

	"github.com/google/uuid"

	"parley/internal/identity"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Terminal reports whether the invitation has been resolved. Terminal
// invitations never change again.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusDeclined
}

// Invitation is a consent gate in front of direct messaging. The invitee is
// addressed by a normalized identity; InviteeUserID is filled in once the
// identity resolves to a registered profile. The json tags are the change
// feed row format.
type Invitation struct {
	ID             uuid.UUID         `json:"id"`
	InviterID      uuid.UUID         `json:"inviter_id"`
	InviteeKind    identity.Kind     `json:"invitee_kind"`
	InviteeValue   string            `json:"invitee_value"`
	InviteeUserID  uuid.UUID         `json:"invitee_user_id"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	InitialMessage string            `json:"initial_message"`
	Status         Status            `json:"status"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	CreatedAt      time.Time         `json:"created_at"`
	RespondedAt    *time.Time        `json:"responded_at"`
}

func (inv *Invitation) Invitee() identity.Identity {
	return identity.Identity{Kind: inv.InviteeKind, Value: inv.InviteeValue}
}

func (inv *Invitation) clone() *Invitation {
	c := *inv
	if inv.RespondedAt != nil {
		at := *inv.RespondedAt
		c.RespondedAt = &at
	}
	return &c
}
