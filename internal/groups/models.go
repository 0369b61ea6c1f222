package groups

import (
	"time"

	"github.com/google/uuid"

	"parley/internal/conversations"
)

// Group is the durable description of a shared space. Each group owns
// exactly one backing conversation for its lifetime. The json tags are the
// change feed row format.
type Group struct {
	ID             uuid.UUID                `json:"id"`
	Tag            string                   `json:"tag"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description"`
	Visibility     conversations.Visibility `json:"visibility"`
	CreatorID      uuid.UUID                `json:"creator_id"`
	ConversationID uuid.UUID                `json:"conversation_id"`
	Business       bool                     `json:"business"`
	Abandoned      bool                     `json:"abandoned"`
	CreatedAt      time.Time                `json:"created_at"`
}

// Joinable reports whether the group accepts uninvited public joins.
func (g *Group) Joinable() bool {
	return g.Visibility == conversations.VisibilityPublic && !g.Abandoned
}

type Member struct {
	GroupID  uuid.UUID `json:"group_id"`
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// JoinRequest is a user asking to enter a private group. Any current member
// may resolve it.
type JoinRequest struct {
	ID         uuid.UUID     `json:"id"`
	GroupID    uuid.UUID     `json:"group_id"`
	UserID     uuid.UUID     `json:"user_id"`
	Status     RequestStatus `json:"status"`
	ResolvedBy uuid.UUID     `json:"resolved_by"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at"`
}

// Invite is a member pulling another user in, pending until the invitee
// answers. Works for both visibilities.
type Invite struct {
	ID         uuid.UUID     `json:"id"`
	GroupID    uuid.UUID     `json:"group_id"`
	InviterID  uuid.UUID     `json:"inviter_id"`
	InviteeID  uuid.UUID     `json:"invitee_id"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at"`
}
