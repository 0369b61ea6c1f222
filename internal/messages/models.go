package messages

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message. Transitions only ever move
// forward: sending -> {sent, failed}, sent -> delivered -> read. A failed
// message is recovered by a fresh send with a new id, never by mutation.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether moving from s to next is a legal forward
// step of the status machine.
func (s Status) CanTransition(next Status) bool {
	if next == StatusFailed {
		return s == StatusSending
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is immutable once its message is sent.
type Attachment struct {
	ID   uuid.UUID      `json:"id"`
	Name string         `json:"name"`
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
}

// Message is one entry of a conversation's ordered timeline. The id is
// assigned by the sending session before durable confirmation and never
// reused; Seq is the server-assigned order, zero until confirmed.
type Message struct {
	ID             uuid.UUID    `json:"id"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	SenderID       uuid.UUID    `json:"sender_id"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Status         Status       `json:"status"`
	Seq            int64        `json:"seq"`
	SentAt         time.Time    `json:"sent_at"`
	Edited         bool         `json:"edited"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`

	// Reactions maps emoji to the set of users who applied it; a user
	// appears at most once per emoji.
	Reactions map[string][]uuid.UUID `json:"reactions,omitempty"`
}

// Reaction is the (message, user, emoji) triple; keying reactions by the
// full triple makes apply and remove naturally idempotent.
type Reaction struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *Message) hasReaction(emoji string, userID uuid.UUID) bool {
	for _, id := range m.Reactions[emoji] {
		if id == userID {
			return true
		}
	}
	return false
}

func (m *Message) addReaction(emoji string, userID uuid.UUID) {
	if m.hasReaction(emoji, userID) {
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]uuid.UUID)
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
}

func (m *Message) removeReaction(emoji string, userID uuid.UUID) {
	users := m.Reactions[emoji]
	for i, id := range users {
		if id == userID {
			users = append(users[:i], users[i+1:]...)
			break
		}
	}
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = users
	}
}

func (m *Message) clone() *Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string][]uuid.UUID, len(m.Reactions))
		for emoji, users := range m.Reactions {
			c.Reactions[emoji] = append([]uuid.UUID(nil), users...)
		}
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		c.EditedAt = &at
	}
	return &c
}
