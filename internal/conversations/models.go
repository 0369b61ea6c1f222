package conversations

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Conversation is the shared shape of both variants. Direct conversations
// carry PairKey (the unordered user pair, unique per pair); group
// conversations carry the group fields instead.
type Conversation struct {
	ID   uuid.UUID `json:"id"`
	Kind Kind      `json:"kind"`
	Name string    `json:"name"`

	// Direct only.
	PairKey string `json:"pair_key,omitempty"`

	// Group only.
	GroupID    uuid.UUID  `json:"group_id,omitempty"`
	GroupTag   string     `json:"group_tag,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Counterpart returns the other user of a direct conversation's pair.
func (c *Conversation) Counterpart(userID uuid.UUID) uuid.UUID {
	if c.Kind != KindDirect {
		return uuid.Nil
	}
	a, b, err := SplitPairKey(c.PairKey)
	if err != nil {
		return uuid.Nil
	}
	if a == userID {
		return b
	}
	return a
}

// PairKeyFor builds the canonical unordered pair key for two users, so at
// most one direct conversation can exist per pair regardless of who
// initiated it.
func PairKeyFor(a, b uuid.UUID) string {
	if a.String() > b.String() {
		a, b = b, a
	}
	return a.String() + ":" + b.String()
}

func SplitPairKey(key string) (uuid.UUID, uuid.UUID, error) {
	var a, b uuid.UUID
	var err error
	if len(key) != 73 {
		return a, b, ErrBadPairKey
	}
	if a, err = uuid.Parse(key[:36]); err != nil {
		return a, b, err
	}
	if b, err = uuid.Parse(key[37:]); err != nil {
		return a, b, err
	}
	return a, b, nil
}

// Participant is one member of a conversation with their join time.
type Participant struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// ReadMarker records how far a user has read a conversation. Unread state is
// derived from it; the latest applied marker wins across sessions.
type ReadMarker struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	LastReadSeq    int64     `json:"last_read_seq"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Preview is the denormalized last-message view carried by conversation
// listings. It is derived state, recomputed whenever messages change.
type Preview struct {
	MessageID uuid.UUID `json:"message_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Body      string    `json:"body"`
	Seq       int64     `json:"seq"`
	At        time.Time `json:"at"`
}

// Summary is one row of a user's conversation list. Direct conversations
// carry the counterpart's display name; their Name falls back to it.
type Summary struct {
	Conversation
	CounterpartID   uuid.UUID `json:"counterpart_id,omitempty"`
	CounterpartName string    `json:"counterpart_name,omitempty"`
	Unread        int       `json:"unread"`
	LastMessage   *Preview  `json:"last_message,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	MemberCount   int       `json:"member_count"`
}
