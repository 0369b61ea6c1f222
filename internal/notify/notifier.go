package notify

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies an advisory signal for the application shell. These are
// not part of the durable data model.
type Kind string

const (
	KindMessageReceived     Kind = "message_received"
	KindInvitationReceived  Kind = "invitation_received"
	KindInvitationResponded Kind = "invitation_responded"
	KindGroupJoinResult     Kind = "group_join_result"
	KindGroupInvite         Kind = "group_invite"
)

type Notification struct {
	Kind           Kind      `json:"kind"`
	UserID         uuid.UUID `json:"user_id"`
	ConversationID uuid.UUID `json:"conversation_id,omitempty"`
	InvitationID   uuid.UUID `json:"invitation_id,omitempty"`
	GroupID        uuid.UUID `json:"group_id,omitempty"`
	Body           string    `json:"body,omitempty"`
	At             time.Time `json:"at"`
}

type Notifier interface {
	Notify(n Notification)
}

// ChannelNotifier exposes notifications to the shell on a buffered channel.
// Delivery is advisory: when the shell cannot keep up the signal is dropped
// and logged, never allowed to block a component.
type ChannelNotifier struct {
	events chan Notification
	log    *zap.SugaredLogger
}

func NewChannelNotifier(log *zap.SugaredLogger) *ChannelNotifier {
	return &ChannelNotifier{
		events: make(chan Notification, 128),
		log:    log,
	}
}

func (c *ChannelNotifier) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case c.events <- n:
	default:
		c.log.Warnw("notification dropped", "kind", n.Kind, "user_id", n.UserID)
	}
}

func (c *ChannelNotifier) Events() <-chan Notification {
	return c.events
}

// Fanout delivers each notification to every wrapped notifier.
type Fanout []Notifier

func (f Fanout) Notify(n Notification) {
	for _, notifier := range f {
		notifier.Notify(n)
	}
}
