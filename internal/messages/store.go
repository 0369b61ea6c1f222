package messages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parley/infrastructure"
	"parley/internal/changefeed"
)

// RegistryHook is the Conversation Registry's surface as seen from the
// message store: membership checks plus recomputation of the derived unread
// and preview state. Local actions and feed echoes both land here, so the
// hooks fire exactly once per durable change.
type RegistryHook interface {
	IsMember(conversationID, userID uuid.UUID) bool
	MessageAppended(conversationID, messageID, senderID uuid.UUID, body string, at time.Time, seq int64)
	MessageDeleted(ctx context.Context, conversationID, messageID uuid.UUID)
	MessageEdited(conversationID, messageID uuid.UUID, body string)
}

type timeline struct {
	msgs   []*Message
	loaded bool
}

// Store owns the ordered message collection of every conversation and all
// status, edit and reaction transitions on it. Mutations are applied
// optimistically to the in-memory timeline, then submitted for durable
// write; the durable outcome either promotes or rolls back the tentative
// entry. The sync layer feeds remote changes through Apply, which reuses the
// same transitions.
type Store struct {
	mu       sync.Mutex
	repo     Repository
	registry RegistryHook
	log      *zap.SugaredLogger

	timelines map[uuid.UUID]*timeline
	byID      map[uuid.UUID]*Message
}

func NewStore(repo Repository, registry RegistryHook, log *zap.SugaredLogger) *Store {
	return &Store{
		repo:      repo,
		registry:  registry,
		log:       log,
		timelines: make(map[uuid.UUID]*timeline),
		byID:      make(map[uuid.UUID]*Message),
	}
}

func (s *Store) timelineLocked(conversationID uuid.UUID) *timeline {
	t, ok := s.timelines[conversationID]
	if !ok {
		t = &timeline{}
		s.timelines[conversationID] = t
	}
	return t
}

func (s *Store) ensureLoaded(ctx context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	t := s.timelineLocked(conversationID)
	if t.loaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	durable, err := s.repo.ListByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t = s.timelineLocked(conversationID)
	if t.loaded {
		return nil
	}
	for _, m := range durable {
		if _, known := s.byID[m.ID]; known {
			continue
		}
		t.msgs = append(t.msgs, m)
		s.byID[m.ID] = m
	}
	t.sortLocked()
	t.loaded = true
	return nil
}

// sortLocked keeps the total order authoritative from the store: confirmed
// messages by (seq, id), optimistic ones after them by submission time.
func (t *timeline) sortLocked() {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		a, b := t.msgs[i], t.msgs[j]
		switch {
		case a.Seq > 0 && b.Seq > 0:
			if a.Seq != b.Seq {
				return a.Seq < b.Seq
			}
			return a.ID.String() < b.ID.String()
		case a.Seq > 0:
			return true
		case b.Seq > 0:
			return false
		default:
			if !a.SentAt.Equal(b.SentAt) {
				return a.SentAt.Before(b.SentAt)
			}
			return a.ID.String() < b.ID.String()
		}
	})
}

func (t *timeline) removeLocked(messageID uuid.UUID) *Message {
	for i, m := range t.msgs {
		if m.ID == messageID {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return m
		}
	}
	return nil
}

// Send materializes the message locally with status sending before the
// durable round-trip. Durable acknowledgment promotes it to sent with its
// server sequence; failure leaves the failed artifact visible so the caller
// can retry as a fresh send. The returned message reflects the final local
// state either way.
func (s *Store) Send(ctx context.Context, senderID, conversationID uuid.UUID, body string, attachments []Attachment) (*Message, error) {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return nil, fmt.Errorf("%w: empty message", infrastructure.ErrValidation)
	}
	if !s.registry.IsMember(conversationID, senderID) {
		return nil, fmt.Errorf("%w: not a participant of %s", infrastructure.ErrUnauthorized, conversationID)
	}
	if err := s.ensureLoaded(ctx, conversationID); err != nil {
		return nil, err
	}

	for i := range attachments {
		if attachments[i].ID == uuid.Nil {
			attachments[i].ID = uuid.New()
		}
	}
	msg := &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Attachments:    attachments,
		Status:         StatusSending,
		SentAt:         time.Now(),
	}

	s.mu.Lock()
	t := s.timelineLocked(conversationID)
	t.msgs = append(t.msgs, msg)
	s.byID[msg.ID] = msg
	s.mu.Unlock()

	seq, err := s.repo.Insert(ctx, msg)
	if err != nil {
		s.mu.Lock()
		if msg.Status == StatusSending {
			msg.Status = StatusFailed
		}
		failed := msg.clone()
		s.mu.Unlock()
		return failed, fmt.Errorf("send not confirmed: %w", err)
	}

	s.mu.Lock()
	promoted := false
	if msg.Status.CanTransition(StatusSent) {
		msg.Status = StatusSent
		msg.Seq = seq
		t.sortLocked()
		promoted = true
	}
	confirmed := msg.clone()
	s.mu.Unlock()

	if promoted {
		s.registry.MessageAppended(conversationID, msg.ID, senderID, body, confirmed.SentAt, seq)
	}
	return confirmed, nil
}

// loadMessage resolves a message by id, materializing its conversation's
// timeline from the store when this process has never touched it.
func (s *Store) loadMessage(ctx context.Context, messageID uuid.UUID) (*Message, error) {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	s.mu.Unlock()
	if ok {
		return msg, nil
	}

	durable, err := s.repo.Find(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureLoaded(ctx, durable.ConversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	msg, ok = s.byID[messageID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: message %s", infrastructure.ErrNotFound, messageID)
	}
	return msg, nil
}

// Edit rewrites the body of the caller's own message.
func (s *Store) Edit(ctx context.Context, callerID, messageID uuid.UUID, newBody string) error {
	if strings.TrimSpace(newBody) == "" {
		return fmt.Errorf("%w: empty message body", infrastructure.ErrValidation)
	}

	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if msg.SenderID != callerID {
		s.mu.Unlock()
		return fmt.Errorf("%w: only the sender may edit", infrastructure.ErrUnauthorized)
	}
	if msg.Seq == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: message not confirmed yet", infrastructure.ErrValidation)
	}

	prevBody, prevEdited, prevEditedAt := msg.Body, msg.Edited, msg.EditedAt
	now := time.Now()
	msg.Body = newBody
	msg.Edited = true
	msg.EditedAt = &now
	conversationID := msg.ConversationID
	s.mu.Unlock()

	if err := s.repo.UpdateBody(ctx, messageID, newBody, now); err != nil {
		s.mu.Lock()
		msg.Body = prevBody
		msg.Edited = prevEdited
		msg.EditedAt = prevEditedAt
		s.mu.Unlock()
		return err
	}

	s.registry.MessageEdited(conversationID, messageID, newBody)
	return nil
}

// Delete removes the caller's own message from the timeline. A message that
// never reached the store (failed or still sending) is dropped locally only.
func (s *Store) Delete(ctx context.Context, callerID, messageID uuid.UUID) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if msg.SenderID != callerID {
		s.mu.Unlock()
		return fmt.Errorf("%w: only the sender may delete", infrastructure.ErrUnauthorized)
	}
	t := s.timelineLocked(msg.ConversationID)
	removed := t.removeLocked(messageID)
	delete(s.byID, messageID)
	local := msg.Seq == 0
	conversationID := msg.ConversationID
	s.mu.Unlock()

	if local {
		return nil
	}

	if err := s.repo.Delete(ctx, messageID); err != nil {
		s.mu.Lock()
		if removed != nil {
			t.msgs = append(t.msgs, removed)
			t.sortLocked()
			s.byID[messageID] = removed
		}
		s.mu.Unlock()
		return err
	}

	s.registry.MessageDeleted(ctx, conversationID, messageID)
	return nil
}

// React toggles the caller's emoji on a message: present removes it, absent
// adds it. Duplicate delivery of either direction is a no-op because the
// durable state is keyed by the (message, user, emoji) triple.
func (s *Store) React(ctx context.Context, callerID, messageID uuid.UUID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("%w: empty reaction", infrastructure.ErrValidation)
	}

	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.registry.IsMember(msg.ConversationID, callerID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: not a participant", infrastructure.ErrUnauthorized)
	}
	if msg.Seq == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: message not confirmed yet", infrastructure.ErrValidation)
	}
	adding := !msg.hasReaction(emoji, callerID)
	if adding {
		msg.addReaction(emoji, callerID)
	} else {
		msg.removeReaction(emoji, callerID)
	}
	s.mu.Unlock()

	reaction := &Reaction{MessageID: messageID, UserID: callerID, Emoji: emoji, CreatedAt: time.Now()}
	if adding {
		err = s.repo.AddReaction(ctx, reaction)
	} else {
		err = s.repo.RemoveReaction(ctx, reaction)
	}
	if err != nil {
		s.mu.Lock()
		if adding {
			msg.removeReaction(emoji, callerID)
		} else {
			msg.addReaction(emoji, callerID)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// MarkDelivered and MarkRead advance the delivery state from the receiving
// side. Regressions are rejected by the status machine on both the local
// and the durable copy.
func (s *Store) MarkDelivered(ctx context.Context, callerID, messageID uuid.UUID) error {
	return s.advanceStatus(ctx, callerID, messageID, StatusDelivered)
}

func (s *Store) MarkRead(ctx context.Context, callerID, messageID uuid.UUID) error {
	return s.advanceStatus(ctx, callerID, messageID, StatusRead)
}

func (s *Store) advanceStatus(ctx context.Context, callerID, messageID uuid.UUID, next Status) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if msg.SenderID == callerID {
		s.mu.Unlock()
		return fmt.Errorf("%w: a sender cannot acknowledge their own message", infrastructure.ErrUnauthorized)
	}
	if !s.registry.IsMember(msg.ConversationID, callerID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: not a participant", infrastructure.ErrUnauthorized)
	}
	if !msg.Status.CanTransition(next) {
		s.mu.Unlock()
		return nil
	}
	prev := msg.Status
	msg.Status = next
	s.mu.Unlock()

	if err := s.repo.UpdateStatus(ctx, messageID, next); err != nil {
		s.mu.Lock()
		if msg.Status == next {
			msg.Status = prev
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Conversation returns a snapshot of the ordered timeline for a participant.
func (s *Store) Conversation(ctx context.Context, callerID, conversationID uuid.UUID) ([]*Message, error) {
	if !s.registry.IsMember(conversationID, callerID) {
		return nil, fmt.Errorf("%w: not a participant of %s", infrastructure.ErrUnauthorized, conversationID)
	}
	if err := s.ensureLoaded(ctx, conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.timelineLocked(conversationID)
	snapshot := make([]*Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		snapshot = append(snapshot, m.clone())
	}
	return snapshot, nil
}

// Apply routes a change-feed event through the same transitions local
// actions use. The echo of this session's own send is recognized by id and
// promotes the optimistic entry instead of duplicating it; replayed events
// are naturally idempotent.
func (s *Store) Apply(ctx context.Context, ev changefeed.Event) error {
	switch ev.Table {
	case "messages":
		return s.applyMessage(ctx, ev)
	case "message_reactions":
		return s.applyReaction(ev)
	default:
		return fmt.Errorf("unroutable table %q", ev.Table)
	}
}

func (s *Store) applyMessage(ctx context.Context, ev changefeed.Event) error {
	var incoming Message
	if err := ev.Decode(&incoming); err != nil {
		return fmt.Errorf("failed to decode message event: %w", err)
	}

	switch ev.Op {
	case changefeed.OpInsert:
		s.mu.Lock()
		if existing, known := s.byID[incoming.ID]; known {
			// Echo of a send already applied locally.
			promoted := false
			if existing.Seq == 0 && existing.Status.CanTransition(StatusSent) {
				existing.Seq = incoming.Seq
				existing.Status = StatusSent
				s.timelineLocked(existing.ConversationID).sortLocked()
				promoted = true
			}
			s.mu.Unlock()
			if promoted {
				s.registry.MessageAppended(existing.ConversationID, existing.ID, existing.SenderID, existing.Body, existing.SentAt, incoming.Seq)
			}
			return nil
		}
		t := s.timelineLocked(incoming.ConversationID)
		if !t.loaded && len(t.msgs) == 0 {
			// Timeline never materialized here; the registry still needs
			// the append for unread accounting.
			s.mu.Unlock()
			s.registry.MessageAppended(incoming.ConversationID, incoming.ID, incoming.SenderID, incoming.Body, incoming.SentAt, incoming.Seq)
			return nil
		}
		m := incoming.clone()
		t.msgs = append(t.msgs, m)
		t.sortLocked()
		s.byID[m.ID] = m
		s.mu.Unlock()
		s.registry.MessageAppended(m.ConversationID, m.ID, m.SenderID, m.Body, m.SentAt, m.Seq)
		return nil

	case changefeed.OpUpdate:
		s.mu.Lock()
		existing, known := s.byID[incoming.ID]
		if !known {
			s.mu.Unlock()
			return nil
		}
		edited := incoming.Edited && incoming.Body != existing.Body
		if incoming.Edited {
			existing.Body = incoming.Body
			existing.Edited = true
			existing.EditedAt = incoming.EditedAt
		}
		if existing.Status.CanTransition(incoming.Status) {
			existing.Status = incoming.Status
		}
		conversationID := existing.ConversationID
		s.mu.Unlock()
		if edited {
			s.registry.MessageEdited(conversationID, incoming.ID, incoming.Body)
		}
		return nil

	case changefeed.OpDelete:
		s.mu.Lock()
		existing, known := s.byID[incoming.ID]
		if !known {
			s.mu.Unlock()
			return nil
		}
		s.timelineLocked(existing.ConversationID).removeLocked(incoming.ID)
		delete(s.byID, incoming.ID)
		conversationID := existing.ConversationID
		s.mu.Unlock()
		s.registry.MessageDeleted(ctx, conversationID, incoming.ID)
		return nil
	}
	return fmt.Errorf("unknown op %q", ev.Op)
}

func (s *Store) applyReaction(ev changefeed.Event) error {
	var reaction Reaction
	if err := ev.Decode(&reaction); err != nil {
		return fmt.Errorf("failed to decode reaction event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg, known := s.byID[reaction.MessageID]
	if !known {
		return nil
	}
	if ev.Op == changefeed.OpDelete {
		msg.removeReaction(reaction.Emoji, reaction.UserID)
	} else {
		msg.addReaction(reaction.Emoji, reaction.UserID)
	}
	return nil
}
