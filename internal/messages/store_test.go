package messages

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"parley/infrastructure"
	"parley/internal/changefeed"
	"parley/pkg/logger"
)

type fakeRepo struct {
	nextSeq    int64
	failInsert bool
	failStatus bool
	durable    []*Message
	statuses   map[uuid.UUID]Status
	reactions  map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		statuses:  make(map[uuid.UUID]Status),
		reactions: make(map[string]bool),
	}
}

func (r *fakeRepo) Insert(_ context.Context, m *Message) (int64, error) {
	if r.failInsert {
		return 0, infrastructure.ErrTransient
	}
	r.nextSeq++
	confirmed := *m
	confirmed.Seq = r.nextSeq
	confirmed.Status = StatusSent
	r.durable = append(r.durable, &confirmed)
	return r.nextSeq, nil
}

func (r *fakeRepo) UpdateBody(_ context.Context, _ uuid.UUID, _ string, _ time.Time) error {
	return nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	if r.failStatus {
		return infrastructure.ErrTransient
	}
	r.statuses[id] = status
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, _ uuid.UUID) error { return nil }

func (r *fakeRepo) AddReaction(_ context.Context, reaction *Reaction) error {
	r.reactions[reaction.MessageID.String()+reaction.UserID.String()+reaction.Emoji] = true
	return nil
}

func (r *fakeRepo) RemoveReaction(_ context.Context, reaction *Reaction) error {
	delete(r.reactions, reaction.MessageID.String()+reaction.UserID.String()+reaction.Emoji)
	return nil
}

func (r *fakeRepo) Find(_ context.Context, messageID uuid.UUID) (*Message, error) {
	for _, m := range r.durable {
		if m.ID == messageID {
			c := *m
			return &c, nil
		}
	}
	return nil, infrastructure.ErrNotFound
}

func (r *fakeRepo) ListByConversation(_ context.Context, conversationID uuid.UUID) ([]*Message, error) {
	var out []*Message
	for _, m := range r.durable {
		if m.ConversationID == conversationID {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	members  map[uuid.UUID]map[uuid.UUID]bool
	appended []uuid.UUID
	deleted  []uuid.UUID
	edited   []uuid.UUID
}

func newFakeRegistry(conversationID uuid.UUID, users ...uuid.UUID) *fakeRegistry {
	members := map[uuid.UUID]map[uuid.UUID]bool{conversationID: {}}
	for _, u := range users {
		members[conversationID][u] = true
	}
	return &fakeRegistry{members: members}
}

func (f *fakeRegistry) IsMember(conversationID, userID uuid.UUID) bool {
	return f.members[conversationID][userID]
}

func (f *fakeRegistry) MessageAppended(_, messageID, _ uuid.UUID, _ string, _ time.Time, _ int64) {
	f.appended = append(f.appended, messageID)
}

func (f *fakeRegistry) MessageDeleted(_ context.Context, _, messageID uuid.UUID) {
	f.deleted = append(f.deleted, messageID)
}

func (f *fakeRegistry) MessageEdited(_, messageID uuid.UUID, _ string) {
	f.edited = append(f.edited, messageID)
}

func TestSendConfirmsAndNotifiesOnce(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	repo := newFakeRepo()
	registry := newFakeRegistry(conv, sender)
	store := NewStore(repo, registry, logger.Nop())

	msg, err := store.Send(context.Background(), sender, conv, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != StatusSent {
		t.Fatalf("status = %s, want %s", msg.Status, StatusSent)
	}
	if msg.Seq != 1 {
		t.Fatalf("seq = %d, want 1", msg.Seq)
	}
	if len(registry.appended) != 1 || registry.appended[0] != msg.ID {
		t.Fatalf("appended hooks = %v, want exactly the sent message", registry.appended)
	}
}

func TestSendRejectsNonMember(t *testing.T) {
	conv := uuid.New()
	store := NewStore(newFakeRepo(), newFakeRegistry(conv), logger.Nop())

	_, err := store.Send(context.Background(), uuid.New(), conv, "hi", nil)
	if !errors.Is(err, infrastructure.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestFailedSendLeavesArtifactAndRetryUsesNewID(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	repo := newFakeRepo()
	repo.failInsert = true
	registry := newFakeRegistry(conv, sender)
	store := NewStore(repo, registry, logger.Nop())

	failed, err := store.Send(context.Background(), sender, conv, "lost", nil)
	if err == nil {
		t.Fatal("expected send to fail")
	}
	if failed == nil || failed.Status != StatusFailed {
		t.Fatalf("failed artifact = %+v, want status failed", failed)
	}
	if len(registry.appended) != 0 {
		t.Fatal("a failed send must not reach the registry")
	}

	timeline, err := store.Conversation(context.Background(), sender, conv)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(timeline) != 1 || timeline[0].Status != StatusFailed {
		t.Fatalf("timeline = %+v, want the visible failed artifact", timeline)
	}

	repo.failInsert = false
	retried, err := store.Send(context.Background(), sender, conv, "lost", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID == failed.ID {
		t.Fatal("retry must be a fresh send with a new id")
	}
}

func TestEditOnlyBySender(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	other := uuid.New()
	repo := newFakeRepo()
	registry := newFakeRegistry(conv, sender, other)
	store := NewStore(repo, registry, logger.Nop())

	msg, err := store.Send(context.Background(), sender, conv, "draft", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := store.Edit(context.Background(), other, msg.ID, "hijacked"); !errors.Is(err, infrastructure.ErrUnauthorized) {
		t.Fatalf("edit by non-sender: err = %v, want ErrUnauthorized", err)
	}
	if err := store.Edit(context.Background(), sender, msg.ID, "fixed"); err != nil {
		t.Fatalf("edit by sender: %v", err)
	}

	timeline, _ := store.Conversation(context.Background(), sender, conv)
	if timeline[0].Body != "fixed" || !timeline[0].Edited {
		t.Fatalf("message = %+v, want edited body", timeline[0])
	}
	if len(registry.edited) != 1 {
		t.Fatalf("edited hooks = %d, want 1", len(registry.edited))
	}
}

func TestReactToggleIsInvolution(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	reactor := uuid.New()
	repo := newFakeRepo()
	registry := newFakeRegistry(conv, sender, reactor)
	store := NewStore(repo, registry, logger.Nop())

	msg, err := store.Send(context.Background(), sender, conv, "react to me", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := store.React(context.Background(), reactor, msg.ID, "👍"); err != nil {
		t.Fatalf("first react: %v", err)
	}
	timeline, _ := store.Conversation(context.Background(), sender, conv)
	if len(timeline[0].Reactions["👍"]) != 1 {
		t.Fatalf("reactions = %v, want one 👍", timeline[0].Reactions)
	}

	if err := store.React(context.Background(), reactor, msg.ID, "👍"); err != nil {
		t.Fatalf("second react: %v", err)
	}
	timeline, _ = store.Conversation(context.Background(), sender, conv)
	if len(timeline[0].Reactions) != 0 {
		t.Fatalf("reactions = %v, want none after toggle", timeline[0].Reactions)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	reader := uuid.New()
	repo := newFakeRepo()
	registry := newFakeRegistry(conv, sender, reader)
	store := NewStore(repo, registry, logger.Nop())

	msg, err := store.Send(context.Background(), sender, conv, "status", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := store.MarkRead(context.Background(), reader, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// A late delivered receipt after read is dropped, not an error.
	if err := store.MarkDelivered(context.Background(), reader, msg.ID); err != nil {
		t.Fatalf("late delivered: %v", err)
	}

	timeline, _ := store.Conversation(context.Background(), sender, conv)
	if timeline[0].Status != StatusRead {
		t.Fatalf("status = %s, want read", timeline[0].Status)
	}

	if err := store.MarkRead(context.Background(), sender, msg.ID); !errors.Is(err, infrastructure.ErrUnauthorized) {
		t.Fatalf("sender acknowledging own message: err = %v, want ErrUnauthorized", err)
	}
}

func TestAcknowledgeLoadsUnseenConversation(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	reader := uuid.New()
	repo := newFakeRepo()
	repo.nextSeq = 3
	durable := &Message{
		ID:             uuid.New(),
		ConversationID: conv,
		SenderID:       sender,
		Body:           "from before this process",
		Status:         StatusSent,
		Seq:            3,
		SentAt:         time.Now().Add(-time.Hour),
	}
	repo.durable = append(repo.durable, durable)
	registry := newFakeRegistry(conv, sender, reader)

	// A fresh store has never touched the conversation; the durable message
	// must still be acknowledgeable.
	store := NewStore(repo, registry, logger.Nop())
	if err := store.MarkDelivered(context.Background(), reader, durable.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if repo.statuses[durable.ID] != StatusDelivered {
		t.Fatalf("durable status = %s, want delivered", repo.statuses[durable.ID])
	}

	timeline, err := store.Conversation(context.Background(), reader, conv)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(timeline) != 1 || timeline[0].Status != StatusDelivered {
		t.Fatalf("timeline = %+v, want the delivered message", timeline)
	}

	if err := store.MarkRead(context.Background(), reader, uuid.New()); !errors.Is(err, infrastructure.ErrNotFound) {
		t.Fatalf("unknown message: err = %v, want ErrNotFound", err)
	}
}

func feedEvent(t *testing.T, table string, op changefeed.Op, payload interface{}, seq int64) changefeed.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ev := changefeed.Event{Seq: seq, Table: table, Op: op}
	if op == changefeed.OpDelete {
		ev.Before = raw
	} else {
		ev.After = raw
	}
	return ev
}

func TestApplyEchoPromotesWithoutDuplicateHook(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	repo := newFakeRepo()
	registry := newFakeRegistry(conv, sender)
	store := NewStore(repo, registry, logger.Nop())

	msg, err := store.Send(context.Background(), sender, conv, "echoed", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	echo := *msg
	if err := store.Apply(context.Background(), feedEvent(t, "messages", changefeed.OpInsert, &echo, 10)); err != nil {
		t.Fatalf("apply echo: %v", err)
	}
	if len(registry.appended) != 1 {
		t.Fatalf("appended hooks = %d, want 1 despite the feed echo", len(registry.appended))
	}

	timeline, _ := store.Conversation(context.Background(), sender, conv)
	if len(timeline) != 1 {
		t.Fatalf("timeline length = %d, want 1", len(timeline))
	}
}

func TestApplyRemoteInsertAndDelete(t *testing.T) {
	conv := uuid.New()
	local := uuid.New()
	remote := uuid.New()
	repo := newFakeRepo()
	registry := newFakeRegistry(conv, local, remote)
	store := NewStore(repo, registry, logger.Nop())

	if _, err := store.Send(context.Background(), local, conv, "mine", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	incoming := &Message{
		ID:             uuid.New(),
		ConversationID: conv,
		SenderID:       remote,
		Body:           "theirs",
		Status:         StatusSent,
		Seq:            7,
		SentAt:         time.Now(),
	}
	if err := store.Apply(context.Background(), feedEvent(t, "messages", changefeed.OpInsert, incoming, 7)); err != nil {
		t.Fatalf("apply insert: %v", err)
	}

	timeline, _ := store.Conversation(context.Background(), local, conv)
	if len(timeline) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(timeline))
	}
	if timeline[1].ID != incoming.ID {
		t.Fatalf("remote message should sort last by seq, got %v", timeline)
	}

	if err := store.Apply(context.Background(), feedEvent(t, "messages", changefeed.OpDelete, incoming, 8)); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	timeline, _ = store.Conversation(context.Background(), local, conv)
	if len(timeline) != 1 {
		t.Fatalf("timeline length after delete = %d, want 1", len(timeline))
	}
	if len(registry.deleted) != 1 {
		t.Fatalf("deleted hooks = %d, want 1", len(registry.deleted))
	}
}

func TestApplyReactionIsIdempotent(t *testing.T) {
	conv := uuid.New()
	sender := uuid.New()
	reactor := uuid.New()
	repo := newFakeRepo()
	registry := newFakeRegistry(conv, sender, reactor)
	store := NewStore(repo, registry, logger.Nop())

	msg, err := store.Send(context.Background(), sender, conv, "popular", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	reaction := &Reaction{MessageID: msg.ID, UserID: reactor, Emoji: "🎉"}
	for i := 0; i < 3; i++ {
		if err := store.Apply(context.Background(), feedEvent(t, "message_reactions", changefeed.OpInsert, reaction, int64(20+i))); err != nil {
			t.Fatalf("apply reaction: %v", err)
		}
	}

	timeline, _ := store.Conversation(context.Background(), sender, conv)
	if got := len(timeline[0].Reactions["🎉"]); got != 1 {
		t.Fatalf("reaction count = %d, want 1 after replays", got)
	}
}
