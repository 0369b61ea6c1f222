package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"parley/infrastructure"
	"parley/internal/changefeed"
	"parley/internal/notify"
	"parley/pkg/logger"
)

type fakeRepo struct {
	direct      map[string]*Conversation
	markers     map[string]int64
	markerCalls int
	failMarker  bool

	// hydration fixtures
	all          []*Conversation
	participants []*Participant
	previews     map[uuid.UUID]*Preview
	unread       map[uuid.UUID]map[uuid.UUID]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		direct:   make(map[string]*Conversation),
		markers:  make(map[string]int64),
		previews: make(map[uuid.UUID]*Preview),
		unread:   make(map[uuid.UUID]map[uuid.UUID]int),
	}
}

func (r *fakeRepo) EnsureDirect(_ context.Context, a, b uuid.UUID) (*Conversation, bool, error) {
	key := PairKeyFor(a, b)
	if conv, ok := r.direct[key]; ok {
		return conv, false, nil
	}
	conv := &Conversation{ID: uuid.New(), Kind: KindDirect, PairKey: key, CreatedAt: time.Now()}
	r.direct[key] = conv
	return conv, true, nil
}

func (r *fakeRepo) CreateGroupConversation(_ context.Context, _ *Conversation, _ uuid.UUID) error {
	return nil
}

func (r *fakeRepo) AddParticipant(_ context.Context, _, _ uuid.UUID) error    { return nil }
func (r *fakeRepo) RemoveParticipant(_ context.Context, _, _ uuid.UUID) error { return nil }

func (r *fakeRepo) SetReadMarker(_ context.Context, conversationID, userID uuid.UUID, lastReadSeq int64) error {
	if r.failMarker {
		return infrastructure.ErrTransient
	}
	r.markerCalls++
	key := conversationID.String() + userID.String()
	if lastReadSeq > r.markers[key] {
		r.markers[key] = lastReadSeq
	}
	return nil
}

func (r *fakeRepo) ListAll(_ context.Context) ([]*Conversation, error) { return r.all, nil }
func (r *fakeRepo) ListParticipants(_ context.Context) ([]*Participant, error) {
	return r.participants, nil
}
func (r *fakeRepo) ListReadMarkers(_ context.Context) ([]*ReadMarker, error) { return nil, nil }
func (r *fakeRepo) LatestPreview(_ context.Context, conversationID uuid.UUID) (*Preview, error) {
	return r.previews[conversationID], nil
}
func (r *fakeRepo) UnreadCounts(_ context.Context) (map[uuid.UUID]map[uuid.UUID]int, error) {
	return r.unread, nil
}

type fakeProfiles struct {
	names map[uuid.UUID]string
}

func (p *fakeProfiles) DisplayName(_ context.Context, userID uuid.UUID) (string, error) {
	return p.names[userID], nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeRepo, *notify.ChannelNotifier) {
	t.Helper()
	repo := newFakeRepo()
	channel := notify.NewChannelNotifier(logger.Nop())
	profiles := &fakeProfiles{names: make(map[uuid.UUID]string)}
	return NewRegistry(repo, profiles, channel, logger.Nop()), repo, channel
}

func unreadFor(r *Registry, userID uuid.UUID) int {
	return r.List(context.Background(), userID, "")[0].Unread
}

func TestEnsureDirectIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a, b := uuid.New(), uuid.New()

	first, err := r.EnsureDirect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("ensure direct: %v", err)
	}
	// Same pair in either order converges on one conversation.
	second, err := r.EnsureDirect(context.Background(), b, a)
	if err != nil {
		t.Fatalf("ensure direct again: %v", err)
	}
	if first != second {
		t.Fatalf("conversations differ: %s vs %s", first, second)
	}
	if !r.IsMember(first, a) || !r.IsMember(first, b) {
		t.Fatal("both users must be members")
	}
}

func TestUnreadAccounting(t *testing.T) {
	r, repo, channel := newTestRegistry(t)
	alice, bob := uuid.New(), uuid.New()

	conv, err := r.EnsureDirect(context.Background(), alice, bob)
	if err != nil {
		t.Fatalf("ensure direct: %v", err)
	}

	r.MessageAppended(conv, uuid.New(), alice, "one", time.Now(), 1)
	r.MessageAppended(conv, uuid.New(), alice, "two", time.Now(), 2)

	if got := unreadFor(r, bob); got != 2 {
		t.Fatalf("bob unread = %d, want 2", got)
	}
	if got := unreadFor(r, alice); got != 0 {
		t.Fatalf("alice unread = %d, want 0 for own messages", got)
	}

	// Bob was notified for each unread message.
	notified := 0
	for len(channel.Events()) > 0 {
		n := <-channel.Events()
		if n.UserID == bob && n.Kind == notify.KindMessageReceived {
			notified++
		}
	}
	if notified != 2 {
		t.Fatalf("notifications = %d, want 2", notified)
	}

	if err := r.Select(context.Background(), bob, conv); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := unreadFor(r, bob); got != 0 {
		t.Fatalf("unread after select = %d, want 0", got)
	}
	if repo.markerCalls == 0 {
		t.Fatal("select must persist the read marker")
	}

	// While selected, fresh messages do not count as unread.
	r.MessageAppended(conv, uuid.New(), alice, "three", time.Now(), 3)
	if got := unreadFor(r, bob); got != 0 {
		t.Fatalf("unread while active = %d, want 0", got)
	}

	r.Deselect(bob)
	r.MessageAppended(conv, uuid.New(), alice, "four", time.Now(), 4)
	if got := unreadFor(r, bob); got != 1 {
		t.Fatalf("unread after deselect = %d, want 1", got)
	}
}

func TestStartupReplayDoesNotDoubleCount(t *testing.T) {
	r, repo, channel := newTestRegistry(t)
	alice, bob := uuid.New(), uuid.New()

	conv := &Conversation{ID: uuid.New(), Kind: KindDirect, PairKey: PairKeyFor(alice, bob), CreatedAt: time.Now().Add(-time.Hour)}
	messageID := uuid.New()
	sentAt := time.Now().Add(-time.Minute)
	repo.all = []*Conversation{conv}
	repo.participants = []*Participant{
		{ConversationID: conv.ID, UserID: alice, JoinedAt: conv.CreatedAt},
		{ConversationID: conv.ID, UserID: bob, JoinedAt: conv.CreatedAt},
	}
	repo.previews[conv.ID] = &Preview{MessageID: messageID, SenderID: alice, Body: "hello", Seq: 1, At: sentAt}
	repo.unread = map[uuid.UUID]map[uuid.UUID]int{conv.ID: {bob: 1}}

	if err := r.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if got := unreadFor(r, bob); got != 1 {
		t.Fatalf("hydrated unread = %d, want 1", got)
	}

	// Restart catch-up replays the insert the hydrated counts already cover.
	r.MessageAppended(conv.ID, messageID, alice, "hello", sentAt, 1)
	if got := unreadFor(r, bob); got != 1 {
		t.Fatalf("after replay of the already-counted message: unread = %d, want 1", got)
	}
	if len(channel.Events()) != 0 {
		t.Fatal("replayed message must not re-notify")
	}

	// A genuinely new message still counts.
	r.MessageAppended(conv.ID, uuid.New(), alice, "news", time.Now(), 2)
	if got := unreadFor(r, bob); got != 2 {
		t.Fatalf("after fresh message: unread = %d, want 2", got)
	}
}

func TestSelectRejectsOutsiders(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	alice, bob := uuid.New(), uuid.New()
	conv, _ := r.EnsureDirect(context.Background(), alice, bob)

	if err := r.Select(context.Background(), uuid.New(), conv); !errors.Is(err, infrastructure.ErrUnauthorized) {
		t.Fatalf("outsider select: err = %v, want ErrUnauthorized", err)
	}
	if err := r.Select(context.Background(), alice, uuid.New()); !errors.Is(err, infrastructure.ErrNotFound) {
		t.Fatalf("unknown conversation: err = %v, want ErrNotFound", err)
	}
}

func TestSelectKeepsUnreadWhenMarkerWriteFails(t *testing.T) {
	r, repo, _ := newTestRegistry(t)
	alice, bob := uuid.New(), uuid.New()
	conv, _ := r.EnsureDirect(context.Background(), alice, bob)
	r.MessageAppended(conv, uuid.New(), alice, "unseen", time.Now(), 1)

	repo.failMarker = true
	if err := r.Select(context.Background(), bob, conv); !errors.Is(err, infrastructure.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if got := unreadFor(r, bob); got != 1 {
		t.Fatalf("unread = %d, want 1 after failed select", got)
	}
	if r.IsActive(bob, conv) {
		t.Fatal("conversation must not become active on failure")
	}
}

func TestReadMarkerEventFromOtherSessionResetsUnread(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	alice, bob := uuid.New(), uuid.New()
	conv, _ := r.EnsureDirect(context.Background(), alice, bob)
	r.MessageAppended(conv, uuid.New(), alice, "elsewhere", time.Now(), 5)

	marker := ReadMarker{ConversationID: conv, UserID: bob, LastReadSeq: 5, UpdatedAt: time.Now()}
	raw, _ := json.Marshal(marker)
	ev := changefeed.Event{Seq: 9, Table: "read_markers", Op: changefeed.OpUpdate, After: raw}
	if err := r.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := unreadFor(r, bob); got != 0 {
		t.Fatalf("unread = %d, want 0 after remote marker", got)
	}

	// A stale marker replay does not resurrect the counter state.
	stale := ReadMarker{ConversationID: conv, UserID: bob, LastReadSeq: 2}
	raw, _ = json.Marshal(stale)
	r.MessageAppended(conv, uuid.New(), alice, "new", time.Now(), 6)
	if err := r.Apply(context.Background(), changefeed.Event{Seq: 10, Table: "read_markers", Op: changefeed.OpUpdate, After: raw}); err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if got := unreadFor(r, bob); got != 1 {
		t.Fatalf("unread = %d, want 1 after stale marker ignored", got)
	}
}

func TestListOrderAndFilter(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	withBob, _ := r.EnsureDirect(context.Background(), alice, bob)
	withCarol, _ := r.EnsureDirect(context.Background(), alice, carol)

	r.MessageAppended(withBob, uuid.New(), bob, "older news", time.Now().Add(-time.Hour), 1)
	r.MessageAppended(withCarol, uuid.New(), carol, "fresh gossip", time.Now(), 2)

	list := r.List(context.Background(), alice, "")
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].ID != withCarol {
		t.Fatal("most recent activity must sort first")
	}

	filtered := r.List(context.Background(), alice, "gossip")
	if len(filtered) != 1 || filtered[0].ID != withCarol {
		t.Fatalf("filtered = %+v, want only the gossip conversation", filtered)
	}
}

func TestListResolvesAndFiltersByCounterpartName(t *testing.T) {
	repo := newFakeRepo()
	channel := notify.NewChannelNotifier(logger.Nop())
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	profiles := &fakeProfiles{names: map[uuid.UUID]string{bob: "Bob Woodward", carol: "Carol Danvers"}}
	r := NewRegistry(repo, profiles, channel, logger.Nop())

	withBob, _ := r.EnsureDirect(context.Background(), alice, bob)
	withCarol, _ := r.EnsureDirect(context.Background(), alice, carol)

	list := r.List(context.Background(), alice, "")
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	for _, s := range list {
		want := "Bob Woodward"
		if s.ID == withCarol {
			want = "Carol Danvers"
		}
		if s.CounterpartName != want {
			t.Fatalf("counterpart name = %q, want %q", s.CounterpartName, want)
		}
		if s.Name != want {
			t.Fatalf("direct conversation name = %q, want the counterpart's %q", s.Name, want)
		}
	}

	filtered := r.List(context.Background(), alice, "woodward")
	if len(filtered) != 1 || filtered[0].ID != withBob {
		t.Fatalf("filtered = %+v, want only the conversation with Bob", filtered)
	}
}
