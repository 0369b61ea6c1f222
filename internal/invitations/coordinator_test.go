package invitations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"parley/infrastructure"
	"parley/internal/directory"
	"parley/internal/identity"
	"parley/internal/notify"
	"parley/pkg/logger"
)

type fakeRepo struct {
	byID map[uuid.UUID]*Invitation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[uuid.UUID]*Invitation)}
}

func (r *fakeRepo) Insert(_ context.Context, inv *Invitation) error {
	c := *inv
	r.byID[inv.ID] = &c
	return nil
}

func (r *fakeRepo) FindByID(_ context.Context, id uuid.UUID) (*Invitation, error) {
	inv, ok := r.byID[id]
	if !ok {
		return nil, infrastructure.ErrNotFound
	}
	c := *inv
	return &c, nil
}

func (r *fakeRepo) FindPending(_ context.Context, inviterID uuid.UUID, invitee identity.Identity) (*Invitation, error) {
	for _, inv := range r.byID {
		if inv.InviterID == inviterID && inv.Invitee() == invitee && inv.Status == StatusPending {
			c := *inv
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) ListPendingFor(_ context.Context, inviteeUserID uuid.UUID) ([]*Invitation, error) {
	var out []*Invitation
	for _, inv := range r.byID {
		if inv.InviteeUserID == inviteeUserID && inv.Status == StatusPending {
			c := *inv
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkResponded(_ context.Context, id uuid.UUID, status Status, conversationID uuid.UUID, at time.Time) (*Invitation, error) {
	inv, ok := r.byID[id]
	if !ok || inv.Status != StatusPending {
		return nil, infrastructure.ErrNotFound
	}
	inv.Status = status
	inv.ConversationID = conversationID
	inv.RespondedAt = &at
	c := *inv
	return &c, nil
}

type fakeResolver struct {
	accounts map[string]uuid.UUID
}

func (r *fakeResolver) Resolve(_ context.Context, id identity.Identity) (*directory.Candidate, error) {
	userID, ok := r.accounts[id.String()]
	if !ok {
		return nil, nil
	}
	return &directory.Candidate{ID: userID}, nil
}

type fakeConversations struct {
	created int
	pairs   map[string]uuid.UUID
}

func (f *fakeConversations) EnsureDirect(_ context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	key := a.String() + b.String()
	if b.String() < a.String() {
		key = b.String() + a.String()
	}
	if f.pairs == nil {
		f.pairs = make(map[string]uuid.UUID)
	}
	if id, ok := f.pairs[key]; ok {
		return id, nil
	}
	f.created++
	id := uuid.New()
	f.pairs[key] = id
	return id, nil
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) { r.sent = append(r.sent, n) }

type recordingEmail struct {
	sent []string
}

func (r *recordingEmail) SendInvitationEmail(to, _, _, _ string) error {
	r.sent = append(r.sent, to)
	return nil
}

type testEnv struct {
	coordinator *Coordinator
	repo        *fakeRepo
	convs       *fakeConversations
	notifier    *recordingNotifier
	email       *recordingEmail
	invitee     uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	invitee := uuid.New()
	repo := newFakeRepo()
	resolver := &fakeResolver{accounts: map[string]uuid.UUID{"email:invitee@example.com": invitee}}
	convs := &fakeConversations{}
	notifier := &recordingNotifier{}
	email := &recordingEmail{}
	return &testEnv{
		coordinator: NewCoordinator(repo, resolver, convs, notifier, email, logger.Nop()),
		repo:        repo,
		convs:       convs,
		notifier:    notifier,
		email:       email,
		invitee:     invitee,
	}
}

func sendReq(inviter uuid.UUID) SendRequest {
	return SendRequest{
		InviterID:      inviter,
		InviterName:    "Alice",
		Kind:           identity.KindEmail,
		Value:          "Invitee@Example.com",
		FirstName:      "Bob",
		InitialMessage: "hi there",
		Consent:        true,
	}
}

func TestSendRequiresConsent(t *testing.T) {
	env := newTestEnv(t)
	req := sendReq(uuid.New())
	req.Consent = false

	if _, err := env.coordinator.Send(context.Background(), req); !errors.Is(err, infrastructure.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSendResolvesNotifiesAndEmails(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.coordinator.Send(context.Background(), sendReq(uuid.New()))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if inv.Status != StatusPending {
		t.Fatalf("status = %s, want pending", inv.Status)
	}
	if inv.InviteeUserID != env.invitee {
		t.Fatal("identity should resolve to the registered account")
	}
	if inv.InviteeValue != "invitee@example.com" {
		t.Fatalf("identity not normalized: %q", inv.InviteeValue)
	}
	if len(env.notifier.sent) != 1 || env.notifier.sent[0].Kind != notify.KindInvitationReceived {
		t.Fatalf("notifications = %+v, want one invitation_received", env.notifier.sent)
	}
	if len(env.email.sent) != 1 {
		t.Fatalf("emails = %v, want one", env.email.sent)
	}
}

func TestDuplicatePendingInvitationIsReturned(t *testing.T) {
	env := newTestEnv(t)
	inviter := uuid.New()

	first, err := env.coordinator.Send(context.Background(), sendReq(inviter))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := env.coordinator.Send(context.Background(), sendReq(inviter))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("a duplicate pending invitation must return the existing one")
	}
	if len(env.repo.byID) != 1 {
		t.Fatalf("stored invitations = %d, want 1", len(env.repo.byID))
	}
}

func TestRespondIsTerminalAndCreatesConversationOnce(t *testing.T) {
	env := newTestEnv(t)
	inviter := uuid.New()

	inv, err := env.coordinator.Send(context.Background(), sendReq(inviter))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	accepted, err := env.coordinator.Respond(context.Background(), env.invitee, inv.ID, true)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("status = %s, want accepted", accepted.Status)
	}
	if accepted.ConversationID == uuid.Nil {
		t.Fatal("accepting must attach the direct conversation")
	}
	if env.convs.created != 1 {
		t.Fatalf("conversations created = %d, want 1", env.convs.created)
	}

	// Terminal: a second response is rejected and nothing new is created.
	if _, err := env.coordinator.Respond(context.Background(), env.invitee, inv.ID, false); !errors.Is(err, infrastructure.ErrNotFound) {
		t.Fatalf("second respond: err = %v, want ErrNotFound", err)
	}
	if env.convs.created != 1 {
		t.Fatalf("conversations created = %d after replay, want 1", env.convs.created)
	}
}

func TestRespondRejectsWrongUser(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.coordinator.Send(context.Background(), sendReq(uuid.New()))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := env.coordinator.Respond(context.Background(), uuid.New(), inv.ID, true); !errors.Is(err, infrastructure.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestDeclineCreatesNoConversation(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.coordinator.Send(context.Background(), sendReq(uuid.New()))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	declined, err := env.coordinator.Respond(context.Background(), env.invitee, inv.ID, false)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if declined.Status != StatusDeclined {
		t.Fatalf("status = %s, want declined", declined.Status)
	}
	if env.convs.created != 0 {
		t.Fatalf("conversations created = %d, want 0", env.convs.created)
	}
}

func TestListPendingReflectsResponses(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.coordinator.Send(context.Background(), sendReq(uuid.New()))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	pending, err := env.coordinator.ListPending(context.Background(), env.invitee)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if env.coordinator.PendingCount(env.invitee) != 1 {
		t.Fatal("badge count should match the pending list")
	}

	if _, err := env.coordinator.Respond(context.Background(), env.invitee, inv.ID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	pending, err = env.coordinator.ListPending(context.Background(), env.invitee)
	if err != nil {
		t.Fatalf("list after respond: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d after acceptance, want 0", len(pending))
	}
	if env.coordinator.PendingCount(env.invitee) != 0 {
		t.Fatal("badge count should drop to zero")
	}
}
