package invitations

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
	"parley/internal/directory"
	"parley/internal/identity"
	"parley/internal/notify"
)

// DirectConversations is the conversation registry surface the coordinator
// needs when an invitation is accepted.
type DirectConversations interface {
	EnsureDirect(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error)
}

// Resolver maps an invitee identity to a registered account.
type Resolver interface {
	Resolve(ctx context.Context, id identity.Identity) (*directory.Candidate, error)
}

// EmailSender delivers an out-of-band invitation to an email identity.
type EmailSender interface {
	SendInvitationEmail(to, firstName, inviterName, message string) error
}

type SendRequest struct {
	InviterID      uuid.UUID
	InviterName    string
	Kind           identity.Kind
	Value          string
	FirstName      string
	LastName       string
	InitialMessage string
	Consent        bool
}

// Coordinator runs the invitation lifecycle: send, pend, respond once.
// It keeps an in-memory inbox per invitee so listing does not hit the
// store on every call; the change feed keeps the inbox converged.
type Coordinator struct {
	mu            sync.RWMutex
	repo          Repository
	directory     Resolver
	conversations DirectConversations
	notifier      notify.Notifier
	email         EmailSender
	log           *zap.SugaredLogger

	inbox map[uuid.UUID]map[uuid.UUID]*Invitation
}

func NewCoordinator(repo Repository, resolver Resolver, conversations DirectConversations, notifier notify.Notifier, email EmailSender, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		repo:          repo,
		directory:     resolver,
		conversations: conversations,
		notifier:      notifier,
		email:         email,
		log:           log,
		inbox:         make(map[uuid.UUID]map[uuid.UUID]*Invitation),
	}
}

// Send creates a pending invitation. Consent is required up front; an
// invitation the inviter already has pending for the same identity is
// returned as-is instead of duplicated.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (*Invitation, error) {
	if !req.Consent {
		return nil, fmt.Errorf("%w: invitee consent is required", infrastructure.ErrValidation)
	}
	if strings.TrimSpace(req.FirstName) == "" {
		return nil, fmt.Errorf("%w: first name is required", infrastructure.ErrValidation)
	}
	invitee, err := identity.Normalize(req.Kind, req.Value)
	if err != nil {
		return nil, err
	}

	if existing, err := c.repo.FindPending(ctx, req.InviterID, invitee); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	inv := &Invitation{
		ID:             uuid.New(),
		InviterID:      req.InviterID,
		InviteeKind:    invitee.Kind,
		InviteeValue:   invitee.Value,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		InitialMessage: req.InitialMessage,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}

	account, err := c.directory.Resolve(ctx, invitee)
	if err != nil {
		return nil, err
	}
	if account != nil {
		inv.InviteeUserID = account.ID
	}

	if err := c.repo.Insert(ctx, inv); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.indexLocked(inv)
	c.mu.Unlock()

	if inv.InviteeUserID != uuid.Nil {
		c.notifier.Notify(notify.Notification{
			Kind:         notify.KindInvitationReceived,
			UserID:       inv.InviteeUserID,
			InvitationID: inv.ID,
			Body:         inv.InitialMessage,
		})
	}
	if invitee.Kind == identity.KindEmail {
		if err := c.email.SendInvitationEmail(invitee.Value, inv.FirstName, req.InviterName, inv.InitialMessage); err != nil {
			c.log.Warnw("invitation email not sent", "invitation_id", inv.ID, "error", err)
		}
	}
	return inv.clone(), nil
}

// Respond resolves a pending invitation exactly once. Accepting creates the
// direct conversation first, so a crash between the two writes never leaves
// an accepted invitation without its conversation.
func (c *Coordinator) Respond(ctx context.Context, responderID, invitationID uuid.UUID, accept bool) (*Invitation, error) {
	inv, err := c.repo.FindByID(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.InviteeUserID != responderID {
		return nil, fmt.Errorf("%w: invitation %s is not addressed to this user", infrastructure.ErrUnauthorized, invitationID)
	}
	if inv.Status.Terminal() {
		return nil, fmt.Errorf("%w: invitation %s already %s", infrastructure.ErrNotFound, invitationID, inv.Status)
	}

	status := StatusDeclined
	var conversationID uuid.UUID
	if accept {
		status = StatusAccepted
		conversationID, err = c.conversations.EnsureDirect(ctx, inv.InviterID, responderID)
		if err != nil {
			return nil, err
		}
	}

	resolved, err := c.repo.MarkResponded(ctx, invitationID, status, conversationID, time.Now())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.indexLocked(resolved)
	c.mu.Unlock()

	c.notifier.Notify(notify.Notification{
		Kind:           notify.KindInvitationResponded,
		UserID:         resolved.InviterID,
		InvitationID:   resolved.ID,
		ConversationID: resolved.ConversationID,
		Body:           string(resolved.Status),
	})
	return resolved.clone(), nil
}

// ListPending returns the user's open invitations, newest first.
func (c *Coordinator) ListPending(ctx context.Context, userID uuid.UUID) ([]*Invitation, error) {
	c.mu.RLock()
	box, loaded := c.inbox[userID]
	c.mu.RUnlock()
	if !loaded {
		return c.Refresh(ctx, userID)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Invitation, 0, len(box))
	for _, inv := range box {
		if inv.Status == StatusPending {
			out = append(out, inv.clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

// Refresh reloads the user's inbox from the store.
func (c *Coordinator) Refresh(ctx context.Context, userID uuid.UUID) ([]*Invitation, error) {
	pending, err := c.repo.ListPendingFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.inbox[userID] = make(map[uuid.UUID]*Invitation, len(pending))
	for _, inv := range pending {
		c.inbox[userID][inv.ID] = inv
	}
	c.mu.Unlock()

	out := make([]*Invitation, 0, len(pending))
	for _, inv := range pending {
		out = append(out, inv.clone())
	}
	sortByCreated(out)
	return out, nil
}

func (c *Coordinator) PendingCount(userID uuid.UUID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, inv := range c.inbox[userID] {
		if inv.Status == StatusPending {
			n++
		}
	}
	return n
}

// Apply converges the inbox with invitation rows seen on the change feed.
func (c *Coordinator) Apply(ctx context.Context, ev changefeed.Event) error {
	if ev.Table != "invitations" {
		return fmt.Errorf("unroutable table %q", ev.Table)
	}
	var inv Invitation
	if err := ev.Decode(&inv); err != nil {
		return fmt.Errorf("failed to decode invitation event: %w", err)
	}

	c.mu.Lock()
	fresh := c.indexLocked(&inv)
	c.mu.Unlock()

	if fresh && ev.Op == changefeed.OpInsert && inv.InviteeUserID != uuid.Nil {
		c.notifier.Notify(notify.Notification{
			Kind:         notify.KindInvitationReceived,
			UserID:       inv.InviteeUserID,
			InvitationID: inv.ID,
			Body:         inv.InitialMessage,
		})
	}
	return nil
}

// indexLocked upserts into the invitee's inbox and reports whether the
// invitation was previously unknown. Terminal invitations stay indexed with
// their final status so replays cannot resurrect them.
func (c *Coordinator) indexLocked(inv *Invitation) bool {
	if inv.InviteeUserID == uuid.Nil {
		return false
	}
	box, ok := c.inbox[inv.InviteeUserID]
	if !ok {
		box = make(map[uuid.UUID]*Invitation)
		c.inbox[inv.InviteeUserID] = box
	}
	existing, known := box[inv.ID]
	if known && existing.Status.Terminal() {
		return false
	}
	box[inv.ID] = inv.clone()
	return !known
}

func sortByCreated(invs []*Invitation) {
	sort.Slice(invs, func(i, j int) bool {
		return invs[i].CreatedAt.After(invs[j].CreatedAt)
	})
}
