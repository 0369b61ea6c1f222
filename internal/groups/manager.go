package groups

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
	"parley/internal/conversations"
	"parley/internal/notify"
)

// GroupConversations is the conversation registry surface the manager uses
// to keep each group's backing conversation in lockstep with membership.
type GroupConversations interface {
	CreateForGroup(ctx context.Context, groupID uuid.UUID, tag, name string, visibility conversations.Visibility, creatorID uuid.UUID) (uuid.UUID, error)
	AddMember(ctx context.Context, conversationID, userID uuid.UUID) error
	RemoveMember(ctx context.Context, conversationID, userID uuid.UUID) error
}

// Manager owns group lifecycle and membership. Group membership and the
// backing conversation's participant list change together; the conversation
// is created with the group and never outlives it.
type Manager struct {
	mu            sync.RWMutex
	repo          Repository
	conversations GroupConversations
	notifier      notify.Notifier
	log           *zap.SugaredLogger

	groups  map[uuid.UUID]*Group
	members map[uuid.UUID]map[uuid.UUID]time.Time
}

func NewManager(repo Repository, conversations GroupConversations, notifier notify.Notifier, log *zap.SugaredLogger) *Manager {
	return &Manager{
		repo:          repo,
		conversations: conversations,
		notifier:      notifier,
		log:           log,
		groups:        make(map[uuid.UUID]*Group),
		members:       make(map[uuid.UUID]map[uuid.UUID]time.Time),
	}
}

// Hydrate loads every group and its membership from the store.
func (m *Manager) Hydrate(ctx context.Context) error {
	all, err := m.repo.ListGroups(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range all {
		m.groups[g.ID] = g
		roster, err := m.repo.ListMembers(ctx, g.ID)
		if err != nil {
			return err
		}
		members := make(map[uuid.UUID]time.Time, len(roster))
		for _, member := range roster {
			members[member.UserID] = member.JoinedAt
		}
		m.members[g.ID] = members
	}
	return nil
}

type CreateRequest struct {
	Name        string
	Description string
	Visibility  conversations.Visibility
	Business    bool
}

// Create makes a new group whose sole member is the creator. The generated
// tag is the group's shareable handle.
func (m *Manager) Create(ctx context.Context, creatorID uuid.UUID, req CreateRequest) (*Group, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", infrastructure.ErrValidation)
	}
	if req.Visibility != conversations.VisibilityPublic && req.Visibility != conversations.VisibilityPrivate {
		return nil, fmt.Errorf("%w: unknown visibility %q", infrastructure.ErrValidation, req.Visibility)
	}

	g := &Group{
		ID:          uuid.New(),
		Tag:         infrastructure.GenerateGroupTag(name),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Visibility:  req.Visibility,
		CreatorID:   creatorID,
		Business:    req.Business,
		CreatedAt:   time.Now(),
	}

	conversationID, err := m.conversations.CreateForGroup(ctx, g.ID, g.Tag, g.Name, g.Visibility, creatorID)
	if err != nil {
		return nil, err
	}
	g.ConversationID = conversationID

	if err := m.repo.InsertGroup(ctx, g); err != nil {
		return nil, err
	}
	if _, err := m.repo.InsertMember(ctx, &Member{GroupID: g.ID, UserID: creatorID, JoinedAt: g.CreatedAt}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.groups[g.ID] = g
	m.members[g.ID] = map[uuid.UUID]time.Time{creatorID: g.CreatedAt}
	m.mu.Unlock()

	out := *g
	return &out, nil
}

func (m *Manager) Get(ctx context.Context, groupID uuid.UUID) (*Group, error) {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	m.mu.RUnlock()
	if ok {
		out := *g
		return &out, nil
	}
	return m.repo.FindGroup(ctx, groupID)
}

// ListPublic is the joinable group directory.
func (m *Manager) ListPublic() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Group
	for _, g := range m.groups {
		if g.Joinable() {
			c := *g
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Join enters a public group immediately. For a private group it files a
// join request and returns it; membership waits for an approver.
func (m *Manager) Join(ctx context.Context, userID, groupID uuid.UUID) (*JoinRequest, error) {
	g, err := m.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if m.IsMember(groupID, userID) {
		return nil, nil
	}

	if g.Visibility == conversations.VisibilityPublic {
		if g.Abandoned {
			return nil, fmt.Errorf("%w: group %s is abandoned", infrastructure.ErrNotFound, groupID)
		}
		if err := m.admit(ctx, g, userID); err != nil {
			return nil, err
		}
		m.notifier.Notify(notify.Notification{
			Kind:           notify.KindGroupJoinResult,
			UserID:         userID,
			GroupID:        groupID,
			ConversationID: g.ConversationID,
			Body:           "joined",
		})
		return nil, nil
	}

	req := &JoinRequest{
		ID:        uuid.New(),
		GroupID:   groupID,
		UserID:    userID,
		Status:    RequestPending,
		CreatedAt: time.Now(),
	}
	if err := m.repo.InsertJoinRequest(ctx, req); err != nil {
		return nil, err
	}
	out := *req
	return &out, nil
}

// JoinRequests lists a group's open requests for its members.
func (m *Manager) JoinRequests(ctx context.Context, callerID, groupID uuid.UUID) ([]*JoinRequest, error) {
	if !m.IsMember(groupID, callerID) {
		return nil, fmt.Errorf("%w: not a member of %s", infrastructure.ErrUnauthorized, groupID)
	}
	return m.repo.ListPendingJoinRequests(ctx, groupID)
}

// RespondToJoinRequest resolves a pending request. Any current member of the
// group may decide; the status guard in the store makes the decision stick
// exactly once.
func (m *Manager) RespondToJoinRequest(ctx context.Context, approverID, requestID uuid.UUID, approve bool) error {
	req, err := m.repo.FindJoinRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !m.IsMember(req.GroupID, approverID) {
		return fmt.Errorf("%w: not a member of %s", infrastructure.ErrUnauthorized, req.GroupID)
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: join request %s already %s", infrastructure.ErrNotFound, requestID, req.Status)
	}

	status := RequestRejected
	if approve {
		status = RequestApproved
	}
	resolved, err := m.repo.ResolveJoinRequest(ctx, requestID, status, approverID, time.Now())
	if err != nil {
		return err
	}

	g, err := m.Get(ctx, resolved.GroupID)
	if err != nil {
		return err
	}
	if approve {
		if err := m.admit(ctx, g, resolved.UserID); err != nil {
			return err
		}
	}

	m.notifier.Notify(notify.Notification{
		Kind:           notify.KindGroupJoinResult,
		UserID:         resolved.UserID,
		GroupID:        resolved.GroupID,
		ConversationID: g.ConversationID,
		Body:           string(status),
	})
	return nil
}

// Invite creates a pending invite from a member to another user. The same
// invitee is never pending twice for one group.
func (m *Manager) Invite(ctx context.Context, inviterID, groupID, inviteeID uuid.UUID) (*Invite, error) {
	if !m.IsMember(groupID, inviterID) {
		return nil, fmt.Errorf("%w: not a member of %s", infrastructure.ErrUnauthorized, groupID)
	}
	if m.IsMember(groupID, inviteeID) {
		return nil, fmt.Errorf("%w: already a member", infrastructure.ErrValidation)
	}

	if existing, err := m.repo.FindPendingInvite(ctx, groupID, inviteeID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	inv := &Invite{
		ID:        uuid.New(),
		GroupID:   groupID,
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    RequestPending,
		CreatedAt: time.Now(),
	}
	if err := m.repo.InsertInvite(ctx, inv); err != nil {
		return nil, err
	}

	m.notifier.Notify(notify.Notification{
		Kind:    notify.KindGroupInvite,
		UserID:  inviteeID,
		GroupID: groupID,
	})
	out := *inv
	return &out, nil
}

func (m *Manager) PendingInvites(ctx context.Context, inviteeID uuid.UUID) ([]*Invite, error) {
	return m.repo.ListPendingInvitesFor(ctx, inviteeID)
}

// RespondToInvite lets the invitee accept or decline their own invite.
func (m *Manager) RespondToInvite(ctx context.Context, responderID, inviteID uuid.UUID, accept bool) error {
	inv, err := m.repo.FindInvite(ctx, inviteID)
	if err != nil {
		return err
	}
	if inv.InviteeID != responderID {
		return fmt.Errorf("%w: invite %s is not addressed to this user", infrastructure.ErrUnauthorized, inviteID)
	}
	if inv.Status.Terminal() {
		return fmt.Errorf("%w: invite %s already %s", infrastructure.ErrNotFound, inviteID, inv.Status)
	}

	status := RequestRejected
	if accept {
		status = RequestApproved
	}
	if _, err := m.repo.ResolveInvite(ctx, inviteID, status, time.Now()); err != nil {
		return err
	}
	if !accept {
		return nil
	}

	g, err := m.Get(ctx, inv.GroupID)
	if err != nil {
		return err
	}
	return m.admit(ctx, g, responderID)
}

// Leave removes the caller. The last member out abandons the group: it is
// kept, but stops accepting public joins.
func (m *Manager) Leave(ctx context.Context, userID, groupID uuid.UUID) error {
	g, err := m.Get(ctx, groupID)
	if err != nil {
		return err
	}
	removed, err := m.repo.DeleteMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: not a member of %s", infrastructure.ErrNotFound, groupID)
	}
	if err := m.conversations.RemoveMember(ctx, g.ConversationID, userID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.members[groupID], userID)
	empty := len(m.members[groupID]) == 0
	if empty {
		if cached, ok := m.groups[groupID]; ok {
			cached.Abandoned = true
		}
	}
	m.mu.Unlock()

	if empty {
		if err := m.repo.SetAbandoned(ctx, groupID, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Members(groupID uuid.UUID) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.members[groupID]))
	for id := range m.members[groupID] {
		out = append(out, id)
	}
	return out
}

func (m *Manager) IsMember(groupID, userID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[groupID][userID]
	return ok
}

func (m *Manager) admit(ctx context.Context, g *Group, userID uuid.UUID) error {
	now := time.Now()
	inserted, err := m.repo.InsertMember(ctx, &Member{GroupID: g.ID, UserID: userID, JoinedAt: now})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if err := m.conversations.AddMember(ctx, g.ConversationID, userID); err != nil {
		return err
	}

	m.mu.Lock()
	if m.members[g.ID] == nil {
		m.members[g.ID] = make(map[uuid.UUID]time.Time)
	}
	m.members[g.ID][userID] = now
	m.mu.Unlock()
	return nil
}

// Apply converges the manager's view with group rows from the change feed.
func (m *Manager) Apply(ctx context.Context, ev changefeed.Event) error {
	switch ev.Table {
	case "groups":
		var g Group
		if err := ev.Decode(&g); err != nil {
			return fmt.Errorf("failed to decode group event: %w", err)
		}
		m.mu.Lock()
		m.groups[g.ID] = &g
		if m.members[g.ID] == nil {
			m.members[g.ID] = make(map[uuid.UUID]time.Time)
		}
		m.mu.Unlock()
		return nil

	case "group_members":
		var member Member
		if err := ev.Decode(&member); err != nil {
			return fmt.Errorf("failed to decode member event: %w", err)
		}
		m.mu.Lock()
		if ev.Op == changefeed.OpDelete {
			delete(m.members[member.GroupID], member.UserID)
		} else {
			if m.members[member.GroupID] == nil {
				m.members[member.GroupID] = make(map[uuid.UUID]time.Time)
			}
			m.members[member.GroupID][member.UserID] = member.JoinedAt
		}
		m.mu.Unlock()
		return nil

	case "group_join_requests", "group_invites":
		// Pending requests and invites are read from the store on demand;
		// nothing cached to converge.
		return nil

	default:
		return fmt.Errorf("unroutable table %q", ev.Table)
	}
}
