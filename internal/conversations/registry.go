package conversations

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
	"parley/internal/notify"
)

type entry struct {
	conv         Conversation
	members      map[uuid.UUID]time.Time
	unread       map[uuid.UUID]int
	markers      map[uuid.UUID]int64
	preview      *Preview
	lastActivity time.Time
	maxSeq       int64

	// baseSeq is the highest message sequence covered by the hydrated
	// unread counts. Appends at or below it were counted durably already.
	baseSeq int64
}

// Profiles resolves user display names for direct conversation rows.
// Satisfied by *directory.Service.
type Profiles interface {
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// Registry owns the set of conversations visible to each account, their
// unread counters and membership. It is the only writer of conversation rows;
// its unread and preview fields are derived views, recomputed whenever the
// owning entities change.
type Registry struct {
	mu       sync.RWMutex
	repo     Repository
	profiles Profiles
	notifier notify.Notifier
	log      *zap.SugaredLogger

	entries map[uuid.UUID]*entry
	active  map[uuid.UUID]uuid.UUID // user -> selected conversation
}

func NewRegistry(repo Repository, profiles Profiles, notifier notify.Notifier, log *zap.SugaredLogger) *Registry {
	return &Registry{
		repo:     repo,
		profiles: profiles,
		notifier: notifier,
		log:      log,
		entries:  make(map[uuid.UUID]*entry),
		active:   make(map[uuid.UUID]uuid.UUID),
	}
}

// Hydrate loads the durable conversation state into memory. Live deltas
// arrive afterwards through local actions and the sync layer.
func (r *Registry) Hydrate(ctx context.Context) error {
	conversations, err := r.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	participants, err := r.repo.ListParticipants(ctx)
	if err != nil {
		return err
	}
	markers, err := r.repo.ListReadMarkers(ctx)
	if err != nil {
		return err
	}
	unread, err := r.repo.UnreadCounts(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range conversations {
		e := r.ensureEntryLocked(*c)
		if preview, err := r.repo.LatestPreview(ctx, c.ID); err == nil && preview != nil {
			e.preview = preview
			e.lastActivity = preview.At
			e.maxSeq = preview.Seq
			e.baseSeq = preview.Seq
		}
		for user, count := range unread[c.ID] {
			e.unread[user] = count
		}
	}
	for _, p := range participants {
		if e, ok := r.entries[p.ConversationID]; ok {
			e.members[p.UserID] = p.JoinedAt
		}
	}
	for _, m := range markers {
		if e, ok := r.entries[m.ConversationID]; ok {
			e.markers[m.UserID] = m.LastReadSeq
		}
	}
	return nil
}

func (r *Registry) ensureEntryLocked(conv Conversation) *entry {
	e, ok := r.entries[conv.ID]
	if !ok {
		e = &entry{
			conv:         conv,
			members:      make(map[uuid.UUID]time.Time),
			unread:       make(map[uuid.UUID]int),
			markers:      make(map[uuid.UUID]int64),
			lastActivity: conv.CreatedAt,
		}
		r.entries[conv.ID] = e
	}
	return e
}

// List returns the caller's conversations sorted by most-recent activity,
// optionally narrowed by a free-text filter against the conversation name,
// counterpart display name, group tag and last-message body. Direct rows
// carry the counterpart's display name as their name.
func (r *Registry) List(ctx context.Context, userID uuid.UUID, filter string) []Summary {
	r.mu.RLock()
	var summaries []Summary
	for _, e := range r.entries {
		if _, member := e.members[userID]; !member {
			continue
		}
		s := Summary{
			Conversation: e.conv,
			Unread:       e.unread[userID],
			LastActivity: e.lastActivity,
			MemberCount:  len(e.members),
		}
		if e.conv.Kind == KindDirect {
			s.CounterpartID = e.conv.Counterpart(userID)
		}
		if e.preview != nil {
			preview := *e.preview
			s.LastMessage = &preview
		}
		summaries = append(summaries, s)
	}
	r.mu.RUnlock()

	for i := range summaries {
		if summaries[i].CounterpartID == uuid.Nil {
			continue
		}
		name, err := r.profiles.DisplayName(ctx, summaries[i].CounterpartID)
		if err != nil {
			r.log.Debugw("counterpart name lookup failed", "user_id", summaries[i].CounterpartID, "error", err)
			continue
		}
		summaries[i].CounterpartName = name
		if summaries[i].Name == "" {
			summaries[i].Name = name
		}
	}

	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter != "" {
		filtered := summaries[:0]
		for i := range summaries {
			if matches(&summaries[i], filter) {
				filtered = append(filtered, summaries[i])
			}
		}
		summaries = filtered
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastActivity.Equal(summaries[j].LastActivity) {
			return summaries[i].LastActivity.After(summaries[j].LastActivity)
		}
		return summaries[i].ID.String() < summaries[j].ID.String()
	})
	return summaries
}

func matches(s *Summary, filter string) bool {
	if strings.Contains(strings.ToLower(s.Name), filter) {
		return true
	}
	if strings.Contains(strings.ToLower(s.CounterpartName), filter) {
		return true
	}
	if strings.Contains(strings.ToLower(s.GroupTag), filter) {
		return true
	}
	if s.LastMessage != nil {
		if strings.Contains(strings.ToLower(s.LastMessage.Body), filter) {
			return true
		}
		if strings.Contains(s.LastMessage.At.Format(time.RFC3339), filter) {
			return true
		}
	}
	return false
}

// Select marks the conversation active for the user and resets their unread
// counter. Other participants' counters are untouched. The read marker is
// persisted first; on failure nothing changes locally.
func (r *Registry) Select(ctx context.Context, userID, conversationID uuid.UUID) error {
	r.mu.RLock()
	e, ok := r.entries[conversationID]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: conversation %s", infrastructure.ErrNotFound, conversationID)
	}
	if _, member := e.members[userID]; !member {
		r.mu.RUnlock()
		return fmt.Errorf("%w: not a participant of %s", infrastructure.ErrUnauthorized, conversationID)
	}
	upTo := e.maxSeq
	r.mu.RUnlock()

	if err := r.repo.SetReadMarker(ctx, conversationID, userID, upTo); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[userID] = conversationID
	e.unread[userID] = 0
	if upTo > e.markers[userID] {
		e.markers[userID] = upTo
	}
	return nil
}

// Deselect clears the user's active conversation, e.g. when the view closes.
// It cancels nothing else: in-flight sends and feed subscriptions continue.
func (r *Registry) Deselect(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, userID)
}

// IsActive reports whether the user currently has the conversation selected.
func (r *Registry) IsActive(userID, conversationID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[userID] == conversationID
}

// EnsureDirect materializes the direct conversation for a user pair,
// creating it at most once. Called on invitation acceptance from every
// racing session; all callers converge on the same conversation.
func (r *Registry) EnsureDirect(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	conv, _, err := r.repo.EnsureDirect(ctx, a, b)
	if err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensureEntryLocked(*conv)
	if _, ok := e.members[a]; !ok {
		e.members[a] = conv.CreatedAt
	}
	if _, ok := e.members[b]; !ok {
		e.members[b] = conv.CreatedAt
	}
	return conv.ID, nil
}

// CreateForGroup materializes the backing conversation of a new group with
// the creator as sole member.
func (r *Registry) CreateForGroup(ctx context.Context, groupID uuid.UUID, tag, name string, visibility Visibility, creatorID uuid.UUID) (uuid.UUID, error) {
	conv := &Conversation{
		ID:         uuid.New(),
		Kind:       KindGroup,
		Name:       name,
		GroupID:    groupID,
		GroupTag:   tag,
		Visibility: visibility,
		CreatedAt:  time.Now(),
	}
	if err := r.repo.CreateGroupConversation(ctx, conv, creatorID); err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensureEntryLocked(*conv)
	e.members[creatorID] = conv.CreatedAt
	return conv.ID, nil
}

func (r *Registry) AddMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := r.repo.AddParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok {
		if _, present := e.members[userID]; !present {
			e.members[userID] = time.Now()
		}
	}
	return nil
}

func (r *Registry) RemoveMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := r.repo.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok {
		delete(e.members, userID)
	}
	if r.active[userID] == conversationID {
		delete(r.active, userID)
	}
	return nil
}

// Members returns a snapshot of the conversation's member ids.
func (r *Registry) Members(conversationID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[conversationID]
	if !ok {
		return nil
	}
	members := make([]uuid.UUID, 0, len(e.members))
	for id := range e.members {
		members = append(members, id)
	}
	return members
}

// IsMember reports whether the user belongs to the conversation.
func (r *Registry) IsMember(conversationID, userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[conversationID]
	if !ok {
		return false
	}
	_, member := e.members[userID]
	return member
}

// MessageAppended is the message store's hook for every confirmed message,
// local or remote: it recomputes the derived preview, bumps activity, and
// increments the unread counter of every member who is not the sender and
// does not have the conversation selected.
func (r *Registry) MessageAppended(conversationID, messageID, senderID uuid.UUID, body string, at time.Time, seq int64) {
	var notified []uuid.UUID

	r.mu.Lock()
	e, ok := r.entries[conversationID]
	if !ok {
		r.mu.Unlock()
		r.log.Debugw("message for unknown conversation", "conversation_id", conversationID)
		return
	}
	if seq <= e.baseSeq {
		// Replay of a message the hydrated counts already cover.
		r.mu.Unlock()
		return
	}
	if seq > e.maxSeq {
		e.maxSeq = seq
		e.preview = &Preview{MessageID: messageID, SenderID: senderID, Body: body, Seq: seq, At: at}
		e.lastActivity = at
	}
	for member := range e.members {
		if member == senderID {
			continue
		}
		if r.active[member] == conversationID {
			continue
		}
		if seq > e.markers[member] {
			e.unread[member]++
			notified = append(notified, member)
		}
	}
	r.mu.Unlock()

	for _, member := range notified {
		r.notifier.Notify(notify.Notification{
			Kind:           notify.KindMessageReceived,
			UserID:         member,
			ConversationID: conversationID,
			Body:           body,
			At:             at,
		})
	}
}

// MessageDeleted recomputes the preview when the deleted message was the
// latest one.
func (r *Registry) MessageDeleted(ctx context.Context, conversationID, messageID uuid.UUID) {
	r.mu.RLock()
	e, ok := r.entries[conversationID]
	stale := ok && e.preview != nil && e.preview.MessageID == messageID
	r.mu.RUnlock()
	if !stale {
		return
	}

	preview, err := r.repo.LatestPreview(ctx, conversationID)
	if err != nil {
		r.log.Warnw("failed to recompute preview", "conversation_id", conversationID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.preview = preview
	if preview != nil {
		e.lastActivity = preview.At
	}
}

// MessageEdited refreshes the preview body when the edited message is the
// latest one.
func (r *Registry) MessageEdited(conversationID, messageID uuid.UUID, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[conversationID]; ok && e.preview != nil && e.preview.MessageID == messageID {
		e.preview.Body = body
	}
}

// Apply routes a change-feed event through the same state transitions a
// local action would take. Read-marker events from the user's other sessions
// converge here: the latest marker wins and the counter never goes negative.
func (r *Registry) Apply(ctx context.Context, ev changefeed.Event) error {
	switch ev.Table {
	case "conversations":
		var conv Conversation
		if err := ev.Decode(&conv); err != nil {
			return fmt.Errorf("failed to decode conversation event: %w", err)
		}
		r.mu.Lock()
		r.ensureEntryLocked(conv)
		r.mu.Unlock()
	case "conversation_participants":
		var p Participant
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("failed to decode participant event: %w", err)
		}
		r.mu.Lock()
		e, ok := r.entries[p.ConversationID]
		if ok {
			if ev.Op == changefeed.OpDelete {
				delete(e.members, p.UserID)
			} else if _, present := e.members[p.UserID]; !present {
				e.members[p.UserID] = p.JoinedAt
			}
		}
		r.mu.Unlock()
	case "read_markers":
		var m ReadMarker
		if err := ev.Decode(&m); err != nil {
			return fmt.Errorf("failed to decode read marker event: %w", err)
		}
		r.mu.Lock()
		if e, ok := r.entries[m.ConversationID]; ok {
			if m.LastReadSeq >= e.markers[m.UserID] {
				e.markers[m.UserID] = m.LastReadSeq
				e.unread[m.UserID] = 0
			}
		}
		r.mu.Unlock()
	default:
		return fmt.Errorf("unroutable table %q", ev.Table)
	}
	return nil
}
