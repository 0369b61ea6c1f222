package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"parley/infrastructure"
	"parley/internal/changefeed"
)

var ErrBadPairKey = errors.New("malformed pair key")

type Repository interface {
	EnsureDirect(ctx context.Context, a, b uuid.UUID) (*Conversation, bool, error)
	CreateGroupConversation(ctx context.Context, conv *Conversation, creatorID uuid.UUID) error
	AddParticipant(ctx context.Context, conversationID, userID uuid.UUID) error
	RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error
	SetReadMarker(ctx context.Context, conversationID, userID uuid.UUID, lastReadSeq int64) error

	ListAll(ctx context.Context) ([]*Conversation, error)
	ListParticipants(ctx context.Context) ([]*Participant, error)
	ListReadMarkers(ctx context.Context) ([]*ReadMarker, error)
	LatestPreview(ctx context.Context, conversationID uuid.UUID) (*Preview, error)
	UnreadCounts(ctx context.Context) (map[uuid.UUID]map[uuid.UUID]int, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureDirect creates the direct conversation for an unordered user pair if
// it does not exist yet. The unique pair_key makes creation idempotent even
// when two sessions race to accept the same invitation.
func (r *PostgresRepository) EnsureDirect(ctx context.Context, a, b uuid.UUID) (*Conversation, bool, error) {
	pairKey := PairKeyFor(a, b)
	conv := &Conversation{
		ID:        uuid.New(),
		Kind:      KindDirect,
		PairKey:   pairKey,
		CreatedAt: time.Now(),
	}

	created := false
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, kind, name, pair_key, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pair_key) DO NOTHING
		`, conv.ID, conv.Kind, conv.Name, conv.PairKey, conv.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return tx.QueryRowContext(ctx, `
				SELECT id, created_at FROM conversations WHERE pair_key = $1
			`, pairKey).Scan(&conv.ID, &conv.CreatedAt)
		}

		created = true
		if err := changefeed.Append(tx, "conversations", changefeed.OpInsert, nil, conv); err != nil {
			return err
		}
		for _, userID := range []uuid.UUID{a, b} {
			p := &Participant{ConversationID: conv.ID, UserID: userID, JoinedAt: conv.CreatedAt}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES ($1, $2, $3)
			`, p.ConversationID, p.UserID, p.JoinedAt); err != nil {
				return fmt.Errorf("failed to insert participant: %w", err)
			}
			if err := changefeed.Append(tx, "conversation_participants", changefeed.OpInsert, nil, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return conv, created, nil
}

func (r *PostgresRepository) CreateGroupConversation(ctx context.Context, conv *Conversation, creatorID uuid.UUID) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, kind, name, group_id, group_tag, visibility, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, conv.ID, conv.Kind, conv.Name, conv.GroupID, conv.GroupTag, conv.Visibility, conv.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert group conversation: %w", err)
		}
		if err := changefeed.Append(tx, "conversations", changefeed.OpInsert, nil, conv); err != nil {
			return err
		}

		p := &Participant{ConversationID: conv.ID, UserID: creatorID, JoinedAt: conv.CreatedAt}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES ($1, $2, $3)
		`, p.ConversationID, p.UserID, p.JoinedAt); err != nil {
			return fmt.Errorf("failed to insert creator participant: %w", err)
		}
		return changefeed.Append(tx, "conversation_participants", changefeed.OpInsert, nil, p)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) AddParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	p := &Participant{ConversationID: conversationID, UserID: userID, JoinedAt: time.Now()}
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, p.ConversationID, p.UserID, p.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}
		return changefeed.Append(tx, "conversation_participants", changefeed.OpInsert, nil, p)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		var joinedAt time.Time
		err := tx.QueryRowContext(ctx, `
			DELETE FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
			RETURNING joined_at
		`, conversationID, userID).Scan(&joinedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete participant: %w", err)
		}
		p := &Participant{ConversationID: conversationID, UserID: userID, JoinedAt: joinedAt}
		return changefeed.Append(tx, "conversation_participants", changefeed.OpDelete, p, nil)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) SetReadMarker(ctx context.Context, conversationID, userID uuid.UUID, lastReadSeq int64) error {
	marker := &ReadMarker{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadSeq:    lastReadSeq,
		UpdatedAt:      time.Now(),
	}
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		// Markers only ever move forward; a stale session cannot pull the
		// read boundary back.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO read_markers (conversation_id, user_id, last_read_seq, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id, user_id) DO UPDATE
			SET last_read_seq = GREATEST(read_markers.last_read_seq, $3), updated_at = $4
		`, marker.ConversationID, marker.UserID, marker.LastReadSeq, marker.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert read marker: %w", err)
		}
		return changefeed.Append(tx, "read_markers", changefeed.OpUpdate, nil, marker)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) ListAll(ctx context.Context) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, name, COALESCE(pair_key, ''), COALESCE(group_id, '00000000-0000-0000-0000-000000000000'),
		       COALESCE(group_tag, ''), COALESCE(visibility, ''), created_at
		FROM conversations
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list conversations: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.PairKey, &c.GroupID, &c.GroupTag, &c.Visibility, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, &c)
	}
	return conversations, rows.Err()
}

func (r *PostgresRepository) ListParticipants(ctx context.Context) ([]*Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, joined_at FROM conversation_participants
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list participants: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

func (r *PostgresRepository) ListReadMarkers(ctx context.Context) ([]*ReadMarker, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, last_read_seq, updated_at FROM read_markers
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list read markers: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var markers []*ReadMarker
	for rows.Next() {
		var m ReadMarker
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.LastReadSeq, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan read marker: %w", err)
		}
		markers = append(markers, &m)
	}
	return markers, rows.Err()
}

func (r *PostgresRepository) LatestPreview(ctx context.Context, conversationID uuid.UUID) (*Preview, error) {
	var p Preview
	err := r.db.QueryRowContext(ctx, `
		SELECT id, sender_id, body, seq, sent_at
		FROM messages WHERE conversation_id = $1
		ORDER BY seq DESC LIMIT 1
	`, conversationID).Scan(&p.MessageID, &p.SenderID, &p.Body, &p.Seq, &p.At)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load preview: %v", infrastructure.ErrTransient, err)
	}
	return &p, nil
}

// UnreadCounts derives every (conversation, user) unread counter from the
// messages past each user's read marker. Used at hydration; live updates are
// incremental.
func (r *PostgresRepository) UnreadCounts(ctx context.Context) (map[uuid.UUID]map[uuid.UUID]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cp.conversation_id, cp.user_id, COUNT(m.id)
		FROM conversation_participants cp
		JOIN messages m ON m.conversation_id = cp.conversation_id
			AND m.sender_id <> cp.user_id
			AND m.seq > COALESCE((
				SELECT rm.last_read_seq FROM read_markers rm
				WHERE rm.conversation_id = cp.conversation_id AND rm.user_id = cp.user_id
			), 0)
		GROUP BY cp.conversation_id, cp.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compute unread counts: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]map[uuid.UUID]int)
	for rows.Next() {
		var convID, userID uuid.UUID
		var count int
		if err := rows.Scan(&convID, &userID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		if counts[convID] == nil {
			counts[convID] = make(map[uuid.UUID]int)
		}
		counts[convID][userID] = count
	}
	return counts, rows.Err()
}
